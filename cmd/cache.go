package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/thellimist/oidcauth/internal/cache"
	"github.com/thellimist/oidcauth/internal/logger"
	"github.com/thellimist/oidcauth/internal/suggest"
)

var (
	flagCacheFormat string
	flagCacheUser   string
	flagCacheClient string
	flagCacheAll    bool
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and clear the token cache",
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached tokens",
	Long:  "List cached tokens. Token values are never printed.",
	Args:  cobra.NoArgs,
	RunE:  runCacheList,
}

var cacheDeleteCmd = &cobra.Command{
	Use:   "delete <resource>",
	Short: "Delete the cached tokens for a resource",
	Args:  cobra.ExactArgs(1),
	RunE:  runCacheDelete,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove cached tokens for a user or a client",
	Long: `Remove cached tokens.

With --user, removes every token of that user for the client. Without it,
removes every token of the client. --all empties the whole cache.`,
	Args: cobra.NoArgs,
	RunE: runCacheClear,
}

func init() {
	cacheListCmd.Flags().StringVarP(&flagCacheFormat, "output", "o", "table", "output format: table, json or yaml")

	for _, c := range []*cobra.Command{cacheDeleteCmd, cacheClearCmd} {
		c.Flags().StringVar(&flagCacheUser, "user", "", "unique id of the user")
		c.Flags().StringVar(&flagCacheClient, "client", "", "client id (defaults to the configured client_id)")
	}
	cacheClearCmd.Flags().BoolVar(&flagCacheAll, "all", false, "remove every cached token")

	cacheCmd.AddCommand(cacheListCmd, cacheDeleteCmd, cacheClearCmd)
}

// cacheEntry is the printable view of a cached record.
type cacheEntry struct {
	Authority string    `json:"authority" yaml:"authority"`
	ClientID  string    `json:"client_id" yaml:"client_id"`
	Resource  string    `json:"resource,omitempty" yaml:"resource,omitempty"`
	UserID    string    `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	User      string    `json:"user,omitempty" yaml:"user,omitempty"`
	Kind      string    `json:"kind" yaml:"kind"`
	ExpiresOn time.Time `json:"expires_on,omitzero" yaml:"expires_on,omitempty"`
	Expired   bool      `json:"expired" yaml:"expired"`
}

func recordKind(r cache.TokenRecord) string {
	switch {
	case r.IsFRT():
		return "family refresh token"
	case r.IsMRRT():
		return "multi-resource refresh token"
	case r.AccessToken != "" && r.RefreshToken != "":
		return "access + refresh token"
	case r.AccessToken != "":
		return "access token"
	default:
		return "refresh token"
	}
}

func cacheEntries(records []cache.TokenRecord, now time.Time) []cacheEntry {
	entries := make([]cacheEntry, 0, len(records))
	for _, r := range records {
		e := cacheEntry{
			Authority: r.Authority,
			ClientID:  r.ClientID,
			Resource:  r.Resource,
			UserID:    r.UserID,
			User:      r.DisplayableID,
			Kind:      recordKind(r),
		}
		if r.AccessToken != "" {
			e.ExpiresOn = r.ExpiresOn.UTC()
			e.Expired = r.IsExpired(now)
		}
		entries = append(entries, e)
	}
	return entries
}

func openConfiguredCache() (*cache.Accessor, error) {
	tc, err := openCache(cfg, logger.Get())
	if err != nil {
		return nil, err
	}
	return tc.accessor, nil
}

func runCacheList(cmd *cobra.Command, _ []string) error {
	accessor, err := openConfiguredCache()
	if err != nil {
		return err
	}
	records, err := accessor.AllItems()
	if err != nil {
		return err
	}
	entries := cacheEntries(records, time.Now())

	w := cmd.OutOrStdout()
	switch flagCacheFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	case "yaml":
		return yaml.NewEncoder(w).Encode(entries)
	case "table":
		return renderCacheTable(w, entries)
	}
	return fmt.Errorf("unknown output format %q", flagCacheFormat)
}

func renderCacheTable(w io.Writer, entries []cacheEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "The token cache is empty.")
		return err
	}

	header := []string{"Authority", "Client", "Resource", "User", "Kind", "Expires"}
	table := tablewriter.NewWriter(w)
	table.Options(
		tablewriter.WithHeader(header),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.Border{
				Left:   tw.State(1),
				Top:    tw.State(1),
				Right:  tw.State(1),
				Bottom: tw.State(1),
			},
		}),
		tablewriter.WithAlignment(tw.MakeAlign(len(header), tw.AlignLeft)),
	)

	for _, e := range entries {
		expires := "-"
		if !e.ExpiresOn.IsZero() {
			expires = e.ExpiresOn.Format(time.RFC3339)
			if e.Expired {
				expires += " (expired)"
			}
		}
		user := e.User
		if user == "" {
			user = e.UserID
		}
		if err := table.Append([]string{e.Authority, e.ClientID, e.Resource, user, e.Kind, expires}); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}

func clientOrConfigured() string {
	if flagCacheClient != "" {
		return flagCacheClient
	}
	return cfg.ClientID
}

func runCacheDelete(cmd *cobra.Command, args []string) error {
	accessor, err := openConfiguredCache()
	if err != nil {
		return err
	}
	resource, clientID := args[0], clientOrConfigured()
	n, err := accessor.Store().RemoveWhere(func(r cache.TokenRecord) bool {
		return r.Resource == resource &&
			(clientID == "" || r.ClientID == clientID) &&
			(flagCacheUser == "" || r.UserID == flagCacheUser)
	})
	if err != nil {
		return err
	}
	if n == 0 {
		records, err := accessor.AllItems()
		if err != nil {
			return err
		}
		return fmt.Errorf("no cached tokens for %s%s", resource, didYouMean(resource, cachedResources(records)))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d token(s) for %s\n", n, resource)
	return nil
}

func cachedResources(records []cache.TokenRecord) []string {
	names := make([]string, 0, len(records))
	for _, r := range records {
		names = append(names, r.Resource)
	}
	return suggest.Unique(names)
}

func didYouMean(name string, candidates []string) string {
	if s := suggest.Closest(name, candidates); s != "" {
		return fmt.Sprintf(" (did you mean %s?)", s)
	}
	return ""
}

func runCacheClear(cmd *cobra.Command, _ []string) error {
	accessor, err := openConfiguredCache()
	if err != nil {
		return err
	}

	var n int
	switch clientID := clientOrConfigured(); {
	case flagCacheAll:
		n, err = accessor.Clear()
	case clientID == "":
		return fmt.Errorf("--client is required when no client_id is configured (or use --all)")
	case flagCacheUser != "":
		n, err = accessor.RemoveAllForUser(flagCacheUser, clientID)
	default:
		n, err = accessor.RemoveAllForClient(clientID)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d token(s)\n", n)
	return nil
}
