package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thellimist/oidcauth/internal/config"
	"github.com/thellimist/oidcauth/internal/logger"
)

var appVersion = "dev"

func SetVersion(v string) {
	appVersion = v
}

var (
	flagConfig string
	vp         = config.NewViper()
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "oidcauth",
	Short: "Acquire and cache OAuth2/OIDC access tokens",
	Long: `oidcauth obtains access tokens for an OAuth2/OIDC authority, caches them
securely and refreshes them silently, falling back to the system browser or a
broker app when the user must sign in.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", config.DefaultPath(), "path to the YAML config file")
	pf.String("authority", "", "authority URL, e.g. https://login.example.com/common")
	pf.String("client-id", "", "client id registered with the authority")
	pf.String("redirect-uri", "", "redirect URI for interactive sign-in")
	pf.Bool("validate-authority", true, "validate the authority through its RFC 8414 metadata")
	pf.String("cache-backend", "", "token cache backend: keyring, file or memory")
	pf.String("cache-dir", "", "directory for the file cache backend")
	pf.String("cache-group", "", "cache sharing group")
	pf.Bool("debug", false, "enable debug logging")
	pf.Bool("log-json", false, "log in JSON")

	for key, flag := range map[string]string{
		"authority":          "authority",
		"client_id":          "client-id",
		"redirect_uri":       "redirect-uri",
		"validate_authority": "validate-authority",
		"cache.backend":      "cache-backend",
		"cache.dir":          "cache-dir",
		"cache.group":        "cache-group",
		"debug":              "debug",
		"log_json":           "log-json",
	} {
		_ = vp.BindPFlag(key, pf.Lookup(flag))
	}

	rootCmd.AddCommand(acquireCmd, cacheCmd, brokerCmd, setLogLevelCmd)
	rootCmd.SetVersionTemplate(fmt.Sprintf("oidcauth v%s\n", appVersion))
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	loaded, err := config.LoadWith(vp, flagConfig)
	if err != nil {
		return err
	}
	cfg = loaded

	logger.Initialize(cfg.Debug, cfg.LogJSON)
	if cfg.LogLevel != "" && !cfg.Debug {
		if err := logger.SetLevel(cfg.LogLevel); err != nil {
			logger.Get().Warnw("Ignoring configured log level", "error", err)
		}
	}
	return nil
}

func Execute() error {
	rootCmd.Version = appVersion
	return rootCmd.Execute()
}
