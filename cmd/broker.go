package cmd

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/thellimist/oidcauth/internal/request"
)

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Complete sign-ins handled by a broker app",
	Long: `Broker sign-ins hand the authorization to a separate app, which answers by
opening a URL on this program's registered scheme. When the requesting process
is no longer running, the answer is saved and "broker resume" completes it.`,
}

var brokerRespondCmd = &cobra.Command{
	Use:   "respond <url>",
	Short: "Deliver a broker response URL",
	Long: `Deliver the URL the broker app opened, e.g.
  oidcauth-broker://response?correlation_id=...&access_token=...

Register this command as the handler of the broker_scheme URL scheme.`,
	Args: cobra.ExactArgs(1),
	RunE: runBrokerRespond,
}

var brokerResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Cache the token from an interrupted broker sign-in",
	Args:  cobra.NoArgs,
	RunE:  runBrokerResume,
}

func init() {
	brokerCmd.AddCommand(brokerRespondCmd, brokerResumeCmd)
}

func runBrokerRespond(cmd *cobra.Command, args []string) error {
	u, err := url.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid broker response URL: %w", err)
	}
	values := u.Query()
	// Some brokers return the response in the fragment.
	if len(values) == 0 && u.Fragment != "" {
		if values, err = url.ParseQuery(u.Fragment); err != nil {
			return fmt.Errorf("invalid broker response URL: %w", err)
		}
	}

	e, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.coordinator.HandleBrokerResponse(values); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Broker response saved. Run 'oidcauth broker resume' to complete the sign-in.")
	return nil
}

func runBrokerResume(cmd *cobra.Command, _ []string) error {
	e, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	res, err := e.auth.ResponseFromInterruptedBrokerSession(cmd.Context())
	if err != nil {
		return err
	}
	if res == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "No interrupted broker sign-in is waiting.")
		return nil
	}
	if res.Status != request.StatusSucceeded {
		return resultError(*res)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cached token for %s (correlation id %s)\n", res.Record.Resource, res.CorrelationID)
	return nil
}
