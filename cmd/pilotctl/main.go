// Command pilotctl starts browserpilot sessions and follows them from the
// terminal.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shehryarbajwa/browserpilot/internal/logging"
	"github.com/shehryarbajwa/browserpilot/pkg/client"
)

var (
	serverURL string
	clientID  string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:           "pilotctl",
	Short:         "Drive and observe browserpilot sessions",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		logging.SetupWithConfig(logLevel, "text", os.Stderr)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("BROWSERPILOT_URL", "http://localhost:8080"), "Server base URL")
	rootCmd.PersistentFlags().StringVar(&clientID, "client-id", envOr("BROWSERPILOT_CLIENT_ID", ""), "Client id sent to the server")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(runCmd, watchCmd, listCmd)
	rootCmd.AddCommand(commandCmds()...)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newClient() *client.Client {
	return client.New(serverURL, client.Options{ClientID: clientID})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
