// hivectl is the command-line client for the hiveplane control plane. It
// is a thin adapter over the REST/WebSocket API; all logic lives server
// side.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0".
var Version = "dev"

var (
	serverURL      string
	idempotencyKey string
)

var rootCmd = &cobra.Command{
	Use:           "hivectl",
	Short:         "Command-line client for the hiveplane control plane",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server",
		envOr("HIVEPLANE_SERVER", "http://localhost:8080"),
		"control-plane base URL")
	rootCmd.PersistentFlags().StringVar(&idempotencyKey, "idempotency-key", "",
		"idempotency key for create/update requests")

	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(teamCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(clusterCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("hivectl %s\n", Version)
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		os.Exit(1)
	}
}
