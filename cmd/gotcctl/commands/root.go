package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverAddr is the daemon address (host:port) for the TCP connection.
	serverAddr string

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// requestTimeout bounds dialing and each request/reply exchange.
	requestTimeout time.Duration
)

// rootCmd is the top-level cobra command for gotcctl.
var rootCmd = &cobra.Command{
	Use:   "gotcctl",
	Short: "CLI client for the gotcd daemon",
	Long:  "gotcctl communicates with the gotcd daemon over its line-based JSON protocol to manage timecode sessions.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:8080",
		"gotcd daemon address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")
	rootCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", 5*time.Second,
		"timeout for dialing and each request/reply exchange")

	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
