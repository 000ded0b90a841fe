// Package main implements the entry point for the approvals service.
// "serve" runs the HTTP API with the sweeper, the dead-letter consumer and
// restart recovery; "sweep" runs one expiration pass and exits.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is overridden at build time.
var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "approvalsd",
		Short:         "Content submission approval pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(serveCmd(), sweepCmd(), versionCmd())
	return cmd
}

func serveCmd() *cobra.Command {
	var noResume bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the expiration sweeper and the dead-letter consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), !noResume)
		},
	}
	cmd.Flags().BoolVar(&noResume, "no-resume", false, "Do not re-drive in-flight submissions on start")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire one batch of overdue approval requests and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := build(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.sweeper.RunOnce(ctx)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "approvalsd %s\n", Version)
		},
	}
}

