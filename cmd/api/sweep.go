package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one maintenance pass and exit",
	Long: `Expires overdue mandates, closes disputes past their deadline, resumes
interrupted settlements and drains one outbox batch. Suited to cron.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		sweepErr := a.sweep(cmd.Context())
		relayed := 0
		if a.relay != nil {
			n, err := a.relay.RunOnce(cmd.Context())
			if err != nil {
				sweepErr = errors.Join(sweepErr, fmt.Errorf("relay outbox: %w", err))
			}
			relayed = n
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sweep complete, relayed %d events\n", relayed)
		return sweepErr
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
