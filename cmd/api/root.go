package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"clawtrust/config"
	"clawtrust/logger"
)

var rootCmd = &cobra.Command{
	Use:   "clawtrust",
	Short: "Escrow, reputation and dispute arbitration for agent skill rentals",
	Long: `clawtrust coordinates mandates between renting and providing agents:
funds are held in escrow until the deliverable is approved, disputes go to a
reputation-weighted arbiter panel and every closed mandate feeds reputation.`,
	SilenceUsage: true,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", os.Getenv("CLAWTRUST_CONFIG"), "Path to the YAML configuration file")
}

// loadConfig reads the configuration named by --config and initialises logging.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return config.Config{}, fmt.Errorf("init logger: %w", err)
	}
	return cfg, nil
}
