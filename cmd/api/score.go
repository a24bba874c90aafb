package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var scoreCmd = &cobra.Command{
	Use:   "score [agent-id...]",
	Short: "Recompute reputation and print scores",
	Long:  `Recomputes every score from the stored reviews. Without arguments the top agents are listed.`,
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

		snap, err := a.reputation.Recompute(cmd.Context())
		if err != nil {
			return err
		}
		out := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(out, "converged=%t iterations=%d\n", snap.Converged, snap.Iterations)
		fmt.Fprintln(out, "AGENT\tSCORE\tREVIEWS\tTIER\tON-TIME")

		if len(args) == 0 {
			limit, _ := cmd.Flags().GetInt("top")
			top, err := a.reputation.TopAgents(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, s := range top {
				fmt.Fprintf(out, "%s\t%.4f\t%d\t%s\t%.2f\n", s.AgentID, s.Score, s.Reviews, s.Tier, s.OnTimeRate)
			}
			return out.Flush()
		}
		for _, id := range args {
			s, err := a.reputation.GetScore(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s\t%.4f\t%d\t%s\t%.2f\n", s.AgentID, s.Score, s.Reviews, s.Tier, s.OnTimeRate)
		}
		return out.Flush()
	},
}

func init() {
	rootCmd.AddCommand(scoreCmd)
	scoreCmd.Flags().Int("top", 10, "Number of agents to list when no ids are given")
}
