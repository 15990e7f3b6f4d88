package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var statsWindow string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show verification outcome totals (admin)",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().StringVarP(&statsWindow, "window", "w", "", "look-back window, e.g. 1h (relay default 24h)")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s, err := newClient().Stats(ctx, statsWindow)
	if err != nil {
		return fmt.Errorf("stats failed: %w", err)
	}

	cmd.Printf("Window %s: %d verifications, pass rate %.1f%%\n", s.Window, s.Stats.Total, s.Stats.PassRate*100)
	if s.Stats.AvgScore != nil {
		cmd.Printf("  avg score:   %.2f\n", *s.Stats.AvgScore)
	}
	cmd.Printf("  avg latency: %.0fms\n", s.Stats.AvgLatencyMs)

	outcomes := make([]string, 0, len(s.Stats.ByOutcome))
	for o := range s.Stats.ByOutcome {
		outcomes = append(outcomes, o)
	}
	sort.Strings(outcomes)
	for _, o := range outcomes {
		cmd.Printf("  %-15s %d\n", o, s.Stats.ByOutcome[o])
	}
	return nil
}
