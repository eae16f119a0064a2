package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/marketpulse/marketpulse/internal/api/models"
	"github.com/marketpulse/marketpulse/internal/cache"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and flush the response cache",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show per-tier cache statistics",
			RunE:  runCacheStats,
		},
		&cobra.Command{
			Use:   "flush",
			Short: "Remove every cached entry from all tiers",
			RunE:  runCacheFlush,
		},
	)

	return cmd
}

func runCacheStats(cmd *cobra.Command, _ []string) error {
	var stats models.CacheStats
	if err := clientFor(cmd).getJSON("/v1/cache/stats", &stats); err != nil {
		return fmt.Errorf("fetching cache stats: %w", err)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIER\tENABLED\tHITS\tMISSES\tHIT RATE\tWRITES\tERRORS\tEVICTIONS")
	for _, tier := range []struct {
		name  string
		stats cache.TierStats
	}{
		{"L1", stats.Tiers.L1},
		{"L2", stats.Tiers.L2},
		{"L3", stats.Tiers.L3},
	} {
		s := tier.stats
		_, _ = fmt.Fprintf(tw, "%s\t%t\t%d\t%d\t%.1f%%\t%d\t%d\t%d\n",
			tier.name, s.Enabled, s.Hits, s.Misses, s.HitRate*100, s.Writes, s.Errors, s.Evictions)
	}
	return tw.Flush()
}

func runCacheFlush(cmd *cobra.Command, _ []string) error {
	if err := clientFor(cmd).post("/v1/cache/flush", nil); err != nil {
		return fmt.Errorf("flushing cache: %w", err)
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "cache flushed")
	return nil
}
