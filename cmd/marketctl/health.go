package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/marketpulse/marketpulse/internal/api/models"
)

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show provider health ranking",
		RunE:  runHealth,
	}
}

func runHealth(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()

	var summary models.HealthSummary
	if err := clientFor(cmd).getJSON("/v1/health/summary", &summary); err != nil {
		return fmt.Errorf("fetching health summary: %w", err)
	}

	_, _ = fmt.Fprintf(out, "%d providers: %d healthy, %d degraded, %d unhealthy, %d unknown (average %.1f)\n",
		summary.Total, summary.Healthy, summary.Degraded, summary.Unhealthy, summary.Unknown, summary.AverageScore)
	if summary.BestProvider != "" {
		_, _ = fmt.Fprintf(out, "best: %s\n", summary.BestProvider)
	}
	if len(summary.Ranking) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PROVIDER\tSTATUS\tSCORE\tLATENCY\tRELIABILITY\tFRESHNESS\tERROR RATE")
	for _, s := range summary.Ranking {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%.1f\t%.1f\t%.1f\t%.1f\t%.1f\n",
			s.Provider, s.Status, s.Overall, s.Latency, s.Reliability, s.Freshness, s.ErrorRate)
	}
	return tw.Flush()
}
