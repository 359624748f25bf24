package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/app"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/domain"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/metrics"
)

func statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show token budget, queue depth, counters and pending jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			a, err := app.New(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			health, err := a.Service.Health(ctx)
			if err != nil {
				return err
			}
			stats, err := a.Service.Stats(ctx)
			if err != nil {
				return err
			}
			jobs, err := a.Service.Jobs(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			renderHealth(out, health, stats)
			fmt.Fprintln(out)
			renderJobs(out, jobs)
			return nil
		},
	}
}

func renderHealth(out io.Writer, health domain.HealthSnapshot, stats *metrics.Stats) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.SetTitle("Pipeline")
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRow(table.Row{"Tokens available", fmt.Sprintf("%.1f", health.TokensAvailable)})
	t.AppendRow(table.Row{"Queue depth", health.QueueDepth})
	t.AppendRow(table.Row{"Last processed", formatTime(health.LastProcessedAt)})

	names := make([]string, 0, len(stats.Totals))
	for name := range stats.Totals {
		names = append(names, name)
	}
	sort.Strings(names)
	t.AppendSeparator()
	for _, name := range names {
		t.AppendRow(table.Row{name, fmt.Sprintf("%d (today %d)", stats.Totals[name], stats.Today[name])})
	}
	t.Render()
}

func renderJobs(out io.Writer, jobs []*domain.CategoryJob) {
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No pending jobs.")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Category", "Status", "Rules", "Attempt", "Not Before", "Last Error"})
	for _, job := range jobs {
		t.AppendRow(table.Row{
			job.ID,
			job.Category,
			job.Status,
			formatRuleIDs(job.RuleIDs),
			job.Attempt,
			job.NotBefore.Format(time.RFC3339),
			job.LastError,
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "Total", len(jobs)})
	t.Render()
}

func formatRuleIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ",")
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format(time.RFC3339)
}
