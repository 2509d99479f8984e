package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/sisiago/sisiago/pkg/audit"
	"github.com/sisiago/sisiago/pkg/config"
	"github.com/sisiago/sisiago/pkg/dashboard"
)

// topN bounds the table and user rankings in the text view
const topN = 10

var operationOrder = []audit.Operation{audit.OperationCreate, audit.OperationUpdate, audit.OperationDelete}

func newStatsCommand(cfg config.DashboardConfig, out io.Writer) *Command {
	cmd := &Command{
		Name:        "stats",
		Description: "Show audit statistics for a window",
		Flags:       flag.NewFlagSet("stats", flag.ContinueOnError),
		out:         out,
	}
	shared := registerShared(cmd.Flags, cfg)
	hourly := cmd.Flags.Bool("hourly", false, "Include the last 24 hourly buckets")
	daily := cmd.Flags.Bool("daily", false, "Include the last 30 daily buckets")
	risk := cmd.Flags.Bool("risk", false, "Include risk metrics")

	cmd.Run = func(ctx context.Context, args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		client, err := shared.client()
		if err != nil {
			return err
		}
		p, err := shared.params()
		if err != nil {
			return err
		}
		p.IncludeHourly, p.IncludeDaily, p.IncludeRisk = *hourly, *daily, *risk

		stats, err := client.Stats(ctx, p)
		if err != nil {
			return err
		}
		if shared.json {
			return writeJSON(out, stats)
		}
		renderStats(out, stats)
		return nil
	}
	return cmd
}

func newCompareCommand(cfg config.DashboardConfig, out io.Writer) *Command {
	cmd := &Command{
		Name:        "compare",
		Description: "Compare a window with the one before it",
		Flags:       flag.NewFlagSet("compare", flag.ContinueOnError),
		out:         out,
	}
	shared := registerShared(cmd.Flags, cfg)

	cmd.Run = func(ctx context.Context, args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		client, err := shared.client()
		if err != nil {
			return err
		}
		p, err := shared.params()
		if err != nil {
			return err
		}

		cmp, err := client.Compare(ctx, p)
		if err != nil {
			return err
		}
		if shared.json {
			return writeJSON(out, cmp)
		}
		renderComparison(out, cmp)
		return nil
	}
	return cmd
}

func renderStats(out io.Writer, s *dashboard.StatsView) {
	if s.TimeRange != nil {
		fmt.Fprintf(out, "Window: %s .. %s\n", s.TimeRange.Start.Format("2006-01-02 15:04"), s.TimeRange.End.Format("2006-01-02 15:04"))
	}
	fmt.Fprintf(out, "Total records: %d\n\n", s.TotalLogs)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OPERATION\tCOUNT")
	for _, op := range operationOrder {
		fmt.Fprintf(tw, "%s\t%d\n", op, s.OperationStats[op])
	}
	tw.Flush()

	if len(s.TableStats) > 0 {
		fmt.Fprintln(out)
		tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TABLE\tCOUNT")
		for i, t := range s.TableStats {
			if i == topN {
				break
			}
			fmt.Fprintf(tw, "%s\t%d\n", t.TableName, t.Count)
		}
		tw.Flush()
	}

	if len(s.ByUser) > 0 {
		fmt.Fprintln(out)
		tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "USER\tCOUNT")
		for i, u := range rankUsers(s.ByUser) {
			if i == topN {
				break
			}
			fmt.Fprintf(tw, "%s\t%d\n", u.name, u.count)
		}
		tw.Flush()
	}

	if len(s.HourlyStats) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Last 24 hours:")
		for _, h := range s.HourlyStats {
			fmt.Fprintf(out, "  %s  %d\n", h.Hour, h.Count)
		}
	}
	if len(s.DailyStats) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Last 30 days:")
		for _, d := range s.DailyStats {
			fmt.Fprintf(out, "  %s  %d\n", d.Date, d.Count)
		}
	}

	if r := s.RiskMetrics; r != nil {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Risk score: %d/100 (%s)\n", r.RiskScore, riskLevel(r.RiskScore))
		fmt.Fprintf(out, "  off-hours activity: %d\n", r.SuspiciousActivities)
		fmt.Fprintf(out, "  failed logins:      %d\n", r.FailedLogins)
		fmt.Fprintf(out, "  unusual actors:     %d\n", r.UnusualPatterns)
	}
}

func renderComparison(out io.Writer, c *audit.Comparison) {
	if c.Current == nil || c.Previous == nil {
		fmt.Fprintln(out, "No comparison available")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tCURRENT\tPREVIOUS\tCHANGE")
	fmt.Fprintf(tw, "TOTAL\t%d\t%d\t%s\n", c.Current.TotalLogs, c.Previous.TotalLogs, change(c.Current.TotalLogs, c.Previous.TotalLogs))
	for _, op := range operationOrder {
		cur, prev := c.Current.OperationStats[op], c.Previous.OperationStats[op]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", op, cur, prev, change(cur, prev))
	}
	tw.Flush()
}

// change formats the relative difference; "new" when previous is zero
func change(cur, prev int64) string {
	switch {
	case cur == prev:
		return "0%"
	case prev == 0:
		return "new"
	default:
		return fmt.Sprintf("%+.0f%%", float64(cur-prev)*100/float64(prev))
	}
}

func riskLevel(score int64) string {
	switch {
	case score >= 70:
		return "high"
	case score >= 30:
		return "medium"
	default:
		return "low"
	}
}

type userCount struct {
	name  string
	count int64
}

func rankUsers(byUser map[string]int64) []userCount {
	out := make([]userCount, 0, len(byUser))
	for name, n := range byUser {
		out = append(out, userCount{name: name, count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].name < out[j].name
	})
	return out
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
