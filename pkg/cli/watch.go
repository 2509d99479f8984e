package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sisiago/sisiago/pkg/config"
	"github.com/sisiago/sisiago/pkg/dashboard"
	"github.com/sisiago/sisiago/pkg/observability"
)

func newWatchCommand(cfg config.DashboardConfig, out io.Writer) *Command {
	cmd := &Command{
		Name:        "watch",
		Description: "Refresh statistics on an interval until interrupted",
		Flags:       flag.NewFlagSet("watch", flag.ContinueOnError),
		out:         out,
	}
	shared := registerShared(cmd.Flags, cfg)
	interval := cmd.Flags.String("interval", cfg.PollInterval.String(), "Refresh interval")
	risk := cmd.Flags.Bool("risk", true, "Include risk metrics")

	cmd.Run = func(ctx context.Context, args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		every, err := parseInterval(*interval)
		if err != nil {
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
		p.IncludeRisk = *risk

		poller := dashboard.NewPoller(client, p,
			dashboard.WithInterval(every),
			dashboard.WithPollerLogger(observability.NewLogger(observability.WarnLevel, os.Stderr)),
			dashboard.OnUpdate(func(snap *dashboard.Snapshot) {
				fmt.Fprintf(out, "\n== %s (every %s) ==\n", snap.FetchedAt.Format("15:04:05"), every)
				if shared.json {
					_ = writeJSON(out, snap.Stats)
					return
				}
				renderStats(out, snap.Stats)
			}),
		)
		if every == 0 {
			every = poller.Interval()
		}

		poller.Run(ctx)
		return nil
	}
	return cmd
}
