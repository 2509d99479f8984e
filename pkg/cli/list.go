package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/sisiago/sisiago/pkg/config"
	"github.com/sisiago/sisiago/pkg/dashboard"
)

func newListCommand(cfg config.DashboardConfig, out io.Writer) *Command {
	cmd := &Command{
		Name:        "list",
		Description: "List audit records, newest first",
		Flags:       flag.NewFlagSet("list", flag.ContinueOnError),
		out:         out,
	}
	shared := registerShared(cmd.Flags, cfg)
	limit := cmd.Flags.Int("limit", 25, "Records per page (max 100)")
	offset := cmd.Flags.Int("offset", 0, "Records to skip")

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
		// list filters by explicit dates only
		p.TimeRange = ""
		p.Limit, p.Offset = *limit, *offset

		res, err := client.List(ctx, p)
		if err != nil {
			return err
		}
		if shared.json {
			return writeJSON(out, res)
		}
		renderList(out, res)
		return nil
	}
	return cmd
}

func renderList(out io.Writer, res *dashboard.ListResult) {
	if len(res.Data) == 0 {
		fmt.Fprintln(out, "No audit records")
		return
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tOPERATION\tTABLE\tRECORD\tUSER")
	for _, r := range res.Data {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.CreatedAt.UTC().Format("2006-01-02 15:04:05"), r.Operation, r.TableName, r.RecordID, r.UserName)
	}
	tw.Flush()

	pg := res.Pagination
	last := pg.Offset + len(res.Data)
	fmt.Fprintf(out, "\n%d-%d of %d", pg.Offset+1, last, pg.Total)
	if pg.HasMore {
		fmt.Fprintf(out, " (next: --offset %d)", last)
	}
	fmt.Fprintln(out)
}
