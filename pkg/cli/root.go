package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sisiago/sisiago/pkg/config"
)

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Run         func(ctx context.Context, args []string) error
	Subcommands map[string]*Command
	Flags       *flag.FlagSet

	out io.Writer
}

// NewRootCommand creates the root command. cfg supplies the defaults for
// the shared flags; output goes to out.
func NewRootCommand(cfg config.DashboardConfig, out io.Writer) *Command {
	root := &Command{
		Name:        "sisiago-dashboard",
		Description: "SISIAGO audit dashboard",
		Subcommands: make(map[string]*Command),
		Flags:       flag.NewFlagSet("sisiago-dashboard", flag.ContinueOnError),
		out:         out,
	}

	root.Subcommands["stats"] = newStatsCommand(cfg, out)
	root.Subcommands["compare"] = newCompareCommand(cfg, out)
	root.Subcommands["list"] = newListCommand(cfg, out)
	root.Subcommands["watch"] = newWatchCommand(cfg, out)

	return root
}

// Execute runs the subcommand named by args[0]
func (c *Command) Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return c.usage()
	}

	switch strings.ToLower(args[0]) {
	case "-h", "--help", "help":
		return c.usage()
	}

	if subcmd, ok := c.Subcommands[args[0]]; ok {
		return subcmd.Run(ctx, args[1:])
	}

	return fmt.Errorf("unknown command: %s", args[0])
}

func (c *Command) usage() error {
	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(c.out, "Usage: %s <command> [flags]\n\n", c.Name)
	fmt.Fprintf(c.out, "Commands:\n")
	for _, name := range names {
		fmt.Fprintf(c.out, "  %-15s %s\n", name, c.Subcommands[name].Description)
	}
	return nil
}
