package cli

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sisiago/sisiago/pkg/audit"
	"github.com/sisiago/sisiago/pkg/config"
	"github.com/sisiago/sisiago/pkg/dashboard"
)

// TokenEnv names the variable holding the default session token
const TokenEnv = "SISIAGO_DASHBOARD_TOKEN"

// sharedFlags are the connection and filter flags every command takes
type sharedFlags struct {
	url       string
	token     string
	timeRange string
	table     string
	operation string
	user      string
	start     string
	end       string
	json      bool
}

func registerShared(fs *flag.FlagSet, cfg config.DashboardConfig) *sharedFlags {
	f := &sharedFlags{}
	fs.StringVar(&f.url, "url", cfg.BaseURL, "Audit API base URL")
	fs.StringVar(&f.token, "token", os.Getenv(TokenEnv), "Session token (default $"+TokenEnv+")")
	fs.StringVar(&f.timeRange, "time-range", cfg.TimeRange, "Window: 1h, 24h, 7d, 30d or custom")
	fs.StringVar(&f.table, "table", "", "Only records of this table")
	fs.StringVar(&f.operation, "operation", "", "Only CREATE, UPDATE or DELETE records")
	fs.StringVar(&f.user, "user", "", "Only records by this user id")
	fs.StringVar(&f.start, "start", "", "Window start (YYYY-MM-DD or RFC 3339)")
	fs.StringVar(&f.end, "end", "", "Window end (YYYY-MM-DD or RFC 3339)")
	fs.BoolVar(&f.json, "json", false, "Print the raw JSON payload")
	return f
}

func (f *sharedFlags) client() (*dashboard.Client, error) {
	if f.url == "" {
		return nil, fmt.Errorf("--url is required")
	}
	return dashboard.NewClient(f.url, f.token), nil
}

func (f *sharedFlags) params() (dashboard.Params, error) {
	p := dashboard.Params{
		TableName: f.table,
		UserID:    f.user,
		StartDate: f.start,
		EndDate:   f.end,
		TimeRange: f.timeRange,
	}
	if f.start != "" || f.end != "" {
		p.TimeRange = ""
	}
	if f.operation != "" {
		op, err := audit.ParseOperation(f.operation)
		if err != nil {
			return p, err
		}
		p.Operation = op
	}
	return p, nil
}

// parseInterval accepts a Go duration; zero keeps the poller default
func parseInterval(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", s, err)
	}
	if d != 0 && d < time.Second {
		return 0, fmt.Errorf("interval must be at least 1s")
	}
	return d, nil
}
