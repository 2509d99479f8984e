package dashboard

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sisiago/sisiago/pkg/observability"
)

// DefaultPollInterval is how often the poller refreshes statistics
const DefaultPollInterval = 60 * time.Second

// Snapshot is one successful statistics fetch
type Snapshot struct {
	Stats     *StatsView
	FetchedAt time.Time
}

// StatsSource fetches statistics
type StatsSource interface {
	Stats(ctx context.Context, p Params) (*StatsView, error)
}

// Poller keeps the latest statistics snapshot. Failed fetches keep the
// previous snapshot and record the error; cancelled fetches record nothing.
type Poller struct {
	source   StatsSource
	params   Params
	interval time.Duration
	logger   *observability.Logger
	onUpdate func(*Snapshot)

	mu       sync.RWMutex
	snapshot *Snapshot
	lastErr  error
}

// PollerOption configures a Poller
type PollerOption func(*Poller)

// WithInterval sets the poll interval; non-positive values keep the default
func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithPollerLogger sets the logger
func WithPollerLogger(l *observability.Logger) PollerOption {
	return func(p *Poller) { p.logger = l }
}

// OnUpdate registers a callback run after each successful fetch
func OnUpdate(fn func(*Snapshot)) PollerOption {
	return func(p *Poller) { p.onUpdate = fn }
}

// NewPoller creates a poller for params
func NewPoller(source StatsSource, params Params, opts ...PollerOption) *Poller {
	p := &Poller{
		source:   source,
		params:   params,
		interval: DefaultPollInterval,
		logger:   observability.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Interval returns the poll interval
func (p *Poller) Interval() time.Duration {
	return p.interval
}

// Run refreshes immediately and then on every tick until ctx is done
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	_ = p.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.Refresh(ctx)
		}
	}
}

// Refresh fetches statistics now
func (p *Poller) Refresh(ctx context.Context) error {
	stats, err := p.source.Stats(ctx, p.params)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			p.logger.Debug("stats refresh cancelled")
			return nil
		}
		p.logger.WithError(err).Warn("stats refresh failed")
		p.mu.Lock()
		p.lastErr = err
		p.mu.Unlock()
		return err
	}

	snap := &Snapshot{Stats: stats, FetchedAt: time.Now().UTC()}
	p.mu.Lock()
	p.snapshot = snap
	p.lastErr = nil
	p.mu.Unlock()

	if p.onUpdate != nil {
		p.onUpdate(snap)
	}
	return nil
}

// Snapshot returns the latest successful fetch, or nil
func (p *Poller) Snapshot() *Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}

// LastError returns the error of the latest fetch, or nil if it succeeded
func (p *Poller) LastError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}
