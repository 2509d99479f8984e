package async

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sisiago/sisiago/pkg/observability"
)

// SafeGo executes fn in a goroutine with a timeout derived from parentCtx,
// recovering panics and logging errors. Use it instead of a bare go
// statement for fire-and-forget work.
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, logger *observability.Logger, fn func(context.Context) error) {
	go run(parentCtx, timeout, taskName, logger, fn)
}

func run(parentCtx context.Context, timeout time.Duration, taskName string, logger *observability.Logger, fn func(context.Context) error) {
	if logger == nil {
		logger = observability.Nop()
	}

	ctx, cancel := context.WithTimeout(parentCtx, timeout)
	defer cancel()
	defer observability.RecoverPanic(logger, taskName)

	if err := fn(ctx); err != nil {
		logger.WithError(err).WithField("task", taskName).Warn("background task failed")
	}
}

// Tracker launches SafeGo tasks and lets the owner wait for in-flight ones
// on shutdown.
type Tracker struct {
	wg     sync.WaitGroup
	logger *observability.Logger
}

// NewTracker creates a tracker logging through logger
func NewTracker(logger *observability.Logger) *Tracker {
	return &Tracker{logger: logger}
}

// Go runs fn like SafeGo and counts it as in flight until it returns
func (t *Tracker) Go(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		run(parentCtx, timeout, taskName, t.logger, fn)
	}()
}

// Wait blocks until every tracked task finished or ctx is done
func (t *Tracker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background tasks: %w", ctx.Err())
	}
}
