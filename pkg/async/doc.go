// Package async runs detached background work with panic recovery and a
// per-task timeout.
//
//	tracker := async.NewTracker(logger)
//	tracker.Go(ctx, 5*time.Second, "audit write", func(ctx context.Context) error {
//		return store.Insert(ctx, record)
//	})
//	defer tracker.Wait(shutdownCtx)
package async
