package mox

import (
	"context"
	"time"
)

// Shutdown is canceled when a graceful shutdown is initiated. The report
// scheduler stops starting new sweeps, and in-progress deliveries should
// finish.
var Shutdown context.Context
var ShutdownCancel func()

// Context should be used as parent by all operations. It is canceled when the
// process is stopped forcefully, after Shutdown was canceled and in-progress
// work did not finish in time. This should abort active operations.
var Context context.Context
var ContextCancel func()

func init() {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
	Context, ContextCancel = context.WithCancel(context.Background())
}

// Sleep waits for d, or until ctx is done, in which case ctxDone is true. Used
// for spacing deliveries of reports, a shutdown should not have to wait for
// the full duration.
func Sleep(ctx context.Context, d time.Duration) (ctxDone bool) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return false
	case <-ctx.Done():
		return true
	}
}
