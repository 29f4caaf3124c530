package dmarcdb

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mjl-/moxreport/config"
	"github.com/mjl-/moxreport/metrics"
	"github.com/mjl-/moxreport/mlog"
	"github.com/mjl-/moxreport/mox-"
)

// Windows with a due time this far in the past are removed without attempting
// delivery. Delivery of such windows has failed at least a few times.
const staleAge = 2 * 7 * 24 * time.Hour

// sleepBetween waits between delivering windows in a sweep. Returns whether
// ctx is done. Replaced by tests.
var sleepBetween = mox.Sleep

// cronLogger passes log lines from the cron scheduler to an mlog.Log.
type cronLogger struct {
	log mlog.Log
}

var _ cron.Logger = cronLogger{}

func cronAttrs(keysAndValues []any) []slog.Attr {
	var l []slog.Attr
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		l = append(l, slog.Any(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1]))
	}
	return l
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, cronAttrs(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Errorx("cron: "+msg, err, cronAttrs(keysAndValues)...)
}

// Start starts a scheduler that periodically delivers windows that are due.
// Sweeps are canceled when ctx is done. Stop must be called to stop the
// scheduler.
func (r *Reporter) Start(ctx context.Context, log mlog.Log) error {
	r.cronMutex.Lock()
	defer r.cronMutex.Unlock()
	if r.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	interval := r.Reporting.DMARCAggregate.SweepInterval
	if interval <= 0 {
		interval = config.DefaultSweepInterval
	}

	cl := cronLogger{log}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	_, err := c.AddFunc("@every "+interval.String(), func() {
		r.Sweep(ctx, log.WithCid(mox.Cid()), interval)
	})
	if err != nil {
		return fmt.Errorf("scheduling sweep: %w", err)
	}
	c.Start()
	r.cron = c
	log.Debug("started dmarc report scheduler", slog.Duration("interval", interval))
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish. Stop
// without Start is a no-op.
func (r *Reporter) Stop() {
	r.cronMutex.Lock()
	c := r.cron
	r.cron = nil
	r.cronMutex.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// WindowInfo describes a stored window, for listing.
type WindowInfo struct {
	Window
	Begin       time.Time
	Evaluations int
}

// Windows returns all stored windows, with the number of evaluations in each.
func (r *Reporter) Windows(ctx context.Context) ([]WindowInfo, error) {
	var l []WindowInfo
	from, to := headerRange()
	err := r.Store.Iterate(ctx, from, to, true, func(k, v []byte) (bool, error) {
		w, err := parseHeaderKey(k)
		if err != nil {
			return false, fmt.Errorf("parsing window key %x: %w", k, err)
		}
		var h windowHeader
		if _, err := h.UnmarshalMsg(v); err != nil {
			return false, fmt.Errorf("decoding header for window %s: %w", w, err)
		}
		l = append(l, WindowInfo{Window: w, Begin: h.Begin})
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	for i := range l {
		rfrom, rto := recordRange(l[i].Window)
		err := r.Store.Iterate(ctx, rfrom, rto, true, func(k, v []byte) (bool, error) {
			l[i].Evaluations++
			return true, nil
		})
		if err != nil {
			return nil, fmt.Errorf("counting evaluations for window %s: %w", l[i].Window, err)
		}
	}
	return l, nil
}

// dueWindows returns windows with a due time at or before now.
func (r *Reporter) dueWindows(ctx context.Context, log mlog.Log, now time.Time) ([]Window, error) {
	var l []Window
	from, to := headerRange()
	err := r.Store.Iterate(ctx, from, to, true, func(k, v []byte) (bool, error) {
		w, err := parseHeaderKey(k)
		if err != nil {
			log.Errorx("parsing window key, skipping", err, slog.String("key", fmt.Sprintf("%x", k)))
			return true, nil
		}
		if !w.Due.After(now) {
			l = append(l, w)
		}
		return true, nil
	})
	return l, err
}

// Sweep delivers all windows that are due, each in its own goroutine. Windows
// due longer than two weeks ago are removed instead. Deliveries are spread
// over half the sweep interval, with at most one minute between deliveries.
func (r *Reporter) Sweep(ctx context.Context, log mlog.Log, interval time.Duration) {
	now := r.timeNow()
	windows, err := r.dueWindows(ctx, log, now)
	if err != nil {
		log.Errorx("listing due windows", err)
		metricReportError.Inc()
		return
	}

	var deliver []Window
	for _, w := range windows {
		if now.Sub(w.Due) > staleAge {
			log.Info("removing stale window", slog.Any("window", w))
			r.removeWindow(ctx, log, w)
			continue
		}
		deliver = append(deliver, w)
	}
	if len(deliver) == 0 {
		return
	}

	between := interval / 2 / time.Duration(len(deliver))
	if between > time.Minute {
		between = time.Minute
	}

	var wg sync.WaitGroup
	for i, w := range deliver {
		if i > 0 {
			if done := sleepBetween(ctx, between); done {
				break
			}
		}

		// Deliver in goroutine, so a slow destination doesn't block progress.
		wg.Add(1)
		go func(w Window) {
			defer func() {
				// In case of panic don't take the whole program down.
				x := recover()
				if x != nil {
					log.Error("unhandled panic in dmarcdb sweep", slog.Any("panic", x))
					debug.PrintStack()
					metrics.PanicInc("dmarcdb")
				}
			}()
			defer wg.Done()

			r.DeliverWindow(ctx, log.WithCid(mox.Cid()), w)
		}(w)
	}
	wg.Wait()
}
