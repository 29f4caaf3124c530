package dmarcdb

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mjl-/moxreport/dmarc"
	"github.com/mjl-/moxreport/dns"
	"github.com/mjl-/moxreport/kvdb"
	"github.com/mjl-/moxreport/mlog"
)

// Event is an evaluation to accumulate for an aggregate report.
type Event struct {
	Domain     dns.Domain    // Where the DMARC record was found.
	Record     *dmarc.Record // Published record, must have aggregate report addresses.
	Interval   time.Duration // Reporting interval, as configured for the domain.
	Evaluation Evaluation
}

// windowFor returns the window an event at tm belongs to, and the start of the
// window. Windows are aligned to whole intervals since the unix epoch in UTC.
func windowFor(domain dns.Domain, record *dmarc.Record, interval time.Duration, tm time.Time) (Window, time.Time) {
	begin := tm.UTC().Truncate(interval)
	w := Window{
		Domain:     domain.ASCII,
		PolicyHash: record.Hash(),
		Due:        begin.Add(interval),
	}
	return w, begin
}

// Accumulate adds the evaluation of ev to its window, creating the window
// header if this is the first evaluation. Errors are logged, the evaluation is
// then lost.
func (r *Reporter) Accumulate(ctx context.Context, log mlog.Log, ev Event) {
	if err := r.accumulate(ctx, ev); err != nil {
		metricEvaluations.WithLabelValues("error").Inc()
		log.Errorx("storing dmarc evaluation for aggregate report, dropping evaluation", err, slog.Any("domain", ev.Domain))
		return
	}
	metricEvaluations.WithLabelValues("stored").Inc()
}

func (r *Reporter) accumulate(ctx context.Context, ev Event) error {
	if ev.Interval <= 0 {
		return fmt.Errorf("invalid interval %v", ev.Interval)
	}
	w, begin := windowFor(ev.Domain, ev.Record, ev.Interval, r.timeNow())

	var b kvdb.Batch

	// Two concurrent first evaluations can both write the header. They write the
	// same policy, so that is harmless.
	hk := headerKey(w)
	if v, err := r.Store.Get(ctx, hk); err != nil {
		return fmt.Errorf("checking for window header: %w", err)
	} else if v == nil {
		h := windowHeader{
			Begin:    begin,
			Interval: ev.Interval,
			RUA:      ev.Record.AggregateReportAddresses,
			Policy:   policyPublished(ev.Domain, ev.Record),
		}
		buf, err := h.MarshalMsg(nil)
		if err != nil {
			return fmt.Errorf("encoding window header: %w", err)
		}
		b.Set(hk, buf)
	}

	e := ev.Evaluation
	e.Count = 1
	buf, err := e.MarshalMsg(nil)
	if err != nil {
		return fmt.Errorf("encoding evaluation: %w", err)
	}
	b.Set(recordKey(w, r.Seq.Next()), buf)

	if err := r.Store.Write(ctx, &b); err != nil {
		return fmt.Errorf("writing evaluation: %w", err)
	}
	return nil
}
