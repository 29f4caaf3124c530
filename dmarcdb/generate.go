package dmarcdb

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mjl-/moxreport/config"
	"github.com/mjl-/moxreport/dmarc"
	"github.com/mjl-/moxreport/dmarcrpt"
	"github.com/mjl-/moxreport/exprconf"
	"github.com/mjl-/moxreport/mlog"
)

// Draft is a generated aggregate report for a window, not yet sent.
type Draft struct {
	Window   Window
	Feedback dmarcrpt.Feedback
	RUA      []dmarc.URI // From the window header.
	Begin    time.Time
	End      time.Time
}

func (r *Reporter) env(domain string) exprconf.Env {
	return exprconf.Env{Domain: domain, Hostname: r.Hostname.ASCII}
}

// Generate builds the aggregate report for window w. Identical evaluations
// are folded into a single record with a count. Records are added in the
// order they were accumulated, as long as the XML size of the report stays
// within maxSize. Once a new record does not fit, no further new records are
// added, but counts of records already in the report are still updated. A
// maxSize <= 0 means no limit.
//
// If the window has no header, nil is returned without error. Errors reading
// or decoding are returned, the window is left as is.
func (r *Reporter) Generate(ctx context.Context, log mlog.Log, w Window, maxSize int64) (*Draft, error) {
	hbuf, err := r.Store.Get(ctx, headerKey(w))
	if err != nil {
		return nil, fmt.Errorf("reading window header: %w", err)
	} else if hbuf == nil {
		return nil, nil
	}
	var h windowHeader
	if _, err := h.UnmarshalMsg(hbuf); err != nil {
		return nil, fmt.Errorf("decoding window header: %w", err)
	}

	conf := r.Reporting.DMARCAggregate
	env := r.env(w.Domain)
	orgName, ok := conf.OrgNameExpr.String(log, env)
	if !ok {
		orgName = r.Hostname.ASCII
	}
	email, ok := conf.AddressExpr.String(log, env)
	if !ok {
		email = config.DefaultReportAddress
	}
	contact, _ := conf.ContactInfoExpr.String(log, env)

	d := &Draft{
		Window: w,
		Feedback: dmarcrpt.Feedback{
			Version: "1.0",
			ReportMetadata: dmarcrpt.ReportMetadata{
				OrgName:          orgName,
				Email:            email,
				ExtraContactInfo: contact,
				ReportID:         fmt.Sprintf("%d_%d", w.PolicyHash, h.Begin.Unix()),
				DateRange: dmarcrpt.DateRange{
					Begin: h.Begin.Unix(),
					End:   w.Due.Unix(),
				},
			},
			PolicyPublished: h.Policy,
			Records:         []dmarcrpt.ReportRecord{},
		},
		RUA:   h.RUA,
		Begin: h.Begin,
		End:   w.Due,
	}

	size, err := d.Feedback.XMLSize()
	if err != nil {
		return nil, fmt.Errorf("size of report: %w", err)
	}
	open := maxSize <= 0 || size <= maxSize

	// Index into Records by group key.
	groups := map[uint64]int{}
	var nrecords, nskipped int

	from, to := recordRange(w)
	err = r.Store.Iterate(ctx, from, to, true, func(k, v []byte) (bool, error) {
		var e Evaluation
		if _, err := e.UnmarshalMsg(v); err != nil {
			return false, fmt.Errorf("decoding evaluation %x: %w", k, err)
		}
		nrecords++
		gk := e.groupKey()
		if i, ok := groups[gk]; ok {
			d.Feedback.Records[i].Row.Count += e.Count
			return true, nil
		}
		if !open {
			nskipped++
			return true, nil
		}
		rec := e.ReportRecord(e.Count)
		rsize, err := rec.XMLSize()
		if err != nil {
			return false, fmt.Errorf("size of report record: %w", err)
		}
		if maxSize > 0 && size+rsize > maxSize {
			open = false
			nskipped++
			return true, nil
		}
		size += rsize
		groups[gk] = len(d.Feedback.Records)
		d.Feedback.Records = append(d.Feedback.Records, rec)
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading window records: %w", err)
	}

	log.Debug("generated aggregate report",
		slog.Any("window", w),
		slog.Int("evaluations", nrecords),
		slog.Int("records", len(d.Feedback.Records)),
		slog.Int("skipped", nskipped),
		slog.Int64("size", size))
	return d, nil
}
