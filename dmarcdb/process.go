package dmarcdb

import (
	"context"
	"net"
	"time"

	"github.com/mjl-/moxreport/dmarc"
	"github.com/mjl-/moxreport/dmarcrpt"
	"github.com/mjl-/moxreport/dns"
	"github.com/mjl-/moxreport/message"
	"github.com/mjl-/moxreport/mlog"
)

// Verdict is the outcome of the DMARC evaluation of an incoming message, as
// handed over by the SMTP server.
type Verdict struct {
	Domain          dns.Domain    // Where the DMARC record was found.
	Record          *dmarc.Record // Nil if there was no record.
	RemoteIP        net.IP
	EHLODomain      dns.Domain
	MailFrom        string     // SMTP MAIL FROM, without <>. Empty for the null sender.
	MailFromDomain  dns.Domain // Zero for the null sender.
	RcptTo          []string
	RcptDomain      dns.Domain // Domain of the recipient, for envelope_to.
	HeaderFrom      dns.Domain
	Disposition     dmarcrpt.Disposition
	AlignedDKIMPass bool
	AlignedSPFPass  bool
	ARCPass         bool

	DKIMResults       []dmarcrpt.DKIMAuthResult
	SPFHeloResult     dmarcrpt.SPFResult // Empty if SPF was not checked for the EHLO domain.
	SPFMailFromResult dmarcrpt.SPFResult

	// For failure reports.
	ArrivalDate time.Time
	AuthResults string // Value of Authentication-Results header. If empty, one is composed from the results above.
	FailedDKIM  *dmarcrpt.FailureDKIM
	SPFDNS      string
	Headers     []byte
}

// Process handles the DMARC outcome of an incoming message: it sends a failure
// report if one is requested, and accumulates the evaluation for an aggregate
// report if the domain asked for those and aggregate reports are enabled for
// the domain.
func (r *Reporter) Process(ctx context.Context, log mlog.Log, v Verdict) {
	if v.Record == nil {
		return
	}

	if !v.AlignedDKIMPass || !v.AlignedSPFPass {
		authResults := v.AuthResults
		if authResults == "" {
			authResults = r.authResults(v)
		}
		r.SendFailureReport(ctx, log, FailureInput{
			Domain:      v.Domain,
			Record:      v.Record,
			FromDomain:  v.HeaderFrom,
			RemoteIP:    v.RemoteIP,
			ArrivalDate: v.ArrivalDate,
			MailFrom:    v.MailFrom,
			RcptTo:      v.RcptTo,
			AuthResults: authResults,
			DKIMFailed:  !v.AlignedDKIMPass,
			SPFFailed:   !v.AlignedSPFPass,
			DKIM:        v.FailedDKIM,
			SPFDNS:      v.SPFDNS,
			Headers:     v.Headers,
		})
	}

	if len(v.Record.AggregateReportAddresses) == 0 {
		return
	}
	interval, ok := r.Reporting.DMARCAggregate.SendExpr.Frequency(log, r.env(v.Domain.ASCII))
	if !ok || interval == 0 {
		return
	}

	envFrom := v.MailFromDomain
	if envFrom.IsZero() {
		envFrom = v.EHLODomain
	}
	e := Evaluation{
		SourceIP:        v.RemoteIP.String(),
		Disposition:     v.Disposition,
		AlignedDKIMPass: v.AlignedDKIMPass,
		AlignedSPFPass:  v.AlignedSPFPass,
		EnvelopeTo:      v.RcptDomain.ASCII,
		EnvelopeFrom:    envFrom.ASCII,
		HeaderFrom:      v.HeaderFrom.ASCII,
		DKIMResults:     v.DKIMResults,
	}
	if v.ARCPass {
		e.OverrideReasons = append(e.OverrideReasons, dmarcrpt.PolicyOverrideReason{Type: dmarcrpt.PolicyOverrideLocalPolicy, Comment: "arc=pass"})
	}
	if v.SPFHeloResult != "" && !v.EHLODomain.IsZero() {
		e.SPFResults = append(e.SPFResults, dmarcrpt.SPFAuthResult{Domain: v.EHLODomain.ASCII, Scope: dmarcrpt.SPFDomainScopeHelo, Result: v.SPFHeloResult})
	}
	if v.SPFMailFromResult != "" && !v.MailFromDomain.IsZero() {
		e.SPFResults = append(e.SPFResults, dmarcrpt.SPFAuthResult{Domain: v.MailFromDomain.ASCII, Scope: dmarcrpt.SPFDomainScopeMailFrom, Result: v.SPFMailFromResult})
	}

	r.Accumulate(ctx, log, Event{
		Domain:     v.Domain,
		Record:     v.Record,
		Interval:   interval,
		Evaluation: e,
	})
}

// authResults returns the value for an Authentication-Results header with the
// DKIM, SPF and DMARC results of v, as seen by this host.
func (r *Reporter) authResults(v Verdict) string {
	ar := message.AuthResults{Hostname: r.Hostname.XName(false)}
	for _, dr := range v.DKIMResults {
		m := message.AuthMethod{Method: "dkim", Result: string(dr.Result)}
		m.Props = append(m.Props, message.MakeAuthProp("header", "d", dr.Domain, true))
		if dr.Selector != "" {
			m.Props = append(m.Props, message.MakeAuthProp("header", "s", dr.Selector, true))
		}
		ar.Methods = append(ar.Methods, m)
	}
	if v.SPFMailFromResult != "" && v.MailFrom != "" {
		ar.Methods = append(ar.Methods, message.AuthMethod{
			Method: "spf",
			Result: string(v.SPFMailFromResult),
			Props:  []message.AuthProp{message.MakeAuthProp("smtp", "mailfrom", v.MailFrom, true)},
		})
	} else if v.SPFHeloResult != "" && !v.EHLODomain.IsZero() {
		ar.Methods = append(ar.Methods, message.AuthMethod{
			Method: "spf",
			Result: string(v.SPFHeloResult),
			Props:  []message.AuthProp{message.MakeAuthProp("smtp", "helo", v.EHLODomain.ASCII, true)},
		})
	}
	ar.Methods = append(ar.Methods, message.AuthMethod{
		Method: "dmarc",
		Result: "fail",
		Props:  []message.AuthProp{message.MakeAuthProp("header", "from", v.HeaderFrom.ASCII, true)},
	})
	return ar.Value()
}
