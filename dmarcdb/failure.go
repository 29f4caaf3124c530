package dmarcdb

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/mjl-/moxreport/config"
	"github.com/mjl-/moxreport/dmarc"
	"github.com/mjl-/moxreport/dmarcrpt"
	"github.com/mjl-/moxreport/dns"
	"github.com/mjl-/moxreport/exprconf"
	"github.com/mjl-/moxreport/message"
	"github.com/mjl-/moxreport/mlog"
	"github.com/mjl-/moxreport/mox-"
	"github.com/mjl-/moxreport/smtp"
)

// FailureInput holds the details of a message that failed DMARC, for a
// failure report.
type FailureInput struct {
	Domain      dns.Domain    // Where the DMARC record was found.
	Record      *dmarc.Record // Published record.
	FromDomain  dns.Domain    // Domain of message From header.
	RemoteIP    net.IP
	ArrivalDate time.Time
	MailFrom    string   // SMTP MAIL FROM, without <>.
	RcptTo      []string // SMTP RCPT TO addresses, the first is reported.
	AuthResults string   // Authentication-Results header value for the message.
	DKIMFailed  bool     // No aligned DKIM pass.
	SPFFailed   bool     // No aligned SPF pass.
	DKIM        *dmarcrpt.FailureDKIM
	SPFDNS      string
	Headers     []byte // Header section of the message.
}

// SendFailureReport sends a failure report about a message to the "ruf"
// addresses of the DMARC record, if the record asks for one under the failure
// conditions of the message, and if the configured rate for each recipient
// allows. Problems are logged, not returned.
func (r *Reporter) SendFailureReport(ctx context.Context, log mlog.Log, in FailureInput) {
	log = log.With(slog.Any("policydomain", in.Domain))

	conf := r.Reporting.DMARCFailure
	env := exprconf.Env{
		Domain:     in.Domain.ASCII,
		Hostname:   r.Hostname.ASCII,
		RemoteIP:   in.RemoteIP.String(),
		FromDomain: in.FromDomain.ASCII,
	}
	rate, ok := conf.SendExpr.Rate(log, env)
	if !ok {
		log.Debug("failure reports not enabled for domain")
		return
	}
	ro, ok := in.Record.FailureReportRequested(in.DKIMFailed, in.SPFFailed)
	if !ok {
		log.Debug("no failure report requested for failed mechanisms", slog.Any("reporton", ro))
		return
	}

	rcpts, ok := r.Authorizer.Verify(ctx, log, in.Domain, in.Record.FailureReportAddresses, true)
	if !ok {
		log.Info("could not verify failure report addresses, not sending report")
		metricUnauthorized.WithLabelValues("failure", "dns").Inc()
		return
	} else if len(rcpts) == 0 {
		log.Info("no authorized failure report addresses, not sending report")
		metricUnauthorized.WithLabelValues("failure", "none").Inc()
		return
	}

	var candidates []Recipient
	for _, rcpt := range rcpts {
		if sup, err := r.suppressed(ctx, rcpt.Address); err != nil {
			log.Errorx("checking suppression list", err)
			metricFailureReport.WithLabelValues("error").Inc()
			return
		} else if sup {
			log.Info("suppressing outgoing dmarc failure report", slog.String("reportingaddress", rcpt.Address.String()))
			continue
		}
		candidates = append(candidates, rcpt)
	}
	if len(candidates) == 0 {
		return
	}

	fr := dmarcrpt.FailureReport{
		ReportedDomain:        in.FromDomain.ASCII,
		SourceIP:              in.RemoteIP.String(),
		ArrivalDate:           in.ArrivalDate,
		OriginalMailFrom:      in.MailFrom,
		AuthenticationResults: in.AuthResults,
		Headers:               in.Headers,
	}
	if len(in.RcptTo) > 0 {
		fr.OriginalRcptTo = in.RcptTo[0]
	}
	// Only mechanisms that failed and that the policy asks reports for are
	// reported, also in the identity alignment.
	dkimRep := in.DKIMFailed && ro.IncludeDKIM()
	spfRep := in.SPFFailed && ro.IncludeSPF()
	if dkimRep {
		fr.DKIM = in.DKIM
	}
	if spfRep {
		fr.SPFDNS = in.SPFDNS
	}
	switch {
	case dkimRep && spfRep:
		fr.Alignment = dmarcrpt.AlignmentDKIMSPF
	case dkimRep:
		fr.Alignment = dmarcrpt.AlignmentDKIM
	default:
		fr.Alignment = dmarcrpt.AlignmentSPF
	}

	from := reportFrom(log, env, conf.AddressExpr, conf.NameExpr, config.DefaultReportName)
	subject, ok := conf.SubjectExpr.String(log, env)
	if !ok {
		subject = config.DefaultFailureSubject
	}
	msgID := mox.MessageIDGen(false)
	compose := func(l []Recipient) ([]byte, string, bool) {
		addrs := make([]message.NameAddress, len(l))
		for i, rcpt := range l {
			addrs[i] = message.NameAddress{Address: rcpt.Address}
		}
		msg, messageID, err := dmarcrpt.ComposeFailureReport(from, addrs, subject, msgID, r.UserAgent, r.timeNow(), fr, config.DefaultMaxReportSize)
		if err != nil {
			log.Errorx("composing failure report", err)
			metricFailureReport.WithLabelValues("error").Inc()
			return nil, "", false
		}
		return msg, messageID, true
	}
	msg, messageID, ok := compose(candidates)
	if !ok {
		return
	}

	// Rates are only charged for recipients the report is sent to.
	var final []Recipient
	var limited bool
	for _, rcpt := range candidates {
		if rcpt.MaxSize > 0 && int64(len(msg)) > rcpt.MaxSize {
			log.Debug("failure report too large for recipient", slog.String("recipient", rcpt.Address.String()))
			continue
		}
		if !r.Throttle.Allow("dmarc:"+rcpt.Address.String(), rate) {
			log.Debug("failure report rate limited for recipient", slog.String("recipient", rcpt.Address.String()))
			limited = true
			continue
		}
		final = append(final, rcpt)
	}
	if len(final) == 0 {
		if limited {
			log.Info("failure report rate limited", slog.Any("rate", rate))
			metricFailureReport.WithLabelValues("ratelimited").Inc()
		}
		return
	}
	if len(final) != len(candidates) {
		// The To header only lists the recipients the report is sent to.
		if msg, messageID, ok = compose(final); !ok {
			return
		}
	}
	to := make([]smtp.Address, len(final))
	for i, rcpt := range final {
		to[i] = rcpt.Address
	}

	r.Transmitter.Send(ctx, log, from.Address, to, msg, conf.Sign, false, mox.Cid())
	log.Info("dmarc failure report queued", slog.String("messageid", messageID), slog.Any("recipients", to))
	metricFailureReport.WithLabelValues("queued").Inc()
}
