package dmarcdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/mjl-/moxreport/config"
	"github.com/mjl-/moxreport/dns"
	"github.com/mjl-/moxreport/exprconf"
	"github.com/mjl-/moxreport/kvdb"
	"github.com/mjl-/moxreport/message"
	"github.com/mjl-/moxreport/mlog"
	"github.com/mjl-/moxreport/mox-"
	"github.com/mjl-/moxreport/moxio"
	"github.com/mjl-/moxreport/smtp"
)

// RemoveWindow removes the records and then the header of window w. Removing
// a window that does not exist is not an error.
func (r *Reporter) RemoveWindow(ctx context.Context, w Window) error {
	var err error
	from, to := recordRange(w)
	if xerr := r.Store.DeleteRange(ctx, from, to); xerr != nil {
		err = multierr.Append(err, fmt.Errorf("removing window records: %w", xerr))
	}
	var b kvdb.Batch
	b.Clear(headerKey(w))
	if xerr := r.Store.Write(ctx, &b); xerr != nil {
		err = multierr.Append(err, fmt.Errorf("removing window header: %w", xerr))
	}
	return err
}

func (r *Reporter) removeWindow(ctx context.Context, log mlog.Log, w Window) {
	err := r.RemoveWindow(ctx, w)
	log.Check(err, "removing window after processing for aggregate report", slog.Any("window", w))
}

// reportFrom returns the from address for reports, from the configured
// expressions or defaults.
func reportFrom(log mlog.Log, env exprconf.Env, addrExpr, nameExpr *exprconf.Expr, defaultName string) message.NameAddress {
	s, ok := addrExpr.String(log, env)
	if !ok {
		s = config.DefaultReportAddress
	}
	addr, err := smtp.ParseAddress(s)
	if err != nil {
		log.Errorx("parsing report from address, using default", err, slog.String("address", s))
		addr, _ = smtp.ParseAddress(config.DefaultReportAddress)
	}
	name, ok := nameExpr.String(log, env)
	if !ok {
		name = defaultName
	}
	return message.NameAddress{DisplayName: name, Address: addr}
}

// DeliverWindow generates the aggregate report for w, sends it to the
// verified report addresses and removes the window. If the report cannot be
// generated, the window is kept for a later attempt. In all other cases, the
// window is removed, also when no report could be sent.
func (r *Reporter) DeliverWindow(ctx context.Context, log mlog.Log, w Window) {
	log = log.With(slog.Any("window", w))

	conf := r.Reporting.DMARCAggregate
	env := r.env(w.Domain)
	maxSize, ok := conf.MaxSizeExpr.Int64(log, env)
	if !ok {
		maxSize = config.DefaultMaxReportSize
	}

	d, err := r.Generate(ctx, log, w, maxSize)
	if err != nil {
		log.Errorx("generating aggregate report, keeping window", err)
		metricReportError.Inc()
		return
	} else if d == nil {
		log.Debug("window already removed")
		return
	}
	defer r.removeWindow(ctx, log, w)

	dom, err := dns.ParseDomain(w.Domain)
	if err != nil {
		log.Errorx("parsing window domain", err)
		metricReportError.Inc()
		return
	}

	rcpts, ok := r.Authorizer.Verify(ctx, log, dom, d.RUA, false)
	if !ok {
		log.Info("could not verify aggregate report addresses, dropping report")
		metricUnauthorized.WithLabelValues("aggregate", "dns").Inc()
		return
	} else if len(rcpts) == 0 {
		log.Info("no authorized aggregate report addresses, dropping report")
		metricUnauthorized.WithLabelValues("aggregate", "none").Inc()
		return
	}

	if err := r.sendAggregate(ctx, log, dom, d, rcpts); err != nil {
		log.Errorx("sending aggregate report", err)
		metricReportError.Inc()
	}
}

func (r *Reporter) submitter(log mlog.Log, domain string) string {
	s, ok := r.Reporting.SubmitterExpr.String(log, r.env(domain))
	if !ok {
		return r.Hostname.ASCII
	}
	return s
}

func (r *Reporter) sendAggregate(ctx context.Context, log mlog.Log, dom dns.Domain, d *Draft, rcpts []Recipient) error {
	conf := r.Reporting.DMARCAggregate
	env := r.env(dom.ASCII)
	from := reportFrom(log, env, conf.AddressExpr, conf.NameExpr, config.DefaultReportName)
	submitter := r.submitter(log, dom.ASCII)
	reportID := d.Feedback.ReportMetadata.ReportID

	report, err := d.Feedback.MarshalGzip()
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	// Suppressed addresses are not sent to, and don't get an error report.
	var addrs []message.NameAddress
	var candidates []Recipient
	for _, rcpt := range rcpts {
		if sup, err := r.suppressed(ctx, rcpt.Address); err != nil {
			return err
		} else if sup {
			log.Info("suppressing outgoing dmarc aggregate report", slog.String("reportingaddress", rcpt.Address.String()))
			continue
		}
		candidates = append(candidates, rcpt)
		addrs = append(addrs, message.NameAddress{Address: rcpt.Address})
	}
	if len(candidates) == 0 {
		return nil
	}

	// Subject follows the form in RFC. ../rfc/7489:1871
	subject := fmt.Sprintf("Report Domain: %s Submitter: %s Report-ID: <%s>", dom.ASCII, submitter, reportID)

	// Human-readable part for convenience. ../rfc/7489:1803
	text := fmt.Sprintf(`Attached is an aggregate DMARC report with results of evaluations of the DMARC
policy of your domain for messages received by us that have your domain in the
message From header. You are receiving this message because your address is
specified in the "rua" field of the DMARC record for your domain.

Report domain: %s
Submitter: %s
Report-ID: %s
Period: %s - %s UTC
`, dom, submitter, reportID, d.Begin.UTC().Format(time.DateTime), d.End.UTC().Format(time.DateTime))

	// The attached file follows the naming convention from the RFC. ../rfc/7489:1812
	filename := fmt.Sprintf("%s!%s!%d!%d.xml.gz", submitter, dom.ASCII, d.Begin.Unix(), d.End.Unix())

	msg, messageID, err := r.composeAggregateReport(from, addrs, subject, text, filename, report)
	if err != nil {
		return fmt.Errorf("composing message with aggregate report: %w", err)
	}

	// The size limit is compared against the message, after gzip and base64. ../rfc/7489:1773
	var accepted []smtp.Address
	for _, rcpt := range candidates {
		if rcpt.MaxSize > 0 && int64(len(msg)) > rcpt.MaxSize {
			log.Debug("aggregate report too large for recipient",
				slog.String("recipient", rcpt.Address.String()),
				slog.Int64("maxsize", rcpt.MaxSize),
				slog.Int("size", len(msg)))
			continue
		}
		accepted = append(accepted, rcpt.Address)
	}

	if len(accepted) == 0 {
		return r.sendErrorReport(ctx, log, from, addrs, dom, reportID, int64(len(msg)))
	}

	r.Transmitter.Send(ctx, log, from.Address, accepted, msg, conf.Sign, true, mox.Cid())
	log.Info("dmarc aggregate report queued",
		slog.String("messageid", messageID),
		slog.Int("records", len(d.Feedback.Records)),
		slog.Any("recipients", accepted))
	metricReport.Inc()
	return nil
}

func (r *Reporter) composeAggregateReport(from message.NameAddress, recipients []message.NameAddress, subject, text, filename string, reportXMLGzip []byte) (msg []byte, messageID string, rerr error) {
	var b bytes.Buffer
	xc := message.NewComposer(&b, 0)
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		if err, ok := x.(error); ok && errors.Is(err, message.ErrCompose) {
			rerr = err
			return
		}
		panic(x)
	}()

	messageID = xc.Headers(from, recipients, subject, mox.MessageIDGen(false), r.UserAgent, r.timeNow())

	// Multipart message, with a text/plain and the report attached.
	mp := multipart.NewWriter(xc)
	xc.Header("Content-Type", fmt.Sprintf(`multipart/mixed; boundary="%s"`, mp.Boundary()))
	xc.Line()

	textBody, ct, cte := xc.TextPart(text)
	textHdr := textproto.MIMEHeader{}
	textHdr.Set("Content-Type", ct)
	textHdr.Set("Content-Transfer-Encoding", cte)
	textp, err := mp.CreatePart(textHdr)
	xc.Checkf(err, "adding text part to message")
	_, err = textp.Write(textBody)
	xc.Checkf(err, "writing text part")

	ahdr := textproto.MIMEHeader{}
	ahdr.Set("Content-Type", "application/gzip")
	ahdr.Set("Content-Transfer-Encoding", "base64")
	cd := mime.FormatMediaType("attachment", map[string]string{"filename": filename})
	ahdr.Set("Content-Disposition", cd)
	ap, err := mp.CreatePart(ahdr)
	xc.Checkf(err, "adding dmarc aggregate report to message")
	wc := moxio.Base64Writer(ap)
	_, err = wc.Write(reportXMLGzip)
	xc.Checkf(err, "adding attachment")
	err = wc.Close()
	xc.Checkf(err, "flushing attachment")

	err = mp.Close()
	xc.Checkf(err, "closing multipart")

	xc.Flush()
	return b.Bytes(), messageID, nil
}

// Though this functionality is quite underspecified, we'll do our best to send our
// an error report in case our report is too large for all recipients.
// ../rfc/7489:1918
func (r *Reporter) sendErrorReport(ctx context.Context, log mlog.Log, from message.NameAddress, recipients []message.NameAddress, reportDomain dns.Domain, reportID string, reportMsgSize int64) error {
	log.Debug("no reporting addresses willing to accept report given size, queuing short error message")

	var recipientStrs []string
	var rcpts []smtp.Address
	for _, rcpt := range recipients {
		recipientStrs = append(recipientStrs, rcpt.Address.String())
		rcpts = append(rcpts, rcpt.Address)
	}

	subject := fmt.Sprintf("DMARC aggregate reporting error report for %s", reportDomain.ASCII)
	// ../rfc/7489:1926
	text := fmt.Sprintf(`Report-Date: %s
Report-Domain: %s
Report-ID: %s
Report-Size: %d
Submitter: %s
Submitting-URI: %s
`, r.timeNow().Format(message.RFC5322Z), reportDomain.ASCII, reportID, reportMsgSize, r.submitter(log, reportDomain.ASCII), strings.Join(recipientStrs, ","))

	msg, _, err := r.composeErrorReport(from, recipients, subject, text)
	if err != nil {
		return fmt.Errorf("composing error report: %w", err)
	}
	r.Transmitter.Send(ctx, log, from.Address, rcpts, msg, r.Reporting.DMARCAggregate.Sign, true, mox.Cid())
	log.Debug("dmarc error report queued", slog.Any("recipients", rcpts))
	metricReport.Inc()
	return nil
}

func (r *Reporter) composeErrorReport(from message.NameAddress, recipients []message.NameAddress, subject, text string) (msg []byte, messageID string, rerr error) {
	var b bytes.Buffer
	xc := message.NewComposer(&b, 0)
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		if err, ok := x.(error); ok && errors.Is(err, message.ErrCompose) {
			rerr = err
			return
		}
		panic(x)
	}()

	messageID = xc.Headers(from, recipients, subject, mox.MessageIDGen(false), r.UserAgent, r.timeNow())

	textBody, ct, cte := xc.TextPart(text)
	xc.Header("Content-Type", ct)
	xc.Header("Content-Transfer-Encoding", cte)
	xc.Line()
	_, err := xc.Write(textBody)
	xc.Checkf(err, "writing text")

	xc.Flush()
	return b.Bytes(), messageID, nil
}
