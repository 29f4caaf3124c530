package dmarcdb

import (
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/moxreport/dmarcrpt"
	"github.com/mjl-/moxreport/dns"
	"github.com/mjl-/moxreport/exprconf"
)

const testHeaders = "From: <user@sender.example>\r\nTo: <mjl@mox.example>\r\nSubject: test\r\n\r\n"

// feedbackFields returns the machine-readable part of a failure report.
func feedbackFields(t *testing.T, buf []byte) string {
	t.Helper()
	m, err := mail.ReadMessage(strings.NewReader(string(buf)))
	tcheckf(t, err, "read message")
	_, params, err := mime.ParseMediaType(m.Header.Get("Content-Type"))
	tcheckf(t, err, "parse content-type")
	mr := multipart.NewReader(m.Body, params["boundary"])
	_, err = mr.NextPart()
	tcheckf(t, err, "text part")
	p, err := mr.NextPart()
	tcheckf(t, err, "feedback part")
	tcompare(t, p.Header.Get("Content-Type"), "message/feedback-report")
	fields, err := io.ReadAll(p)
	tcheckf(t, err, "read feedback report")
	return string(fields)
}

func failureInput(t *testing.T, record string) FailureInput {
	return FailureInput{
		Domain:      senderDomain,
		Record:      testRecord(t, record),
		FromDomain:  senderDomain,
		RemoteIP:    net.ParseIP("10.1.2.3"),
		ArrivalDate: testNow,
		MailFrom:    "user@sender.example",
		RcptTo:      []string{"mjl@mox.example"},
		AuthResults: "mail.mox.example; dkim=fail header.d=sender.example; spf=pass smtp.mailfrom=sender.example; dmarc=fail header.from=sender.example",
		DKIMFailed:  true,
		DKIM:        &dmarcrpt.FailureDKIM{Domain: "sender.example", Selector: "test"},
		SPFDNS:      "txt : sender.example : v=spf1 -all",
		Headers:     []byte(testHeaders),
	}
}

func TestFailureReport(t *testing.T) {
	r, tt := newTestReporter(t, dns.MockResolver{})

	// DKIM failure with policy asking for reports on DKIM failures only.
	in := failureInput(t, "v=DMARC1; p=reject; ruf=mailto:dmarc-failures@sender.example; fo=d")
	r.SendFailureReport(ctxbg, pkglog, in)
	sent := tt.sent()
	tcompare(t, len(sent), 1)
	tcompare(t, sent[0].Aggregate, false)
	tcompare(t, sent[0].Rcpts[0].String(), "dmarc-failures@sender.example")
	fields := feedbackFields(t, sent[0].Msg)
	for _, s := range []string{"Auth-Failure: dmarc\r\n", "Identity-Alignment: dkim\r\n", "DKIM-Domain: sender.example\r\n", "Source-IP: 10.1.2.3\r\n"} {
		if !strings.Contains(fields, s) {
			t.Fatalf("missing %q in feedback report %q", s, fields)
		}
	}

	// Rate of 1 per day is exhausted for the recipient.
	r.SendFailureReport(ctxbg, pkglog, in)
	tcompare(t, len(tt.sent()), 1)

	// SPF failure is not reported with fo=d.
	r.Throttle.(interface{ Reset() }).Reset()
	in.DKIMFailed = false
	in.SPFFailed = true
	r.SendFailureReport(ctxbg, pkglog, in)
	tcompare(t, len(tt.sent()), 1)

	// Both DKIM and SPF fail, fo=d only reports DKIM, in the details and the
	// identity alignment.
	in.DKIMFailed = true
	r.SendFailureReport(ctxbg, pkglog, in)
	sent = tt.sent()
	tcompare(t, len(sent), 2)
	fields = feedbackFields(t, sent[1].Msg)
	if !strings.Contains(fields, "Identity-Alignment: dkim\r\n") || !strings.Contains(fields, "DKIM-Domain: sender.example\r\n") || strings.Contains(fields, "SPF-DNS: ") {
		t.Fatalf("unexpected feedback report %q", fields)
	}

	// With fo=1, SPF detail is included, no DKIM detail.
	r.Throttle.(interface{ Reset() }).Reset()
	in = failureInput(t, "v=DMARC1; p=reject; ruf=mailto:dmarc-failures@sender.example; fo=1")
	in.DKIMFailed = false
	in.SPFFailed = true
	r.SendFailureReport(ctxbg, pkglog, in)
	sent = tt.sent()
	tcompare(t, len(sent), 3)
	fields = feedbackFields(t, sent[2].Msg)
	if !strings.Contains(fields, "Identity-Alignment: spf\r\n") || !strings.Contains(fields, "SPF-DNS: ") || strings.Contains(fields, "DKIM-Domain") {
		t.Fatalf("unexpected feedback report %q", fields)
	}

	// With fo=1 and both failing, both are reported.
	r.Throttle.(interface{ Reset() }).Reset()
	in.DKIMFailed = true
	r.SendFailureReport(ctxbg, pkglog, in)
	sent = tt.sent()
	tcompare(t, len(sent), 4)
	fields = feedbackFields(t, sent[3].Msg)
	if !strings.Contains(fields, "Identity-Alignment: dkim, spf\r\n") || !strings.Contains(fields, "SPF-DNS: ") || !strings.Contains(fields, "DKIM-Domain") {
		t.Fatalf("unexpected feedback report %q", fields)
	}

	// Failure reports disabled for domain.
	r.Throttle.(interface{ Reset() }).Reset()
	r.Reporting.DMARCFailure.SendExpr = exprconf.MustCompile(`domain == "sender.example" ? "" : "1/1d"`)
	r.SendFailureReport(ctxbg, pkglog, in)
	tcompare(t, len(tt.sent()), 4)
}

func TestFailureReportRateAfterFilters(t *testing.T) {
	r, tt := newTestReporter(t, dns.MockResolver{})

	// Suppressed recipient, nothing is sent and the rate is not charged.
	sa := SuppressAddress{ReportingAddress: "dmarc-failures@sender.example", Until: testNow.Add(time.Hour)}
	err := r.SuppressAdd(ctxbg, &sa)
	tcheckf(t, err, "add suppression")
	in := failureInput(t, "v=DMARC1; p=reject; ruf=mailto:dmarc-failures@sender.example; fo=1")
	r.SendFailureReport(ctxbg, pkglog, in)
	tcompare(t, len(tt.sent()), 0)
	err = r.SuppressRemove(ctxbg, sa.ID)
	tcheckf(t, err, "remove suppression")

	// Report larger than the size limit of the recipient, not charged either.
	in = failureInput(t, "v=DMARC1; p=reject; ruf=mailto:dmarc-failures@sender.example!100; fo=1")
	r.SendFailureReport(ctxbg, pkglog, in)
	tcompare(t, len(tt.sent()), 0)

	// The 1 per day rate is still available.
	in = failureInput(t, "v=DMARC1; p=reject; ruf=mailto:dmarc-failures@sender.example; fo=1")
	r.SendFailureReport(ctxbg, pkglog, in)
	tcompare(t, len(tt.sent()), 1)
	r.SendFailureReport(ctxbg, pkglog, in)
	tcompare(t, len(tt.sent()), 1)
}

func TestFailureReportUnauthorized(t *testing.T) {
	r, tt := newTestReporter(t, dns.MockResolver{})
	in := failureInput(t, "v=DMARC1; p=reject; ruf=mailto:dmarc@other.example; fo=1")
	r.SendFailureReport(ctxbg, pkglog, in)
	tcompare(t, len(tt.sent()), 0)

	r.Authorizer = testAuthorizer{nil, false}
	in = failureInput(t, senderRecord)
	r.SendFailureReport(ctxbg, pkglog, in)
	tcompare(t, len(tt.sent()), 0)
}

func TestProcess(t *testing.T) {
	r, tt := newTestReporter(t, dns.MockResolver{})
	record := testRecord(t, senderRecord)

	// DKIM-only failure, failure report and an evaluation.
	v := Verdict{
		Domain:            senderDomain,
		Record:            record,
		RemoteIP:          net.ParseIP("10.1.2.3"),
		EHLODomain:        dns.Domain{ASCII: "mta.sender.example"},
		RcptTo:            []string{"mjl@mox.example"},
		RcptDomain:        dns.Domain{ASCII: "mox.example"},
		HeaderFrom:        senderDomain,
		Disposition:       dmarcrpt.DispositionNone,
		AlignedDKIMPass:   false,
		AlignedSPFPass:    true,
		ARCPass:           true,
		SPFHeloResult:     dmarcrpt.SPFPass,
		SPFMailFromResult: dmarcrpt.SPFNone,
		DKIMResults: []dmarcrpt.DKIMAuthResult{
			{Domain: "sender.example", Selector: "test", Result: dmarcrpt.DKIMFail},
		},
		ArrivalDate: testNow,
		FailedDKIM:  &dmarcrpt.FailureDKIM{Domain: "sender.example", Selector: "test"},
		Headers:     []byte(testHeaders),
	}
	r.Process(ctxbg, pkglog, v)

	sent := tt.sent()
	tcompare(t, len(sent), 1)
	fields := feedbackFields(t, sent[0].Msg)
	if !strings.Contains(fields, "Identity-Alignment: dkim\r\n") {
		t.Fatalf("unexpected feedback report %q", fields)
	}
	const expAuthRes = "Authentication-Results: mail.mox.example; dkim=fail header.d=sender.example\r\n\theader.s=test; spf=pass smtp.helo=mta.sender.example; dmarc=fail\r\n\theader.from=sender.example\r\n"
	if !strings.Contains(fields, expAuthRes) {
		t.Fatalf("feedback report %q does not contain %q", fields, expAuthRes)
	}

	l := windows(t, r)
	tcompare(t, len(l), 1)
	tcompare(t, l[0].Due, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC))
	d, err := r.Generate(ctxbg, pkglog, l[0].Window, 0)
	tcheckf(t, err, "generate")
	tcompare(t, len(d.Feedback.Records), 1)
	rec := d.Feedback.Records[0]
	// Null sender, envelope from is the EHLO domain. Only the helo SPF result,
	// the mail from domain is absent.
	tcompare(t, rec.Identifiers, dmarcrpt.Identifiers{EnvelopeTo: "mox.example", EnvelopeFrom: "mta.sender.example", HeaderFrom: "sender.example"})
	tcompare(t, rec.AuthResults.SPF, []dmarcrpt.SPFAuthResult{{Domain: "mta.sender.example", Scope: dmarcrpt.SPFDomainScopeHelo, Result: dmarcrpt.SPFPass}})
	tcompare(t, rec.Row.PolicyEvaluated, dmarcrpt.PolicyEvaluated{
		Disposition: dmarcrpt.DispositionNone,
		DKIM:        dmarcrpt.DMARCFail,
		SPF:         dmarcrpt.DMARCPass,
		Reasons:     []dmarcrpt.PolicyOverrideReason{{Type: dmarcrpt.PolicyOverrideLocalPolicy, Comment: "arc=pass"}},
	})
}
