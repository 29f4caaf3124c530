package dmarcdb

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mjl-/moxreport/config"
	"github.com/mjl-/moxreport/dmarc"
	"github.com/mjl-/moxreport/dmarcrpt"
	"github.com/mjl-/moxreport/dns"
	"github.com/mjl-/moxreport/exprconf"
	"github.com/mjl-/moxreport/kvdb"
	"github.com/mjl-/moxreport/mlog"
	"github.com/mjl-/moxreport/mox-"
	"github.com/mjl-/moxreport/ratelimit"
	"github.com/mjl-/moxreport/smtp"
)

var ctxbg = context.Background()

func tcheckf(t *testing.T, err error, format string, args ...any) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", fmt.Sprintf(format, args...), err)
	}
}

func tcompare(t *testing.T, got, expect any) {
	t.Helper()
	if !reflect.DeepEqual(got, expect) {
		t.Fatalf("got:\n%v\nexpected:\n%v", got, expect)
	}
}

type sentMsg struct {
	From      smtp.Address
	Rcpts     []smtp.Address
	Msg       []byte
	Aggregate bool
}

type testTransmitter struct {
	sync.Mutex
	msgs []sentMsg
}

func (tt *testTransmitter) Send(ctx context.Context, log mlog.Log, from smtp.Address, rcpts []smtp.Address, msg []byte, sign []string, aggregate bool, cid int64) {
	tt.Lock()
	defer tt.Unlock()
	tt.msgs = append(tt.msgs, sentMsg{from, rcpts, msg, aggregate})
}

func (tt *testTransmitter) sent() []sentMsg {
	tt.Lock()
	defer tt.Unlock()
	return append([]sentMsg(nil), tt.msgs...)
}

// testAuthorizer returns fixed recipients.
type testAuthorizer struct {
	rcpts []Recipient
	ok    bool
}

func (a testAuthorizer) Verify(ctx context.Context, log mlog.Log, domain dns.Domain, uris []dmarc.URI, failure bool) ([]Recipient, bool) {
	return a.rcpts, a.ok
}

var testNow = time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)

func testReporting() config.Reporting {
	return config.Reporting{
		DMARCAggregate: config.DMARCAggregate{
			SendExpr:        exprconf.MustCompile(`"daily"`),
			OrgNameExpr:     exprconf.MustCompile(`"Mox Report Test"`),
			AddressExpr:     exprconf.MustCompile(`"postmaster@" + hostname`),
			ContactInfoExpr: exprconf.MustCompile(`"https://" + hostname + "/dmarc"`),
		},
		DMARCFailure: config.DMARCFailure{
			SendExpr: exprconf.MustCompile(`"1/1d"`),
		},
	}
}

// newTestReporter returns a reporter with stores in a temporary directory, a
// DNS authorizer with resolver, and a recording transmitter.
func newTestReporter(t *testing.T, resolver dns.Resolver) (*Reporter, *testTransmitter) {
	t.Helper()
	r, err := Open(ctxbg, pkglog, t.TempDir(), testReporting(), dns.Domain{ASCII: "mail.mox.example"})
	tcheckf(t, err, "open reporter")
	t.Cleanup(func() {
		err := r.Close()
		tcheckf(t, err, "close reporter")
	})
	tt := &testTransmitter{}
	r.Authorizer = NewDNSAuthorizer(resolver)
	r.Throttle = &ratelimit.Throttle{}
	r.Transmitter = tt
	r.Seq = mox.NewSeqGen()
	r.UserAgent = "moxreport/test"
	r.now = func() time.Time { return testNow }
	return r, tt
}

func testRecord(t *testing.T, s string) *dmarc.Record {
	t.Helper()
	record, _, err := dmarc.ParseRecord(s)
	tcheckf(t, err, "parse dmarc record")
	return record
}

func testEvaluation(ip string) Evaluation {
	return Evaluation{
		SourceIP:        ip,
		Disposition:     dmarcrpt.DispositionNone,
		AlignedDKIMPass: true,
		AlignedSPFPass:  true,
		EnvelopeTo:      "mox.example",
		EnvelopeFrom:    "sender.example",
		HeaderFrom:      "sender.example",
		DKIMResults: []dmarcrpt.DKIMAuthResult{
			{Domain: "sender.example", Selector: "test", Result: dmarcrpt.DKIMPass},
		},
		SPFResults: []dmarcrpt.SPFAuthResult{
			{Domain: "sender.example", Scope: dmarcrpt.SPFDomainScopeMailFrom, Result: dmarcrpt.SPFPass},
		},
	}
}

var senderDomain = dns.Domain{ASCII: "sender.example"}

const senderRecord = "v=DMARC1; p=reject; rua=mailto:dmarc-reports@sender.example; ruf=mailto:dmarc-failures@sender.example; fo=1"

func windows(t *testing.T, r *Reporter) []WindowInfo {
	t.Helper()
	l, err := r.Windows(ctxbg)
	tcheckf(t, err, "list windows")
	return l
}

// parseAggregateMessage returns the headers and the report from a message with
// an aggregate report.
func parseAggregateMessage(t *testing.T, buf []byte) (mail.Header, *dmarcrpt.Feedback, string) {
	t.Helper()
	m, err := mail.ReadMessage(strings.NewReader(string(buf)))
	tcheckf(t, err, "read message")
	mt, params, err := mime.ParseMediaType(m.Header.Get("Content-Type"))
	tcheckf(t, err, "parse content-type")
	tcompare(t, mt, "multipart/mixed")
	mr := multipart.NewReader(m.Body, params["boundary"])
	_, err = mr.NextPart()
	tcheckf(t, err, "text part")
	p, err := mr.NextPart()
	tcheckf(t, err, "attachment part")
	tcompare(t, p.Header.Get("Content-Type"), "application/gzip")
	feedback, err := dmarcrpt.ParseReportGzip(base64.NewDecoder(base64.StdEncoding, p))
	tcheckf(t, err, "parse report")
	_, err = mr.NextPart()
	if err != io.EOF {
		t.Fatalf("expected two parts, got err %v", err)
	}
	return m.Header, feedback, p.FileName()
}

func TestAggregate(t *testing.T) {
	r, tt := newTestReporter(t, dns.MockResolver{})
	record := testRecord(t, senderRecord)

	e0 := testEvaluation("10.1.2.3")
	e1 := testEvaluation("10.1.2.4")
	e1.AlignedSPFPass = false
	e1.SPFResults[0].Result = dmarcrpt.SPFFail
	for _, e := range []Evaluation{e0, e1, e0} {
		r.Accumulate(ctxbg, pkglog, Event{senderDomain, record, 24 * time.Hour, e})
	}

	begin := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	w := Window{"sender.example", record.Hash(), begin.Add(24 * time.Hour)}
	tcompare(t, windows(t, r), []WindowInfo{{Window: w, Begin: begin, Evaluations: 3}})

	d, err := r.Generate(ctxbg, pkglog, w, 0)
	tcheckf(t, err, "generate")
	expFeedback := dmarcrpt.Feedback{
		Version: "1.0",
		ReportMetadata: dmarcrpt.ReportMetadata{
			OrgName:          "Mox Report Test",
			Email:            "postmaster@mail.mox.example",
			ExtraContactInfo: "https://mail.mox.example/dmarc",
			ReportID:         fmt.Sprintf("%d_%d", record.Hash(), begin.Unix()),
			DateRange:        dmarcrpt.DateRange{Begin: begin.Unix(), End: w.Due.Unix()},
		},
		PolicyPublished: dmarcrpt.PolicyPublished{
			Domain:           "sender.example",
			ADKIM:            dmarcrpt.AlignmentRelaxed,
			ASPF:             dmarcrpt.AlignmentRelaxed,
			Policy:           dmarcrpt.DispositionReject,
			Percentage:       100,
			ReportingOptions: "1",
		},
		Records: []dmarcrpt.ReportRecord{e0.ReportRecord(2), e1.ReportRecord(1)},
	}
	tcompare(t, d.Feedback, expFeedback)
	tcompare(t, d.RUA, record.AggregateReportAddresses)

	r.DeliverWindow(ctxbg, pkglog, w)
	sent := tt.sent()
	if len(sent) != 1 {
		t.Fatalf("got %d messages, expected 1", len(sent))
	}
	tcompare(t, sent[0].Aggregate, true)
	tcompare(t, sent[0].Rcpts, []smtp.Address{{Localpart: "dmarc-reports", Domain: senderDomain}})
	tcompare(t, sent[0].From.String(), "postmaster@mail.mox.example")

	hdr, feedback, filename := parseAggregateMessage(t, sent[0].Msg)
	tcompare(t, hdr.Get("Subject"), fmt.Sprintf("Report Domain: sender.example Submitter: mail.mox.example Report-ID: <%s>", expFeedback.ReportMetadata.ReportID))
	tcompare(t, filename, fmt.Sprintf("mail.mox.example!sender.example!%d!%d.xml.gz", begin.Unix(), w.Due.Unix()))
	tcompare(t, feedback.ReportMetadata, expFeedback.ReportMetadata)
	tcompare(t, len(feedback.Records), 2)
	tcompare(t, feedback.Records[0].Row.Count, 2)

	// Window is gone, and removing again is fine.
	tcompare(t, len(windows(t, r)), 0)
	err = r.RemoveWindow(ctxbg, w)
	tcheckf(t, err, "removing window again")
	d, err = r.Generate(ctxbg, pkglog, w, 0)
	tcheckf(t, err, "generate for removed window")
	if d != nil {
		t.Fatalf("got draft for removed window")
	}
}

func TestPolicyChangeNewWindow(t *testing.T) {
	r, _ := newTestReporter(t, dns.MockResolver{})
	r0 := testRecord(t, senderRecord)
	r1 := testRecord(t, "v=DMARC1; p=none; rua=mailto:dmarc-reports@sender.example")
	r.Accumulate(ctxbg, pkglog, Event{senderDomain, r0, 24 * time.Hour, testEvaluation("10.1.2.3")})
	r.Accumulate(ctxbg, pkglog, Event{senderDomain, r1, 24 * time.Hour, testEvaluation("10.1.2.3")})
	// Hourly interval for the same policy is also a different window.
	r.Accumulate(ctxbg, pkglog, Event{senderDomain, r1, time.Hour, testEvaluation("10.1.2.3")})
	tcompare(t, len(windows(t, r)), 3)
}

func TestAccumulateConcurrent(t *testing.T) {
	r, _ := newTestReporter(t, dns.MockResolver{})
	record := testRecord(t, senderRecord)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				r.Accumulate(ctxbg, pkglog, Event{senderDomain, record, 24 * time.Hour, testEvaluation("10.1.2.3")})
			}
		}()
	}
	wg.Wait()

	l := windows(t, r)
	tcompare(t, len(l), 1)
	tcompare(t, l[0].Evaluations, 200)

	d, err := r.Generate(ctxbg, pkglog, l[0].Window, 0)
	tcheckf(t, err, "generate")
	tcompare(t, len(d.Feedback.Records), 1)
	tcompare(t, d.Feedback.Records[0].Row.Count, 200)
}

func TestGenerateBudget(t *testing.T) {
	r, _ := newTestReporter(t, dns.MockResolver{})
	record := testRecord(t, senderRecord)

	var evs []Evaluation
	for i := 0; i < 10; i++ {
		evs = append(evs, testEvaluation(fmt.Sprintf("10.1.2.%d", i)))
	}
	for _, e := range evs {
		r.Accumulate(ctxbg, pkglog, Event{senderDomain, record, 24 * time.Hour, e})
	}
	w := windows(t, r)[0].Window

	d, err := r.Generate(ctxbg, pkglog, w, 0)
	tcheckf(t, err, "generate")
	tcompare(t, len(d.Feedback.Records), 10)
	shell := d.Feedback
	shell.Records = []dmarcrpt.ReportRecord{}
	shellSize, err := shell.XMLSize()
	tcheckf(t, err, "shell size")
	var recSizes []int64
	for _, rec := range d.Feedback.Records {
		n, err := rec.XMLSize()
		tcheckf(t, err, "record size")
		recSizes = append(recSizes, n)
	}

	// Report that does not fit even without records still has the shell.
	d, err = r.Generate(ctxbg, pkglog, w, shellSize-1)
	tcheckf(t, err, "generate")
	tcompare(t, len(d.Feedback.Records), 0)

	// Growing budgets give a growing prefix of the records.
	prev := -1
	budget := shellSize
	for i := 0; i <= len(recSizes); i++ {
		for _, delta := range []int64{0, recSizes[0] / 2} {
			d, err := r.Generate(ctxbg, pkglog, w, budget+delta)
			tcheckf(t, err, "generate")
			n := len(d.Feedback.Records)
			if n < prev {
				t.Fatalf("budget %d gave %d records, smaller budget gave %d", budget+delta, n, prev)
			}
			if delta == 0 {
				tcompare(t, n, i)
			}
			for j, rec := range d.Feedback.Records {
				tcompare(t, rec, evs[j].ReportRecord(1))
			}
			size, err := d.Feedback.XMLSize()
			tcheckf(t, err, "report size")
			if size > budget+delta {
				t.Fatalf("report size %d exceeds budget %d", size, budget+delta)
			}
			prev = n
		}
		if i < len(recSizes) {
			budget += recSizes[i]
		}
	}

	// Evaluations identical to an admitted record are counted, also after the
	// budget is exhausted.
	r.Accumulate(ctxbg, pkglog, Event{senderDomain, record, 24 * time.Hour, evs[0]})
	r.Accumulate(ctxbg, pkglog, Event{senderDomain, record, 24 * time.Hour, evs[9]})
	d, err = r.Generate(ctxbg, pkglog, w, shellSize+recSizes[0])
	tcheckf(t, err, "generate")
	tcompare(t, d.Feedback.Records, []dmarcrpt.ReportRecord{evs[0].ReportRecord(2)})
}

func TestGenerateDecodeError(t *testing.T) {
	r, tt := newTestReporter(t, dns.MockResolver{})
	record := testRecord(t, senderRecord)
	r.Accumulate(ctxbg, pkglog, Event{senderDomain, record, 24 * time.Hour, testEvaluation("10.1.2.3")})
	w := windows(t, r)[0].Window

	var b kvdb.Batch
	b.Set(recordKey(w, 1), []byte("bogus"))
	err := r.Store.Write(ctxbg, &b)
	tcheckf(t, err, "write bogus record")

	_, err = r.Generate(ctxbg, pkglog, w, 0)
	if err == nil {
		t.Fatalf("generate with bad record did not fail")
	}

	// Window is kept for later inspection.
	r.DeliverWindow(ctxbg, pkglog, w)
	tcompare(t, len(tt.sent()), 0)
	tcompare(t, len(windows(t, r)), 1)
}

var errTestStore = errors.New("test store failure")

// failStore fails the operations that are enabled.
type failStore struct {
	Store
	get, iterate, write bool
}

func (s *failStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	if s.get {
		return nil, errTestStore
	}
	return s.Store.Get(ctx, key)
}

func (s *failStore) Iterate(ctx context.Context, from, to []byte, ascending bool, fn func(key, value []byte) (bool, error)) error {
	if s.iterate {
		return errTestStore
	}
	return s.Store.Iterate(ctx, from, to, ascending, fn)
}

func (s *failStore) Write(ctx context.Context, b *kvdb.Batch) error {
	if s.write {
		return errTestStore
	}
	return s.Store.Write(ctx, b)
}

func TestStoreErrors(t *testing.T) {
	r, tt := newTestReporter(t, dns.MockResolver{})
	record := testRecord(t, senderRecord)
	fs := &failStore{Store: r.Store}
	t.Cleanup(func() { r.Store = fs.Store })

	ev := Event{senderDomain, record, 24 * time.Hour, testEvaluation("10.1.2.3")}

	// Failing writes and header reads during accumulation drop the event.
	r.Store = fs
	fs.write = true
	r.Accumulate(ctxbg, pkglog, ev)
	fs.write = false
	fs.get = true
	r.Accumulate(ctxbg, pkglog, ev)
	fs.get = false
	r.Store = fs.Store
	tcompare(t, len(windows(t, r)), 0)

	r.Accumulate(ctxbg, pkglog, ev)
	w := windows(t, r)[0].Window

	// Read failures during generation keep the window and its records.
	for _, fail := range []*bool{&fs.get, &fs.iterate} {
		r.Store = fs
		*fail = true
		_, err := r.Generate(ctxbg, pkglog, w, 0)
		if !errors.Is(err, errTestStore) {
			t.Fatalf("generate with failing store, got err %v, expected %v", err, errTestStore)
		}
		r.DeliverWindow(ctxbg, pkglog, w)
		*fail = false
		r.Store = fs.Store

		tcompare(t, len(tt.sent()), 0)
		tcompare(t, len(windows(t, r)), 1)
		d, err := r.Generate(ctxbg, pkglog, w, 0)
		tcheckf(t, err, "generate")
		tcompare(t, len(d.Feedback.Records), 1)
	}
}

func TestDeliverUnauthorized(t *testing.T) {
	record := testRecord(t, senderRecord)
	for _, a := range []testAuthorizer{{nil, false}, {nil, true}} {
		r, tt := newTestReporter(t, dns.MockResolver{})
		r.Authorizer = a
		r.Accumulate(ctxbg, pkglog, Event{senderDomain, record, 24 * time.Hour, testEvaluation("10.1.2.3")})
		w := windows(t, r)[0].Window
		r.DeliverWindow(ctxbg, pkglog, w)
		tcompare(t, len(tt.sent()), 0)
		tcompare(t, len(windows(t, r)), 0)
	}
}

func TestDeliverDNSFailure(t *testing.T) {
	// Report address in other organizational domain, verification lookup fails.
	resolver := dns.MockResolver{
		Fail: []string{"txt sender.example._report._dmarc.reports.example."},
	}
	r, tt := newTestReporter(t, resolver)
	record := testRecord(t, "v=DMARC1; p=reject; rua=mailto:dmarc@reports.example")
	r.Accumulate(ctxbg, pkglog, Event{senderDomain, record, 24 * time.Hour, testEvaluation("10.1.2.3")})
	r.DeliverWindow(ctxbg, pkglog, windows(t, r)[0].Window)
	tcompare(t, len(tt.sent()), 0)
	tcompare(t, len(windows(t, r)), 0)
}

func TestDeliverSizeLimit(t *testing.T) {
	r, tt := newTestReporter(t, dns.MockResolver{})
	record := testRecord(t, "v=DMARC1; p=reject; rua=mailto:dmarc-reports@sender.example!500")
	r.Accumulate(ctxbg, pkglog, Event{senderDomain, record, 24 * time.Hour, testEvaluation("10.1.2.3")})
	w := windows(t, r)[0].Window
	r.DeliverWindow(ctxbg, pkglog, w)

	// Message is larger than 500 bytes with the base64 report, so an error report is sent.
	sent := tt.sent()
	tcompare(t, len(sent), 1)
	m, err := mail.ReadMessage(strings.NewReader(string(sent[0].Msg)))
	tcheckf(t, err, "read message")
	tcompare(t, m.Header.Get("Subject"), "DMARC aggregate reporting error report for sender.example")
	body, err := io.ReadAll(m.Body)
	tcheckf(t, err, "read body")
	if !strings.Contains(string(body), "Report-Domain: sender.example\r\n") || !strings.Contains(string(body), "Report-Size: ") {
		t.Fatalf("unexpected error report body %q", body)
	}
	tcompare(t, len(windows(t, r)), 0)
}

func TestSuppress(t *testing.T) {
	r, tt := newTestReporter(t, dns.MockResolver{})
	record := testRecord(t, senderRecord)

	sa := SuppressAddress{ReportingAddress: "dmarc-reports@sender.example", Until: testNow.Add(time.Hour), Comment: "test"}
	err := r.SuppressAdd(ctxbg, &sa)
	tcheckf(t, err, "add suppression")
	l, err := r.SuppressList(ctxbg)
	tcheckf(t, err, "list suppressions")
	tcompare(t, len(l), 1)

	r.Accumulate(ctxbg, pkglog, Event{senderDomain, record, 24 * time.Hour, testEvaluation("10.1.2.3")})
	r.DeliverWindow(ctxbg, pkglog, windows(t, r)[0].Window)
	tcompare(t, len(tt.sent()), 0)
	tcompare(t, len(windows(t, r)), 0)

	// Expired suppression no longer applies.
	err = r.SuppressUpdate(ctxbg, sa.ID, testNow.Add(-time.Minute))
	tcheckf(t, err, "update suppression")
	r.Accumulate(ctxbg, pkglog, Event{senderDomain, record, 24 * time.Hour, testEvaluation("10.1.2.3")})
	r.DeliverWindow(ctxbg, pkglog, windows(t, r)[0].Window)
	tcompare(t, len(tt.sent()), 1)

	err = r.SuppressRemove(ctxbg, sa.ID)
	tcheckf(t, err, "remove suppression")
	l, err = r.SuppressList(ctxbg)
	tcheckf(t, err, "list suppressions")
	tcompare(t, len(l), 0)
}

func TestAggregateNever(t *testing.T) {
	r, _ := newTestReporter(t, dns.MockResolver{})
	r.Reporting.DMARCAggregate.SendExpr = exprconf.MustCompile(`domain == "sender.example" ? "never" : "daily"`)
	record := testRecord(t, senderRecord)
	r.Process(ctxbg, pkglog, Verdict{
		Domain:          senderDomain,
		Record:          record,
		AlignedDKIMPass: true,
		AlignedSPFPass:  true,
	})
	tcompare(t, len(windows(t, r)), 0)
}
