package main

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mjl-/moxreport/config"
	"github.com/mjl-/moxreport/dmarcdb"
	"github.com/mjl-/moxreport/dmarcrpt"
	"github.com/mjl-/moxreport/dns"
	"github.com/mjl-/moxreport/exprconf"
	"github.com/mjl-/moxreport/mlog"
	"github.com/mjl-/moxreport/mox-"
	"github.com/mjl-/moxreport/ratelimit"
	"github.com/mjl-/moxreport/smtp"
)

var ctxbg = context.Background()
var pkglog = mlog.New("ctl", nil)

func tcheck(t *testing.T, err error, errmsg string) {
	if err != nil {
		t.Helper()
		t.Fatalf("%s: %v", errmsg, err)
	}
}

type ctlTransmitter struct {
	sync.Mutex
	msgs [][]byte
}

func (tt *ctlTransmitter) Send(ctx context.Context, log mlog.Log, from smtp.Address, rcpts []smtp.Address, msg []byte, sign []string, aggregate bool, cid int64) {
	tt.Lock()
	defer tt.Unlock()
	tt.msgs = append(tt.msgs, msg)
}

func (tt *ctlTransmitter) sent() [][]byte {
	tt.Lock()
	defer tt.Unlock()
	return append([][]byte(nil), tt.msgs...)
}

// TestCtl sends verdicts over a ctl connection like an SMTP server would, and
// checks they end up as failure reports and in windows for aggregate reports.
func TestCtl(t *testing.T) {
	reporting := config.Reporting{
		DMARCAggregate: config.DMARCAggregate{
			SendExpr:    exprconf.MustCompile(`"daily"`),
			OrgNameExpr: exprconf.MustCompile(`"Mox Report Test"`),
			AddressExpr: exprconf.MustCompile(`"postmaster@" + hostname`),
		},
		DMARCFailure: config.DMARCFailure{
			SendExpr: exprconf.MustCompile(`"1/1d"`),
		},
	}
	r, err := dmarcdb.Open(ctxbg, pkglog, t.TempDir(), reporting, dns.Domain{ASCII: "mail.mox.example"})
	tcheck(t, err, "open reporter")
	defer func() {
		err := r.Close()
		tcheck(t, err, "close reporter")
	}()
	tt := &ctlTransmitter{}
	r.Authorizer = dmarcdb.NewDNSAuthorizer(dns.MockResolver{})
	r.Throttle = &ratelimit.Throttle{}
	r.Transmitter = tt
	r.Seq = mox.NewSeqGen()
	r.UserAgent = "moxreport/test"

	cconn, sconn := net.Pipe()
	var stop = struct{}{}
	clientctl := &ctl{conn: cconn, x: stop, log: pkglog}
	done := make(chan struct{})
	go func() {
		servectl(ctxbg, pkglog, sconn, r)
		close(done)
	}()
	defer func() {
		cconn.Close()
		<-done
	}()

	// xfails runs fn, which must fail with an error from the server.
	xfails := func(fn func()) {
		t.Helper()
		defer func() {
			x := recover()
			if x != stop {
				t.Fatalf("got panic %v, expected error from ctl", x)
			}
		}()
		fn()
		t.Fatalf("command did not fail")
	}

	version := clientctl.xread()
	if version != "ctlv0" {
		t.Fatalf("got version %q, expected ctlv0", version)
	}

	cv := ctlVerdict{
		Domain:            "sender.example",
		Record:            "v=DMARC1; p=reject; rua=mailto:dmarc-reports@sender.example; ruf=mailto:dmarc-failures@sender.example; fo=1",
		RemoteIP:          "10.1.2.3",
		EHLODomain:        "mail.sender.example",
		MailFrom:          "bounce@sender.example",
		RcptTo:            []string{"mjl@mox.example"},
		HeaderFrom:        "sender.example",
		Disposition:       dmarcrpt.DispositionNone,
		AlignedDKIMPass:   false,
		AlignedSPFPass:    true,
		DKIMResults:       []dmarcrpt.DKIMAuthResult{{Domain: "sender.example", Selector: "test", Result: dmarcrpt.DKIMFail}},
		SPFMailFromResult: dmarcrpt.SPFPass,
		ArrivalDate:       time.Now(),
		Headers:           []byte("From: <info@sender.example>\r\nSubject: test\r\n\r\n"),
	}
	ctlcmdProcess(clientctl, cv)

	// The failed DKIM check gives a failure report.
	msgs := tt.sent()
	if len(msgs) != 1 {
		t.Fatalf("got %d failure reports, expected 1", len(msgs))
	}
	if !strings.Contains(string(msgs[0]), "Feedback-Type: auth-failure\r\n") {
		t.Fatalf("message is not a failure report:\n%s", msgs[0])
	}

	// And the evaluation was added to a window.
	l := ctlcmdWindows(clientctl)
	if len(l) != 1 || l[0].Domain != "sender.example" || l[0].Evaluations != 1 {
		t.Fatalf("got windows %#v, expected one for sender.example with 1 evaluation", l)
	}

	// Without record, nothing is stored.
	nocv := cv
	nocv.Record = ""
	ctlcmdProcess(clientctl, nocv)
	l = ctlcmdWindows(clientctl)
	if len(l) != 1 || l[0].Evaluations != 1 {
		t.Fatalf("got windows %#v after verdict without record", l)
	}

	// Bad values are an error, and end the connection.
	badcv := cv
	badcv.RemoteIP = "bogus"
	xfails(func() { ctlcmdProcess(clientctl, badcv) })
}

func TestCtlVerdict(t *testing.T) {
	cv := ctlVerdict{
		Domain:     "sender.example",
		Record:     "v=DMARC1; p=none",
		RemoteIP:   "2001:db8::1",
		MailFrom:   "",
		RcptTo:     []string{"mjl@mox.example", "other@other.example"},
		HeaderFrom: "sender.example",
	}
	v, err := cv.verdict()
	tcheck(t, err, "parse verdict")
	if v.Record == nil || !v.MailFromDomain.IsZero() || v.RcptDomain.ASCII != "mox.example" || v.RemoteIP.String() != "2001:db8::1" {
		t.Fatalf("unexpected verdict %#v", v)
	}

	bad := func(fn func(cv *ctlVerdict)) {
		t.Helper()
		xcv := cv
		fn(&xcv)
		if _, err := xcv.verdict(); err == nil {
			t.Fatalf("no error for bad verdict %#v", xcv)
		}
	}
	bad(func(cv *ctlVerdict) { cv.Domain = "sender.example." })
	bad(func(cv *ctlVerdict) { cv.Record = "v=DMARC1; p=none; rua" })
	bad(func(cv *ctlVerdict) { cv.RemoteIP = "" })
	bad(func(cv *ctlVerdict) { cv.MailFrom = "no-at-sign" })
	bad(func(cv *ctlVerdict) { cv.RcptTo = []string{"@mox.example"} })
}
