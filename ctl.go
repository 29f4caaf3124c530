package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mjl-/moxreport/dmarc"
	"github.com/mjl-/moxreport/dmarcdb"
	"github.com/mjl-/moxreport/dmarcrpt"
	"github.com/mjl-/moxreport/dns"
	"github.com/mjl-/moxreport/metrics"
	"github.com/mjl-/moxreport/mlog"
	"github.com/mjl-/moxreport/mox-"
	"github.com/mjl-/moxreport/smtp"
)

// ctl is a connection to the ctl unix domain socket of a running moxreport.
// The SMTP server that evaluates DMARC for incoming messages hands its
// verdicts to moxreport over this socket.
type ctl struct {
	cmd  string // Set for server-side of commands.
	conn net.Conn
	r    *bufio.Reader // Set for first reader.
	x    any           // If set, errors are handled by calling panic(x) instead of log.Fatal.
	log  mlog.Log      // If set, along with x, logging is done here.
}

// xctl opens a ctl connection.
func xctl() *ctl {
	p := mox.DataDirPath("ctl")
	conn, err := net.Dial("unix", p)
	if err != nil {
		log.Fatalf("connecting to control socket at %q: %v", p, err)
	}
	ctl := &ctl{conn: conn}
	version := ctl.xread()
	if version != "ctlv0" {
		log.Fatalf("ctl protocol mismatch, got %q, expected ctlv0", version)
	}
	return ctl
}

// xerror interprets msg as an error. If c.x is set, msg is also written to the
// other party.
func (c *ctl) xerror(msg string) {
	if c.x == nil {
		log.Fatalln(msg)
	}
	c.log.Debugx("ctl error", fmt.Errorf("%s", msg), slog.String("cmd", c.cmd))
	c.xwrite(msg)
	panic(c.x)
}

// xcheck handles a non-nil err through c.x or log.Fatal. With c.x set, the
// error is written to the other party first.
func (c *ctl) xcheck(err error, msg string) {
	if err == nil {
		return
	}
	if c.x == nil {
		log.Fatalf("%s: %s", msg, err)
	}
	c.log.Debugx(msg, err, slog.String("cmd", c.cmd))
	fmt.Fprintf(c.conn, "%s: %s\n", msg, err)
	panic(c.x)
}

// Read a line and return it without trailing newline.
func (c *ctl) xread() string {
	if c.r == nil {
		c.r = bufio.NewReader(c.conn)
	}
	line, err := c.r.ReadString('\n')
	c.xcheck(err, "read from ctl")
	return strings.TrimSuffix(line, "\n")
}

// Read a line. If not "ok", the line is interpreted as an error.
func (c *ctl) xreadok() {
	line := c.xread()
	if line != "ok" {
		c.xerror(line)
	}
}

// Write a line, typically a command or parameter.
func (c *ctl) xwrite(text string) {
	_, err := fmt.Fprintln(c.conn, text)
	c.xcheck(err, "write")
}

func (c *ctl) xwriteok() {
	c.xwrite("ok")
}

// xwriteJSON writes v as a single line of JSON.
func (c *ctl) xwriteJSON(v any) {
	buf, err := json.Marshal(v)
	c.xcheck(err, "marshal json")
	c.xwrite(string(buf))
}

func xparseJSON(xctl *ctl, s string, v any) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	xctl.xcheck(err, "parsing from ctl as json")
}

// ctlVerdict is the DMARC outcome of an incoming message as sent over ctl.
// Domains and addresses are strings, the DMARC record is its TXT record text.
type ctlVerdict struct {
	Domain          string // Where the DMARC record was found.
	Record          string // Empty if there was no record.
	RemoteIP        string
	EHLODomain      string
	MailFrom        string // Empty for the null sender.
	RcptTo          []string
	HeaderFrom      string // Domain of message From header.
	Disposition     dmarcrpt.Disposition
	AlignedDKIMPass bool
	AlignedSPFPass  bool
	ARCPass         bool

	DKIMResults       []dmarcrpt.DKIMAuthResult
	SPFHeloResult     dmarcrpt.SPFResult
	SPFMailFromResult dmarcrpt.SPFResult

	ArrivalDate time.Time
	AuthResults string
	FailedDKIM  *dmarcrpt.FailureDKIM
	SPFDNS      string
	Headers     []byte
}

func parseOptDomain(s, what string) (dns.Domain, error) {
	if s == "" {
		return dns.Domain{}, nil
	}
	d, err := dns.ParseDomain(s)
	if err != nil {
		return d, fmt.Errorf("parsing %s: %w", what, err)
	}
	return d, nil
}

// verdict parses the fields of cv into a dmarcdb.Verdict.
func (cv ctlVerdict) verdict() (v dmarcdb.Verdict, err error) {
	v = dmarcdb.Verdict{
		MailFrom:          cv.MailFrom,
		RcptTo:            cv.RcptTo,
		Disposition:       cv.Disposition,
		AlignedDKIMPass:   cv.AlignedDKIMPass,
		AlignedSPFPass:    cv.AlignedSPFPass,
		ARCPass:           cv.ARCPass,
		DKIMResults:       cv.DKIMResults,
		SPFHeloResult:     cv.SPFHeloResult,
		SPFMailFromResult: cv.SPFMailFromResult,
		ArrivalDate:       cv.ArrivalDate,
		AuthResults:       cv.AuthResults,
		FailedDKIM:        cv.FailedDKIM,
		SPFDNS:            cv.SPFDNS,
		Headers:           cv.Headers,
	}
	if v.Domain, err = dns.ParseDomain(cv.Domain); err != nil {
		return v, fmt.Errorf("parsing policy domain: %w", err)
	}
	if cv.Record != "" {
		if v.Record, _, err = dmarc.ParseRecord(cv.Record); err != nil {
			return v, fmt.Errorf("parsing dmarc record: %w", err)
		}
	}
	if v.RemoteIP = net.ParseIP(cv.RemoteIP); v.RemoteIP == nil {
		return v, fmt.Errorf("bad remote ip %q", cv.RemoteIP)
	}
	if v.EHLODomain, err = parseOptDomain(cv.EHLODomain, "ehlo domain"); err != nil {
		return v, err
	}
	if v.HeaderFrom, err = parseOptDomain(cv.HeaderFrom, "message from domain"); err != nil {
		return v, err
	}
	if cv.MailFrom != "" {
		addr, err := smtp.ParseAddress(cv.MailFrom)
		if err != nil {
			return v, fmt.Errorf("parsing mail from: %w", err)
		}
		v.MailFromDomain = addr.Domain
	}
	if len(cv.RcptTo) > 0 {
		addr, err := smtp.ParseAddress(cv.RcptTo[0])
		if err != nil {
			return v, fmt.Errorf("parsing rcpt to: %w", err)
		}
		v.RcptDomain = addr.Domain
	}
	return v, nil
}

// servectl handles commands on a ctl connection until it is closed.
func servectl(ctx context.Context, log mlog.Log, conn net.Conn, r *dmarcdb.Reporter) {
	log.Debug("ctl connection")

	var stop = struct{}{} // Sentinel value for panic and recover.
	xctl := &ctl{conn: conn, x: stop, log: log}
	defer func() {
		x := recover()
		if x == nil || x == stop {
			return
		}
		log.Error("servectl panic", slog.Any("err", x), slog.String("cmd", xctl.cmd))
		debug.PrintStack()
		metrics.PanicInc("ctl")
	}()

	defer func() {
		err := conn.Close()
		log.Check(err, "close ctl connection")
	}()

	xctl.xwrite("ctlv0")
	for {
		servectlcmd(ctx, xctl, r)
	}
}

func servectlcmd(ctx context.Context, xctl *ctl, r *dmarcdb.Reporter) {
	log := xctl.log
	cmd := xctl.xread()
	xctl.cmd = cmd
	log.Debug("ctl command", slog.String("cmd", cmd))
	switch cmd {
	case "process":
		/* The protocol, double quoted are literals.

		> "process"
		> verdict as json
		< "ok" or error
		*/

		var cv ctlVerdict
		xparseJSON(xctl, xctl.xread(), &cv)
		v, err := cv.verdict()
		xctl.xcheck(err, "parsing verdict")
		r.Process(ctx, log.WithCid(mox.Cid()), v)
		xctl.xwriteok()

	case "windows":
		/*
			> "windows"
			< "ok" or error
			< windows as json
		*/

		l, err := r.Windows(ctx)
		xctl.xcheck(err, "listing windows")
		xctl.xwriteok()
		xctl.xwriteJSON(l)

	default:
		log.Info("unrecognized command", slog.String("cmd", cmd))
		xctl.xwrite("unrecognized command")
		return
	}
}

// ctlcmdProcess sends a verdict to a running moxreport.
func ctlcmdProcess(ctl *ctl, cv ctlVerdict) {
	ctl.xwrite("process")
	ctl.xwriteJSON(cv)
	ctl.xreadok()
}

func ctlcmdWindows(ctl *ctl) []dmarcdb.WindowInfo {
	ctl.xwrite("windows")
	ctl.xreadok()
	var l []dmarcdb.WindowInfo
	err := json.Unmarshal([]byte(ctl.xread()), &l)
	ctl.xcheck(err, "parsing windows")
	return l
}

func cmdDMARCProcess(c *cmd) {
	c.help = `Hand the DMARC verdict for an incoming message to a running moxreport.

The verdict is read from stdin as JSON, with fields Domain, Record (DMARC
TXT record), RemoteIP, EHLODomain, MailFrom, RcptTo, HeaderFrom, Disposition,
AlignedDKIMPass, AlignedSPFPass, ARCPass, DKIMResults, SPFHeloResult,
SPFMailFromResult, and for failure reports ArrivalDate, AuthResults,
FailedDKIM, SPFDNS and Headers (base64).

A failure report is sent if the record requests one, and the evaluation is
added to the window for an aggregate report. SMTP servers typically keep a
ctl connection open and write "process" commands for each message.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig()

	var cv ctlVerdict
	dec := json.NewDecoder(io.LimitReader(os.Stdin, 10*1024*1024))
	dec.DisallowUnknownFields()
	err := dec.Decode(&cv)
	xcheckf(err, "parsing verdict from stdin")
	ctlcmdProcess(xctl(), cv)
}
