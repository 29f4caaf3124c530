package mox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/moxreport/exprconf"
	"github.com/mjl-/moxreport/mlog"
)

var pkglogTest = mlog.New("mox", nil)

func writeConfig(t *testing.T, text string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "moxreport.conf")
	err := os.WriteFile(p, []byte(text), 0660)
	if err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return p
}

func TestParseConfig(t *testing.T) {
	p := writeConfig(t, `DataDir: data
LogLevel: info
PackageLogLevels:
	dmarcdb: debug
Hostname: mail.example.org
Reporting:
	DMARCAggregate:
		Send: domain endsWith ".example" ? "hourly" : "daily"
		MaxSize: 1024*1024
	DMARCFailure:
		Send: "1/1d"
`)
	c, errs := ParseConfig(context.Background(), pkglogTest, p)
	if len(errs) > 0 {
		t.Fatalf("parse config: %v", errs)
	}
	if c.Static.HostnameDomain.ASCII != "mail.example.org" {
		t.Fatalf("hostname %v", c.Static.HostnameDomain)
	}
	if c.Log["dmarcdb"] != mlog.LevelDebug || c.Log[""] != mlog.LevelInfo {
		t.Fatalf("log levels %v", c.Log)
	}
	if c.Static.Reporting.DMARCAggregate.SweepInterval != 5*time.Minute {
		t.Fatalf("default sweep interval not set")
	}
	agg := c.Static.Reporting.DMARCAggregate
	if s, ok := agg.SendExpr.String(pkglogTest, envFor("a.example")); !ok || s != "hourly" {
		t.Fatalf("send for a.example: %q %v", s, ok)
	}
	if s, ok := agg.SendExpr.String(pkglogTest, envFor("example.org")); !ok || s != "daily" {
		t.Fatalf("send for example.org: %q %v", s, ok)
	}
	if n, ok := agg.MaxSizeExpr.Int64(pkglogTest, envFor("example.org")); !ok || n != 1024*1024 {
		t.Fatalf("max size %d %v", n, ok)
	}
	if agg.OrgNameExpr != nil {
		t.Fatalf("absent org name should be nil expression")
	}
}

func TestParseConfigErrors(t *testing.T) {
	p := writeConfig(t, `DataDir: data
LogLevel: bogus
Hostname: mail.example.org
Reporting:
	DMARCAggregate:
		Send: "monthly"
	DMARCFailure:
		Send: "1/0s"
`)
	_, errs := ParseConfig(context.Background(), pkglogTest, p)
	if len(errs) != 3 {
		t.Fatalf("got errors %v, expected 3", errs)
	}
	var msgs []string
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	all := strings.Join(msgs, "\n")
	for _, s := range []string{"invalid log level", "unknown frequency", "period must be positive"} {
		if !strings.Contains(all, s) {
			t.Fatalf("missing error %q in %s", s, all)
		}
	}
}

func envFor(domain string) exprconf.Env {
	return exprconf.Env{Domain: domain, Hostname: "mail.example.org"}
}
