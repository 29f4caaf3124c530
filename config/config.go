package config

import (
	"time"

	"github.com/mjl-/moxreport/dns"
	"github.com/mjl-/moxreport/exprconf"
)

// Default values for reporting, used when an expression is absent or does not
// evaluate to a value.
const (
	DefaultReportAddress  = "MAILER-DAEMON@localhost"
	DefaultReportName     = "Mail Delivery Subsystem"
	DefaultFailureSubject = "DMARC Report"
	DefaultMaxReportSize  = 25 * 1024 * 1024
	DefaultSweepInterval  = 5 * time.Minute
	DefaultDNSCacheSize   = 4096
	DefaultDNSCacheTTL    = 5 * time.Minute
)

// Static is a parsed form of the moxreport.conf configuration file, before
// converting it into a mox.Config after additional processing.
type Static struct {
	DataDir          string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where all data is stored: the window database with accumulated DMARC evaluations, the suppression list and the queue of outgoing report messages. If this is a relative path, it is relative to the directory of moxreport.conf."`
	LogLevel         string            `sconf-doc:"Default log level, one of: error, info, debug, trace."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. dmarcdb, dmarc, dns, queue)."`
	Hostname         string            `sconf-doc:"Full hostname of system, e.g. mail.<domain>. Used as submitter in reports and in Message-Id headers."`
	HostnameDomain   dns.Domain        `sconf:"-" json:"-"` // Parsed form of hostname.
	MetricsListen    string            `sconf:"optional" sconf-doc:"Address to serve Prometheus metrics on at /metrics, e.g. localhost:8010. If empty, metrics are not served."`
	DNS              DNS               `sconf:"optional" sconf-doc:"DNS resolving of report destination verification records."`
	Reporting        Reporting         `sconf-doc:"Outgoing DMARC reports. Most values are expressions, see below."`
}

// DNS configures the TXT lookup cache.
type DNS struct {
	CacheSize int           `sconf:"optional" sconf-doc:"Maximum number of cached TXT responses. Default 4096."`
	CacheTTL  time.Duration `sconf:"optional" sconf-doc:"Duration for which TXT responses are cached. Default 5m."`
}

// Reporting holds the configuration for outgoing DMARC reports.
//
// Values described as expression are evaluated per report with variables
// "domain" (the policy domain), "hostname" and, for failure reports,
// "remote_ip" and "from_domain". A literal value like "daily" must be
// quoted: "daily". Numbers don't need quotes.
type Reporting struct {
	Submitter      string         `sconf:"optional" sconf-doc:"Expression for the submitter domain in aggregate reports. Default: hostname."`
	DMARCAggregate DMARCAggregate `sconf-doc:"Aggregate reports, sent periodically to rua addresses."`
	DMARCFailure   DMARCFailure   `sconf:"optional" sconf-doc:"Failure reports, sent immediately to ruf addresses."`

	SubmitterExpr *exprconf.Expr `sconf:"-" json:"-"`
}

// DMARCAggregate configures aggregate reports.
type DMARCAggregate struct {
	Send          string        `sconf-doc:"Expression for the aggregation interval, one of \"never\", \"hourly\", \"daily\", \"weekly\"."`
	MaxSize       string        `sconf:"optional" sconf-doc:"Expression for the maximum size of the XML report in bytes. Records are left out of the report when the size would be exceeded. Default 25MB."`
	OrgName       string        `sconf:"optional" sconf-doc:"Expression for the organization name in reports."`
	ContactInfo   string        `sconf:"optional" sconf-doc:"Expression for extra contact information in reports."`
	Address       string        `sconf:"optional" sconf-doc:"Expression for the address to send reports from. Default MAILER-DAEMON@localhost."`
	Name          string        `sconf:"optional" sconf-doc:"Expression for the display name of the from address. Default \"Mail Delivery Subsystem\"."`
	Sign          []string      `sconf:"optional" sconf-doc:"DKIM selectors to sign reports with, passed to the delivery pipeline."`
	SweepInterval time.Duration `sconf:"optional" sconf-doc:"Interval for checking for windows that are due for delivery. Default 5m."`

	SendExpr        *exprconf.Expr `sconf:"-" json:"-"`
	MaxSizeExpr     *exprconf.Expr `sconf:"-" json:"-"`
	OrgNameExpr     *exprconf.Expr `sconf:"-" json:"-"`
	ContactInfoExpr *exprconf.Expr `sconf:"-" json:"-"`
	AddressExpr     *exprconf.Expr `sconf:"-" json:"-"`
	NameExpr        *exprconf.Expr `sconf:"-" json:"-"`
}

// DMARCFailure configures failure reports.
type DMARCFailure struct {
	Send    string   `sconf:"optional" sconf-doc:"Expression for the rate at which failure reports are sent to a single report address, e.g. \"1/1d\" for one per day. If absent, no failure reports are sent."`
	Address string   `sconf:"optional" sconf-doc:"Expression for the address to send failure reports from. Default MAILER-DAEMON@localhost."`
	Name    string   `sconf:"optional" sconf-doc:"Expression for the display name of the from address."`
	Subject string   `sconf:"optional" sconf-doc:"Expression for the subject of failure report messages. Default \"DMARC Report\"."`
	Sign    []string `sconf:"optional" sconf-doc:"DKIM selectors to sign failure reports with."`

	SendExpr    *exprconf.Expr `sconf:"-" json:"-"`
	AddressExpr *exprconf.Expr `sconf:"-" json:"-"`
	NameExpr    *exprconf.Expr `sconf:"-" json:"-"`
	SubjectExpr *exprconf.Expr `sconf:"-" json:"-"`
}
