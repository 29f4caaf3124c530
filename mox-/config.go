package mox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mjl-/sconf"

	"github.com/mjl-/moxreport/config"
	"github.com/mjl-/moxreport/dns"
	"github.com/mjl-/moxreport/exprconf"
	"github.com/mjl-/moxreport/mlog"
	"github.com/mjl-/moxreport/ratelimit"
)

var pkglog = mlog.New("mox", nil)

// Config path is set early in program startup.
var (
	ConfigStaticPath string
	Conf             = Config{Log: map[string]slog.Level{"": slog.LevelError}}
)

var ErrConfig = errors.New("config error")

// Config as used in the code, a processed version of what is in the config file.
type Config struct {
	Static config.Static // Does not change during the lifetime of a running instance.

	Log map[string]slog.Level // Log levels per package, "" is the default.
}

// MustLoadConfig loads the config, quitting on errors.
func MustLoadConfig() {
	errs := LoadConfig(context.Background(), pkglog)
	if len(errs) > 1 {
		pkglog.Error("loading config file: multiple errors")
		for _, err := range errs {
			pkglog.Errorx("config error", err)
		}
		pkglog.Fatal("stopping after multiple config errors")
	} else if len(errs) == 1 {
		pkglog.Fatalx("loading config file", errs[0])
	}
}

// LoadConfig attempts to parse and load a config, returning any errors
// encountered.
func LoadConfig(ctx context.Context, log mlog.Log) []error {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
	Context, ContextCancel = context.WithCancel(context.Background())

	c, errs := ParseConfig(ctx, log, ConfigStaticPath)
	if len(errs) > 0 {
		return errs
	}

	mlog.SetConfig(c.Log)
	SetConfig(c)
	return nil
}

// SetConfig sets a new config. Not to be used during normal operation.
func SetConfig(c *Config) {
	Conf = *c
}

// ParseConfig parses the static config at path p.
func ParseConfig(ctx context.Context, log mlog.Log, p string) (c *Config, errs []error) {
	c = &Config{
		Static: config.Static{
			DataDir: ".",
		},
	}

	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) && os.Getenv("MOXREPORTCONF") == "" {
			return nil, []error{fmt.Errorf("open config file: %v (hint: use moxreport -config ... or set MOXREPORTCONF=...)", err)}
		}
		return nil, []error{fmt.Errorf("open config file: %v", err)}
	}
	defer f.Close()
	if err := sconf.Parse(f, &c.Static); err != nil {
		return nil, []error{fmt.Errorf("parsing %s%v", p, err)}
	}

	if xerrs := PrepareStaticConfig(ctx, log, p, c); len(xerrs) > 0 {
		return nil, xerrs
	}
	return c, nil
}

// PrepareStaticConfig parses the static config file and prepares data
// structures for starting moxreport: log levels, the parsed hostname and the
// compiled reporting expressions.
func PrepareStaticConfig(ctx context.Context, log mlog.Log, configFile string, conf *Config) (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	c := &conf.Static

	// Post-process logging config.
	if logLevel, ok := mlog.Levels[c.LogLevel]; ok {
		conf.Log = map[string]slog.Level{"": logLevel}
	} else {
		addErrorf("invalid log level %q", c.LogLevel)
	}
	for pkg, s := range c.PackageLogLevels {
		if logLevel, ok := mlog.Levels[s]; ok {
			conf.Log[pkg] = logLevel
		} else {
			addErrorf("invalid package log level %q", s)
		}
	}

	hostname, err := dns.ParseDomain(c.Hostname)
	if err != nil {
		addErrorf("parsing hostname: %s", err)
	} else if hostname.Name() != c.Hostname {
		addErrorf("hostname must be in unicode form %q instead of %q", hostname.Name(), c.Hostname)
	}
	c.HostnameDomain = hostname

	if c.DNS.CacheSize == 0 {
		c.DNS.CacheSize = config.DefaultDNSCacheSize
	} else if c.DNS.CacheSize < 0 {
		addErrorf("dns cache size must be positive")
	}
	if c.DNS.CacheTTL == 0 {
		c.DNS.CacheTTL = config.DefaultDNSCacheTTL
	}

	compile := func(what, src string) *exprconf.Expr {
		e, err := exprconf.Compile(src)
		if err != nil {
			addErrorf("%s: %v", what, err)
		}
		return e
	}

	r := &c.Reporting
	r.SubmitterExpr = compile("reporting submitter", r.Submitter)

	agg := &r.DMARCAggregate
	agg.SendExpr = compile("dmarc aggregate send", agg.Send)
	agg.MaxSizeExpr = compile("dmarc aggregate max size", agg.MaxSize)
	agg.OrgNameExpr = compile("dmarc aggregate org name", agg.OrgName)
	agg.ContactInfoExpr = compile("dmarc aggregate contact info", agg.ContactInfo)
	agg.AddressExpr = compile("dmarc aggregate address", agg.Address)
	agg.NameExpr = compile("dmarc aggregate name", agg.Name)
	if agg.SendExpr == nil {
		addErrorf("dmarc aggregate send must be set, e.g. \"daily\" or \"never\"")
	}
	if agg.SweepInterval == 0 {
		agg.SweepInterval = config.DefaultSweepInterval
	} else if agg.SweepInterval < time.Second {
		addErrorf("dmarc aggregate sweep interval %v too small, must be at least 1s", agg.SweepInterval)
	}

	// Expressions are checked against an example domain, catching typos at
	// startup instead of when the first report is due.
	sample := exprconf.Env{Domain: "example.org", Hostname: hostname.ASCII, RemoteIP: "192.0.2.1", FromDomain: "example.org"}
	if agg.SendExpr != nil {
		if v, err := agg.SendExpr.Eval(sample); err != nil {
			addErrorf("dmarc aggregate send: %v", err)
		} else if s, ok := v.(string); !ok || s != "never" && exprconf.Frequencies[s] == 0 {
			addErrorf("dmarc aggregate send: unknown frequency %v, must be never, hourly, daily or weekly", v)
		}
	}

	fail := &r.DMARCFailure
	fail.SendExpr = compile("dmarc failure send", fail.Send)
	fail.AddressExpr = compile("dmarc failure address", fail.Address)
	fail.NameExpr = compile("dmarc failure name", fail.Name)
	fail.SubjectExpr = compile("dmarc failure subject", fail.Subject)
	if fail.SendExpr != nil {
		if v, err := fail.SendExpr.Eval(sample); err != nil {
			addErrorf("dmarc failure send: %v", err)
		} else if s, ok := v.(string); !ok {
			addErrorf("dmarc failure send: rate must be a string like \"1/1d\", got %v", v)
		} else if _, err := ratelimit.ParseRate(s); err != nil {
			addErrorf("dmarc failure send: %v", err)
		}
	}

	if c.DataDir == "" {
		c.DataDir = "."
	}
	log.Debug("config prepared", slog.String("datadir", configDirPath(configFile, c.DataDir)), slog.Any("hostname", hostname))

	return errs
}
