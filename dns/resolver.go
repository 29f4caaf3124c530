package dns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/adns"

	"github.com/mjl-/moxreport/mlog"
)

func init() {
	net.DefaultResolver.StrictErrors = true
}

var metricLookup = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "moxreport_dns_lookup_duration_seconds",
		Help:    "DNS TXT lookups for DMARC records, by package and result.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30},
	},
	[]string{
		"pkg",
		"result", // ok, nxdomain, temporary, timeout, canceled, error
	},
)

// Resolver looks up TXT records. DMARC policies and the "_report._dmarc"
// opt-in records of external report destinations are all TXT records.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, adns.Result, error)
}

// WithPackage returns resolver with Pkg set to name for metrics and logging,
// if it is a StrictResolver without package.
func WithPackage(resolver Resolver, name string) Resolver {
	if r, ok := resolver.(StrictResolver); ok && r.Pkg == "" {
		r.Pkg = name
		return r
	}
	return resolver
}

// StrictResolver does lookups through adns, and only for absolute names
// (ending with a dot), so the search domains of the system resolver are never
// appended.
type StrictResolver struct {
	Pkg      string         // Package doing the lookups, for metrics and logging.
	Resolver *adns.Resolver // If nil, adns.DefaultResolver.
	Log      *slog.Logger
}

var _ Resolver = StrictResolver{}

var ErrRelativeDNSName = errors.New("dns: name to lookup must be absolute, ending with a dot")

// lookupResult classifies err for the lookup metric.
func lookupResult(err error) string {
	if err == nil {
		return "ok"
	}
	var dnsErr *adns.DNSError
	isDNS := errors.As(err, &dnsErr)
	if isDNS && dnsErr.IsNotFound {
		return "nxdomain"
	} else if isDNS && dnsErr.IsTemporary {
		return "temporary"
	} else if isDNS && dnsErr.IsTimeout || errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	} else if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return "error"
}

// withHint adds a hint to a connection refused error from a local nameserver,
// the usual symptom of a missing or stopped resolver.
func withHint(err error) error {
	dnsErr, ok := err.(*adns.DNSError)
	if !ok || !dnsErr.IsTemporary || runtime.GOOS != "linux" || !strings.HasSuffix(dnsErr.Err, "connection refused") {
		return err
	}
	if dnsErr.Server == "127.0.0.1:53" || dnsErr.Server == "[::1]:53" {
		return fmt.Errorf("%w (hint: does /etc/resolv.conf point to a running nameserver?)", err)
	}
	return err
}

// LookupTXT looks up TXT records for name, which must be absolute.
func (r StrictResolver) LookupTXT(ctx context.Context, name string) (resp []string, result adns.Result, err error) {
	pkg := r.Pkg
	if pkg == "" {
		pkg = "dns"
	}
	start := time.Now()
	defer func() {
		metricLookup.WithLabelValues(pkg, lookupResult(err)).Observe(float64(time.Since(start)) / float64(time.Second))
		mlog.New(pkg, r.Log).WithContext(ctx).Debugx("dns txt lookup", err,
			slog.String("name", name),
			slog.Any("resp", resp),
			slog.Bool("authentic", result.Authentic),
			slog.Duration("duration", time.Since(start)))
	}()

	if !strings.HasSuffix(name, ".") {
		return nil, result, ErrRelativeDNSName
	}
	resolver := r.Resolver
	if resolver == nil {
		resolver = adns.DefaultResolver
	}
	resp, result, err = resolver.LookupTXT(ctx, name)
	return resp, result, withHint(err)
}
