package dmarc

import (
	"fmt"
	"strings"

	"github.com/spaolacci/murmur3"
)

// Policy as used in DMARC DNS record for "p=" or "sp=".
type DMARCPolicy string

// ../rfc/7489:1157

const (
	PolicyEmpty      DMARCPolicy = "" // Only for the optional Record.SubdomainPolicy.
	PolicyNone       DMARCPolicy = "none"
	PolicyQuarantine DMARCPolicy = "quarantine"
	PolicyReject     DMARCPolicy = "reject"
)

// URI is a destination address for reporting.
type URI struct {
	Address string // Should start with "mailto:".
	MaxSize uint64 // Optional maximum message size, subject to Unit.
	Unit    string // "" (b), "k", "m", "g", "t" (case insensitive), unit size, where k is 2^10 etc.
}

// String returns a string representation of the URI for inclusion in a DMARC
// record.
func (u URI) String() string {
	s := u.Address
	s = strings.ReplaceAll(s, ",", "%2C")
	s = strings.ReplaceAll(s, "!", "%21")
	if u.MaxSize > 0 {
		s += fmt.Sprintf("!%d", u.MaxSize)
	}
	s += u.Unit
	return s
}

// MaxBytes returns the maximum message size in bytes the destination accepts,
// or 0 if there is no limit.
func (u URI) MaxBytes() int64 {
	if u.MaxSize == 0 {
		return 0
	}
	n := int64(u.MaxSize)
	switch u.Unit {
	case "k":
		n <<= 10
	case "m":
		n <<= 20
	case "g":
		n <<= 30
	case "t":
		n <<= 40
	}
	if n <= 0 {
		// Overflow, treat as unlimited.
		return 0
	}
	return n
}

// ../rfc/7489:1127

// Align specifies the required alignment of a domain name.
type Align string

const (
	AlignStrict  Align = "s" // Strict requires an exact domain name match.
	AlignRelaxed Align = "r" // Relaxed requires either an exact or subdomain name match.
)

// Record is a DNS policy or reporting record.
//
// Example:
//
//	v=DMARC1; p=reject; rua=mailto:postmaster@mox.example
type Record struct {
	Version                    string      // "v=DMARC1"
	Policy                     DMARCPolicy // Required, for "p=".
	SubdomainPolicy            DMARCPolicy // Like policy but for subdomains. Optional, for "sp=".
	AggregateReportAddresses   []URI       // Optional, for "rua=".
	FailureReportAddresses     []URI       // Optional, for "ruf="
	ADKIM                      Align       // "r" (default) for relaxed or "s" for simple. For "adkim=".
	ASPF                       Align       // "r" (default) for relaxed or "s" for simple. For "aspf=".
	AggregateReportingInterval int         // Default 86400. For "ri="
	FailureReportingOptions    []string    // "0" (default), "1", "d", "s". For "fo=".
	ReportingFormat            []string    // "afrf" (default). For "rf=".
	Percentage                 int         // Between 0 and 100, default 100. For "pct=".
}

// DefaultRecord holds the defaults for a DMARC record.
var DefaultRecord = Record{
	Version:                    "DMARC1",
	ADKIM:                      "r",
	ASPF:                       "r",
	AggregateReportingInterval: 86400,
	FailureReportingOptions:    []string{"0"},
	ReportingFormat:            []string{"afrf"},
	Percentage:                 100,
}

// String returns the DMARC record for use as DNS TXT record.
func (r Record) String() string {
	b := &strings.Builder{}
	b.WriteString("v=" + r.Version)

	wrote := false
	write := func(do bool, tag, value string) {
		if do {
			fmt.Fprintf(b, ";%s=%s", tag, value)
			wrote = true
		}
	}
	write(r.Policy != "", "p", string(r.Policy))
	write(r.SubdomainPolicy != "", "sp", string(r.SubdomainPolicy))
	if len(r.AggregateReportAddresses) > 0 {
		l := make([]string, len(r.AggregateReportAddresses))
		for i, a := range r.AggregateReportAddresses {
			l[i] = a.String()
		}
		s := strings.Join(l, ",")
		write(true, "rua", s)
	}
	if len(r.FailureReportAddresses) > 0 {
		l := make([]string, len(r.FailureReportAddresses))
		for i, a := range r.FailureReportAddresses {
			l[i] = a.String()
		}
		s := strings.Join(l, ",")
		write(true, "ruf", s)
	}
	write(r.ADKIM != "" && r.ADKIM != "r", "adkim", string(r.ADKIM))
	write(r.ASPF != "" && r.ASPF != "r", "aspf", string(r.ASPF))
	write(r.AggregateReportingInterval != DefaultRecord.AggregateReportingInterval, "ri", fmt.Sprintf("%d", r.AggregateReportingInterval))
	if len(r.FailureReportingOptions) > 1 || len(r.FailureReportingOptions) == 1 && r.FailureReportingOptions[0] != "0" {
		write(true, "fo", strings.Join(r.FailureReportingOptions, ":"))
	}
	if len(r.ReportingFormat) > 1 || len(r.ReportingFormat) == 1 && !strings.EqualFold(r.ReportingFormat[0], "afrf") {
		write(true, "rf", strings.Join(r.ReportingFormat, ":"))
	}
	write(r.Percentage != 100, "pct", fmt.Sprintf("%d", r.Percentage))

	if !wrote {
		b.WriteString(";")
	}
	return b.String()
}

// Hash returns a 64-bit hash of the record in its canonical text form. A
// change to any tag of a published record gives a different hash.
func (r Record) Hash() uint64 {
	return murmur3.Sum64([]byte(r.String()))
}

// ReportOn is the failure reporting option from "fo=", reduced to the
// condition under which a failure report is requested.
type ReportOn string

const (
	ReportAll     ReportOn = "0"   // Report when all mechanisms failed to produce an aligned pass. The default.
	ReportAny     ReportOn = "1"   // Report when any mechanism failed to produce an aligned pass.
	ReportDKIM    ReportOn = "d"   // Report on DKIM failure.
	ReportSPF     ReportOn = "s"   // Report on SPF failure.
	ReportDKIMSPF ReportOn = "d:s" // Report on DKIM or SPF failure.
)

// ReportOn returns the failure reporting condition for the record.
func (r Record) ReportOn() ReportOn {
	var d, s bool
	for _, o := range r.FailureReportingOptions {
		switch o {
		case "1":
			return ReportAny
		case "d":
			d = true
		case "s":
			s = true
		}
	}
	switch {
	case d && s:
		return ReportDKIMSPF
	case d:
		return ReportDKIM
	case s:
		return ReportSPF
	}
	return ReportAll
}

// FailureReportRequested returns the reporting condition and whether the
// record asks for a failure report for a message where DKIM and/or SPF did
// not result in an aligned pass.
func (r Record) FailureReportRequested(dkimFailed, spfFailed bool) (ReportOn, bool) {
	ro := r.ReportOn()
	if len(r.FailureReportAddresses) == 0 || !dkimFailed && !spfFailed {
		return ro, false
	}
	switch ro {
	case ReportAll:
		return ro, dkimFailed && spfFailed
	case ReportDKIM:
		return ro, dkimFailed
	case ReportSPF:
		return ro, spfFailed
	}
	return ro, true
}

// IncludeDKIM returns whether DKIM failure details are reported.
func (ro ReportOn) IncludeDKIM() bool {
	return ro != ReportSPF
}

// IncludeSPF returns whether SPF failure details are reported.
func (ro ReportOn) IncludeSPF() bool {
	return ro != ReportDKIM
}
