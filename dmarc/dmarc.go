// Package dmarc implements parsing and looking up DMARC (Domain-based Message
// Authentication, Reporting, and Conformance; RFC 7489) records.
//
// A DMARC policy published in DNS as TXT record under "_dmarc.<domain>" can ask
// for feedback about evaluations by other email servers: aggregate reports
// ("rua=") and failure reports ("ruf="). This package parses those records,
// and verifies that external report destinations have opted in to receiving
// reports for a domain.
package dmarc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mjl-/moxreport/dns"
	"github.com/mjl-/moxreport/mlog"
)

// link errata:
// ../rfc/7489-eid5440 ../rfc/7489:1585

// Lookup errors.
var (
	ErrNoRecord        = errors.New("dmarc: no dmarc dns record")
	ErrMultipleRecords = errors.New("dmarc: multiple dmarc dns records") // Must also be treated as if domain does not implement DMARC.
	ErrDNS             = errors.New("dmarc: dns lookup")
	ErrSyntax          = errors.New("dmarc: malformed dmarc dns record")
)

// Status is the result of a DMARC lookup or evaluation, for use in an
// Authentication-Results header.
type Status string

// ../rfc/7489:2339

const (
	StatusNone      Status = "none"      // No DMARC TXT DNS record found.
	StatusPass      Status = "pass"      // SPF and/or DKIM pass with identifier alignment.
	StatusFail      Status = "fail"      // Either both SPF and DKIM failed or identifier did not align with a pass.
	StatusTemperror Status = "temperror" // Typically a DNS lookup. A later attempt may results in a conclusion.
	StatusPermerror Status = "permerror" // Typically a malformed DMARC DNS record.
)

// Lookup looks up the DMARC policy for the domain in the message From header,
// at "_dmarc.<domain>". When the domain has no record, the organizational
// domain is tried next. The returned domain is where the record was found.
//
// rauthentic is set when all DNS responses were DNSSEC-verified.
func Lookup(ctx context.Context, log mlog.Log, resolver dns.Resolver, from dns.Domain) (status Status, domain dns.Domain, record *Record, txt string, rauthentic bool, rerr error) {
	start := time.Now()
	defer func() {
		log.Debugx("dmarc lookup result", rerr,
			slog.Any("fromdomain", from),
			slog.Any("status", status),
			slog.Any("domain", domain),
			slog.Any("record", record),
			slog.Duration("duration", time.Since(start)))
	}()

	// ../rfc/7489:859 ../rfc/7489:1370
	status, record, txt, rauthentic, rerr = lookupPolicy(ctx, resolver, from)
	if status != StatusNone || record != nil {
		return status, from, record, txt, rauthentic, rerr
	}

	// ../rfc/7489:761 ../rfc/7489:1377
	org := dns.OrganizationalDomain(from)
	if org == from {
		return status, from, nil, txt, rauthentic, rerr
	}
	status, record, txt, authentic, err := lookupPolicy(ctx, resolver, org)
	return status, org, record, txt, rauthentic && authentic, err
}

// lookupTXT returns the TXT records at name. A nonexistent name or a name
// without TXT records gives no records and no error.
func lookupTXT(ctx context.Context, resolver dns.Resolver, name string) ([]string, bool, error) {
	txts, result, err := dns.WithPackage(resolver, "dmarc").LookupTXT(ctx, name)
	if err != nil && !dns.IsNotFound(err) {
		return nil, result.Authentic, fmt.Errorf("%w: %s", ErrDNS, err)
	}
	return txts, result.Authentic, nil
}

func lookupPolicy(ctx context.Context, resolver dns.Resolver, domain dns.Domain) (Status, *Record, string, bool, error) {
	txts, authentic, err := lookupTXT(ctx, resolver, "_dmarc."+domain.ASCII+".")
	if err != nil {
		return StatusTemperror, nil, "", authentic, err
	}

	var record *Record
	var text string
	for _, txt := range txts {
		r, isdmarc, err := ParseRecord(txt)
		if !isdmarc {
			// Other TXT records at the name are ignored. ../rfc/7489:1374
			continue
		} else if err != nil {
			return StatusPermerror, nil, text, authentic, fmt.Errorf("%w: %s", ErrSyntax, err)
		} else if record != nil {
			// ../rfc/7489:1388
			return StatusNone, nil, "", authentic, ErrMultipleRecords
		}
		record, text = r, txt
	}
	if record == nil {
		return StatusNone, nil, "", authentic, ErrNoRecord
	}
	return StatusNone, record, text, authentic, nil
}

// LookupExternalReportsAccepted returns whether extDestDomain has opted in to
// receiving reports about dmarcDomain, the domain of the DMARC record, with a
// TXT record at "<dmarcDomain>._report._dmarc.<extDestDomain>".
//
// On a temporary DNS error, status is StatusTemperror and a later attempt may
// succeed. Without opt-in record, ErrNoRecord is returned, which is not a
// failure as such.
//
// The record "v=DMARC1" is accepted, though it is not a valid DMARC record,
// because RFC 7489 uses it in its examples.
func LookupExternalReportsAccepted(ctx context.Context, log mlog.Log, resolver dns.Resolver, dmarcDomain dns.Domain, extDestDomain dns.Domain) (accepts bool, status Status, records []*Record, txts []string, authentic bool, rerr error) {
	start := time.Now()
	defer func() {
		log.Debugx("dmarc externalreports result", rerr,
			slog.Bool("accepts", accepts),
			slog.Any("dmarcdomain", dmarcDomain),
			slog.Any("extdestdomain", extDestDomain),
			slog.Any("records", records),
			slog.Duration("duration", time.Since(start)))
	}()

	// ../rfc/7489:1566
	l, authentic, err := lookupTXT(ctx, resolver, dmarcDomain.ASCII+"._report._dmarc."+extDestDomain.ASCII+".")
	if err != nil {
		return false, StatusTemperror, nil, nil, authentic, err
	}
	for _, txt := range l {
		r, isdmarc, err := ParseRecordNoRequired(txt)
		if !isdmarc && txt == "v=DMARC1" {
			// ../rfc/7489-eid5440
			xr := DefaultRecord
			r, isdmarc, err = &xr, true, nil
		}
		if !isdmarc {
			// ../rfc/7489:1586
			continue
		}
		records = append(records, r)
		txts = append(txts, txt)
		if err != nil {
			return false, StatusPermerror, records, txts, authentic, fmt.Errorf("%w: %s", ErrSyntax, err)
		}
	}
	// Unlike policy records, multiple opt-in records are fine. ../rfc/7489:1593
	if len(records) == 0 {
		return false, StatusNone, nil, nil, authentic, ErrNoRecord
	}
	return true, StatusNone, records, txts, authentic, nil
}
