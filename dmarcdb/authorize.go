package dmarcdb

import (
	"context"
	"log/slog"

	"github.com/mjl-/moxreport/dmarc"
	"github.com/mjl-/moxreport/dns"
	"github.com/mjl-/moxreport/mlog"
	"github.com/mjl-/moxreport/smtp"
)

// Recipient is a verified report destination.
type Recipient struct {
	Address smtp.Address
	MaxSize int64 // Maximum message size from "!size" in the URI, 0 for no limit.
}

// Authorizer turns the report URIs from a DMARC record into the recipients
// that may receive reports for domain. Failure is set for "ruf" addresses,
// and cleared for "rua" addresses. If ok is false, verification could not be
// completed, e.g. due to a DNS failure.
type Authorizer interface {
	Verify(ctx context.Context, log mlog.Log, domain dns.Domain, uris []dmarc.URI, failure bool) (rcpts []Recipient, ok bool)
}

// DNSAuthorizer verifies report addresses in other organizational domains
// through "<domain>._report._dmarc.<destination>" TXT records.
type DNSAuthorizer struct {
	Resolver dns.Resolver
}

var _ Authorizer = DNSAuthorizer{}

// NewDNSAuthorizer returns an authorizer using resolver for verification
// lookups.
func NewDNSAuthorizer(resolver dns.Resolver) DNSAuthorizer {
	return DNSAuthorizer{resolver}
}

// parseRecipient parses the mailto URI from a DMARC record. Other schemes are
// not supported.
func parseRecipient(log mlog.Log, uri dmarc.URI) (Recipient, bool) {
	addr, err := smtp.ParseMailtoURI(uri.Address)
	if err != nil {
		log.Debugx("parsing report uri from dmarc record, skipping", err, slog.String("uri", uri.Address))
		return Recipient{}, false
	}
	return Recipient{addr, uri.MaxBytes()}, true
}

// Verify returns the recipients for uris. Addresses in the same
// organizational domain as domain are used as is. Others must have opted in
// to receiving reports for domain. An opt-in record can specify replacement
// addresses, which are only used when in the same host as the original. They
// are taken from the tag of the same kind: "ruf" for failure reports, "rua"
// otherwise. A temporary DNS error for any address fails the whole
// verification.
func (a DNSAuthorizer) Verify(ctx context.Context, log mlog.Log, domain dns.Domain, uris []dmarc.URI, failure bool) ([]Recipient, bool) {
	orgDom := dns.OrganizationalDomain(domain)

	var rcpts []Recipient
	seen := map[string]bool{}
	add := func(r Recipient) {
		k := r.Address.String()
		if !seen[k] {
			seen[k] = true
			rcpts = append(rcpts, r)
		}
	}

	for _, uri := range uris {
		r, ok := parseRecipient(log, uri)
		if !ok {
			continue
		}

		if dns.OrganizationalDomain(r.Address.Domain) == orgDom {
			add(r)
			continue
		}

		// ../rfc/7489:1556
		accepts, status, records, _, _, err := dmarc.LookupExternalReportsAccepted(ctx, log, a.Resolver, domain, r.Address.Domain)
		if status == dmarc.StatusTemperror {
			log.Errorx("verifying external report destination", err,
				slog.Any("policydomain", domain),
				slog.Any("destination", r.Address.Domain))
			return nil, false
		}
		if !accepts {
			log.Info("external report destination did not opt in to reports, skipping",
				slog.Any("policydomain", domain),
				slog.String("address", r.Address.String()))
			continue
		}

		// ../rfc/7489:1600
		replaced := false
		for _, record := range records {
			replacements := record.AggregateReportAddresses
			if failure {
				replacements = record.FailureReportAddresses
			}
			for _, exturi := range replacements {
				extr, ok := parseRecipient(log, exturi)
				if !ok {
					continue
				}
				if extr.Address.Domain != r.Address.Domain {
					log.Debug("replacement report address has different host, ignoring",
						slog.String("address", r.Address.String()),
						slog.String("replacement", extr.Address.String()))
					continue
				}
				replaced = true
				add(extr)
			}
		}
		if !replaced {
			add(r)
		}
	}
	return rcpts, true
}
