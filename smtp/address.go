// Package smtp has types for email addresses as used in SMTP, and parsing of
// the "mailto:" URIs that DMARC records use for report destinations.
package smtp

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/mjl-/moxreport/dns"
)

var (
	ErrBadAddress   = errors.New("invalid email address")
	ErrBadLocalpart = errors.New("invalid localpart")
)

// Localpart is a decoded local part of an email address, before the "@".
// Quoted strings are stored without the double quotes and escaping
// backslashes. An empty string can be a valid localpart.
type Localpart string

// String returns the localpart for use in SMTP and message headers: as
// dot-string if possible, otherwise as quoted-string. ../rfc/5321:2322
// ../rfc/6531:414
func (lp Localpart) String() string {
	if isDotString(string(lp)) {
		return string(lp)
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, c := range lp {
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	b.WriteByte('"')
	return b.String()
}

func isDotString(s string) bool {
	for _, atom := range strings.Split(s, ".") {
		if atom == "" || atomLen(atom) != len(atom) {
			return false
		}
	}
	return true
}

// IsInternational returns if this is an internationalized local part, i.e. has
// non-ASCII characters.
func (lp Localpart) IsInternational() bool {
	for _, c := range lp {
		if c > 0x7f {
			return true
		}
	}
	return false
}

// Address is a parsed email address.
type Address struct {
	Localpart Localpart
	Domain    dns.Domain
}

// NewAddress returns an address.
func NewAddress(localpart Localpart, domain dns.Domain) Address {
	return Address{localpart, domain}
}

func (a Address) IsZero() bool {
	return a == Address{}
}

// Pack returns the address in string form. If smtputf8 is true, the domain is
// formatted with non-ASCII characters. A localpart with non-ASCII characters
// is always returned as is.
func (a Address) Pack(smtputf8 bool) string {
	if a.IsZero() {
		return ""
	}
	return a.Localpart.String() + "@" + a.Domain.XName(smtputf8)
}

// String returns the address in string form with non-ASCII characters.
func (a Address) String() string {
	return a.Pack(true)
}

// ParseAddress parses an email address. UTF-8 is allowed.
// Returns ErrBadAddress for invalid addresses.
func ParseAddress(s string) (Address, error) {
	lp, rem, err := parseLocalpart(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %s", ErrBadAddress, err)
	}
	rem, ok := strings.CutPrefix(rem, "@")
	if !ok {
		return Address{}, fmt.Errorf("%w: expected @", ErrBadAddress)
	}
	d, err := dns.ParseDomain(rem)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %s", ErrBadAddress, err)
	}
	return Address{lp, d}, nil
}

// ParseLocalpart parses a localpart, UTF-8 is allowed. Returns ErrBadLocalpart
// for invalid localparts.
func ParseLocalpart(s string) (Localpart, error) {
	lp, rem, err := parseLocalpart(s)
	if err != nil {
		return "", err
	}
	if rem != "" {
		return "", fmt.Errorf("%w: remaining after localpart: %q", ErrBadLocalpart, rem)
	}
	return lp, nil
}

// parseLocalpart parses a dot-string or quoted-string at the start of s, and
// returns the remainder. ../rfc/5321:2316
func parseLocalpart(s string) (Localpart, string, error) {
	var lp, rem string
	var err error
	if quoted, ok := strings.CutPrefix(s, `"`); ok {
		lp, rem, err = parseQuoted(quoted)
	} else {
		lp, rem, err = parseDotString(s)
	}
	if err != nil {
		return "", "", fmt.Errorf("%w: %s", ErrBadLocalpart, err)
	}
	// Limit is 64 octets, but generated addresses in the wild are longer.
	// ../rfc/5321:3486
	if len(lp) > 128 {
		return "", "", fmt.Errorf("%w: localpart too long", ErrBadLocalpart)
	}
	return Localpart(lp), rem, nil
}

func parseDotString(s string) (string, string, error) {
	end := 0
	for {
		n := atomLen(s[end:])
		if n == 0 {
			return "", "", fmt.Errorf("expected atom at %q", s[end:])
		}
		end += n
		if end >= len(s) || s[end] != '.' {
			return s[:end], s[end:], nil
		}
		end++
	}
}

// parseQuoted parses the quoted-string in s, which starts after the opening
// double quote.
func parseQuoted(s string) (string, string, error) {
	var b strings.Builder
	esc := false
	for i, c := range s {
		switch {
		case esc:
			if c < ' ' || c >= 0x7f {
				return "", "", fmt.Errorf("bad escaped char %q", c)
			}
			b.WriteRune(c)
			esc = false
		case c == '\\':
			esc = true
		case c == '"':
			return b.String(), s[i+1:], nil
		case c >= ' ' && c < 0x7f || c > 0x7f:
			b.WriteRune(c)
		default:
			return "", "", fmt.Errorf("invalid character %q", c)
		}
	}
	return "", "", errors.New("missing closing double quote")
}

// atomLen returns the length of the atom at the start of s.
func atomLen(s string) int {
	for i, c := range s {
		if !isAtext(c) {
			return i
		}
	}
	return len(s)
}

func isAtext(c rune) bool {
	if c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c > 0x7f {
		return true
	}
	return strings.ContainsRune("!#$%&'*+-/=?^_`{|}~", c)
}

// ParseMailtoURI parses a "mailto:" URI as found in DMARC "rua=" and "ruf="
// tags, returning the single address. Query parameters are not allowed.
func ParseMailtoURI(s string) (Address, error) {
	if len(s) < len("mailto:") || !strings.EqualFold(s[:len("mailto:")], "mailto:") {
		return Address{}, fmt.Errorf("%w: not a mailto uri", ErrBadAddress)
	}
	addr := s[len("mailto:"):]
	if strings.Contains(addr, "?") {
		return Address{}, fmt.Errorf("%w: mailto uri with parameters", ErrBadAddress)
	}
	if ua, err := url.PathUnescape(addr); err == nil {
		addr = ua
	}
	return ParseAddress(addr)
}
