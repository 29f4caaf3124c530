package dmarc

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

type parseErr string

func (e parseErr) Error() string {
	return string(e)
}

// ParseRecord parses a DMARC TXT record.
//
// Tags and keyword values are case-insensitive and returned in lower case.
// Report URIs keep their case, the localpart of an address can be
// case-sensitive.
//
// DefaultRecord provides default values for tags not present in s.
//
// isdmarc indicates if the record starts with tag "v" with value "DMARC1", and
// should be treated as a DMARC record. Used to detect multiple DMARC records
// for a domain that also has other TXT records.
func ParseRecord(s string) (record *Record, isdmarc bool, rerr error) {
	return parseRecord(s, true)
}

// ParseRecordNoRequired is like ParseRecord, but does not require the policy
// tag. Used for the "_report._dmarc" records with which a domain opts in to
// receiving reports about another domain.
func ParseRecordNoRequired(s string) (record *Record, isdmarc bool, rerr error) {
	return parseRecord(s, false)
}

// tagParsers parse the value of a known tag into a record.
var tagParsers = map[string]func(p *parser, r *Record){
	"p": func(p *parser, r *Record) {
		r.Policy = DMARCPolicy(p.xoneOf("none", "quarantine", "reject"))
	},
	"sp": func(p *parser, r *Record) {
		// Validity is checked after parsing, an invalid sp with rua is still usable.
		r.SubdomainPolicy = DMARCPolicy(p.xkeyword())
	},
	"rua": func(p *parser, r *Record) {
		r.AggregateReportAddresses = p.xuris()
	},
	"ruf": func(p *parser, r *Record) {
		r.FailureReportAddresses = p.xuris()
	},
	"adkim": func(p *parser, r *Record) {
		r.ADKIM = Align(p.xoneOf("r", "s"))
	},
	"aspf": func(p *parser, r *Record) {
		r.ASPF = Align(p.xoneOf("r", "s"))
	},
	"ri": func(p *parser, r *Record) {
		r.AggregateReportingInterval = p.xnumber()
	},
	"fo": func(p *parser, r *Record) {
		r.FailureReportingOptions = p.xlist(":", func() string { return p.xoneOf("0", "1", "d", "s") })
	},
	"rf": func(p *parser, r *Record) {
		r.ReportingFormat = p.xlist(":", p.xkeyword)
	},
	"pct": func(p *parser, r *Record) {
		r.Percentage = p.xnumber()
		if r.Percentage > 100 {
			p.xerrorf("bad percentage %d", r.Percentage)
		}
	},
}

func parseRecord(s string, checkRequired bool) (record *Record, isdmarc bool, rerr error) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		if err, ok := x.(parseErr); ok {
			rerr = err
			return
		}
		panic(x)
	}()

	r := DefaultRecord
	p := &parser{s: s, lower: asciiLower(s)}

	// ../rfc/7489:1099
	p.xtake("v")
	p.xequals()
	r.Version = p.xtakeExact("DMARC1")
	p.wsp()
	p.xtake(";")
	isdmarc = true

	seen := map[string]bool{}
	for p.wsp(); !p.empty(); p.wsp() {
		tag := p.xword()
		if seen[tag] {
			p.xerrorf("duplicate tag %q", tag)
		}
		seen[tag] = true
		if tag == "p" && len(seen) != 1 {
			// ../rfc/7489:1105
			p.xerrorf("p= (policy) must be first tag")
		}
		p.xequals()
		if fn, ok := tagParsers[tag]; ok {
			fn(p, &r)
		} else {
			// Unknown tags are skipped. ../rfc/7489:924
			p.skipValue()
		}
		p.wsp()
		if !p.take(";") && !p.empty() {
			p.xerrorf("expected ;")
		}
	}

	// A record without valid policy is still used for its aggregate report
	// addresses, as if it had policy none. ../rfc/7489:1407
	if checkRequired && (!seen["p"] || !validSubdomainPolicy(r.SubdomainPolicy)) {
		if len(r.AggregateReportAddresses) == 0 {
			p.xerrorf("invalid (subdomain)policy and no valid aggregate reporting address")
		}
		r.Policy = PolicyNone
		r.SubdomainPolicy = PolicyEmpty
	}
	return &r, true, nil
}

func validSubdomainPolicy(sp DMARCPolicy) bool {
	switch sp {
	case PolicyEmpty, PolicyNone, PolicyQuarantine, PolicyReject:
		return true
	}
	return false
}

// parser keeps a lower-cased copy of the input with the same byte offsets, for
// case-insensitive matching.
type parser struct {
	s     string
	lower string
	o     int
}

// asciiLower lower cases only A-Z. strings.ToLower could change the length of
// the string for invalid utf-8, breaking offsets.
func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 0x20
		}
	}
	return string(b)
}

func (p *parser) xerrorf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if !p.empty() {
		msg += fmt.Sprintf(" (remain %q)", p.s[p.o:])
	}
	panic(parseErr(msg))
}

func (p *parser) empty() bool {
	return p.o >= len(p.s)
}

// take consumes s case-insensitively if it is next.
func (p *parser) take(s string) bool {
	if strings.HasPrefix(p.lower[p.o:], s) {
		p.o += len(s)
		return true
	}
	return false
}

func (p *parser) xtake(s string) {
	if !p.take(s) {
		p.xerrorf("expected %q", s)
	}
}

// xtakeExact consumes s case-sensitively.
func (p *parser) xtakeExact(s string) string {
	if !strings.HasPrefix(p.s[p.o:], s) {
		p.xerrorf("expected %q", s)
	}
	p.o += len(s)
	return s
}

// *WSP
func (p *parser) wsp() {
	for !p.empty() && (p.s[p.o] == ' ' || p.s[p.o] == '\t') {
		p.o++
	}
}

func (p *parser) xequals() {
	p.wsp()
	p.xtake("=")
	p.wsp()
}

// xoneOf consumes the first of l that matches, in lower case.
func (p *parser) xoneOf(l ...string) string {
	for _, s := range l {
		if p.take(s) {
			return s
		}
	}
	p.xerrorf("expected one of %v", l)
	panic("not reached")
}

// xlist parses one or more elements with fn, separated by sep and optional
// whitespace.
func (p *parser) xlist(sep string, fn func() string) []string {
	l := []string{fn()}
	for {
		p.wsp()
		if !p.take(sep) {
			return l
		}
		p.wsp()
		l = append(l, fn())
	}
}

// span returns the number of bytes at the current offset for which fn is true.
func (p *parser) span(fn func(c byte, i int) bool) int {
	n := 0
	for p.o+n < len(p.s) && fn(p.s[p.o+n], n) {
		n++
	}
	return n
}

// xspan consumes at least one byte for which fn is true, returning it from
// the original or lower-cased input.
func (p *parser) xspan(lower bool, fn func(c byte, i int) bool) string {
	n := p.span(fn)
	if n == 0 {
		p.xerrorf("expected at least one char")
	}
	src := p.s
	if lower {
		src = p.lower
	}
	r := src[p.o : p.o+n]
	p.o += n
	return r
}

func (p *parser) skipValue() {
	p.o += p.span(func(c byte, i int) bool { return c != ';' })
}

// Tag name.
func (p *parser) xword() string {
	return p.xspan(true, func(c byte, i int) bool {
		return isalphadigit(c)
	})
}

// ../rfc/7489:1195, keyword is imported from smtp. ../rfc/5321:2287
func (p *parser) xkeyword() string {
	return p.xspan(true, func(c byte, i int) bool {
		if isalphadigit(c) {
			return true
		}
		next := p.o + i + 1
		return c == '-' && next < len(p.s) && isalphadigit(p.s[next])
	})
}

func (p *parser) xnumber() int {
	digits := p.xspan(false, func(c byte, i int) bool { return isdigit(c) })
	v, err := strconv.Atoi(digits)
	if err != nil {
		p.xerrorf("parsing %q: %s", digits, err)
	}
	return v
}

func (p *parser) xuris() []URI {
	var l []URI
	for {
		l = append(l, p.xuri())
		p.wsp()
		if !p.take(",") {
			return l
		}
		p.wsp()
	}
}

// A URI can contain a semicolon, but then it would consume the rest of the
// record. We assume no one does that and parse up to the next separator, then
// parse the URI with an optional "!" size limit.
// ../rfc/7489:883 ../rfc/7489:1132
func (p *parser) xuri() URI {
	v := p.xspan(false, func(c byte, i int) bool {
		return c != ',' && c != ' ' && c != '\t' && c != ';'
	})
	addr, size, hasSize := strings.Cut(v, "!")
	u, err := url.Parse(addr)
	if err != nil {
		p.xerrorf("parsing uri %q: %s", addr, err)
	}
	if u.Scheme == "" {
		p.xerrorf("missing scheme in uri")
	}
	uri := URI{Address: addr}
	if !hasSize {
		return uri
	}
	if n := len(size); n > 0 && strings.ContainsRune("kKmMgGtT", rune(size[n-1])) {
		uri.Unit = asciiLower(size[n-1:])
		size = size[:n-1]
	}
	uri.MaxSize, err = strconv.ParseUint(size, 10, 64)
	if err != nil {
		p.xerrorf("parsing max size for uri: %s", err)
	}
	return uri
}

func isdigit(b byte) bool {
	return b >= '0' && b <= '9'
}

func isalphadigit(b byte) bool {
	return isdigit(b) || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}
