package message

import (
	"fmt"
	"strings"
)

// AuthResults is an Authentication-Results header, see RFC 8601. Failure
// reports include one with the results this host found for the reported
// message. ../rfc/8601:577
type AuthResults struct {
	Hostname string // Host that evaluated the message.
	Methods  []AuthMethod
}

// AuthMethod is a result for one authentication method, encoded like
// "spf=pass smtp.mailfrom=example.net". ../rfc/8601:598
type AuthMethod struct {
	Method string // E.g. "dkim", "spf", "dmarc".
	Result string // E.g. "pass", "fail", "temperror".
	Reason string // Optional.
	Props  []AuthProp
}

// AuthProp is a property of a method result, like "header.d=example.com".
// ../rfc/8601:606
type AuthProp struct {
	Type     string // E.g. "smtp", "header".
	Property string // E.g. "mailfrom", "d".
	Value    string
	// Address-like values (localpart@domain, or domain) are written as is. Other
	// values are quoted when needed.
	IsAddrLike bool
}

// MakeAuthProp is a convenient way to make an AuthProp.
func MakeAuthProp(typ, property, value string, isAddrLike bool) AuthProp {
	return AuthProp{typ, property, value, isAddrLike}
}

func (p AuthProp) String() string {
	v := p.Value
	if !p.IsAddrLike {
		v = quoteValue(v)
	}
	return p.Type + "." + p.Property + "=" + v
}

// Header returns the Authentication-Results header, folded over multiple lines
// when long, always ending in crlf.
func (h AuthResults) Header() string {
	f := folder{}
	f.add("", "Authentication-Results: "+quoteValue(h.Hostname)+";")
	for i, m := range h.Methods {
		tokens := []string{fmt.Sprintf("%s=%s", m.Method, m.Result)}
		if m.Reason != "" {
			tokens = append(tokens, "reason="+quoteValue(m.Reason))
		}
		for _, p := range m.Props {
			tokens = append(tokens, p.String())
		}
		if i < len(h.Methods)-1 {
			tokens[len(tokens)-1] += ";"
		}
		f.add(" ", tokens...)
	}
	return f.b.String() + "\r\n"
}

// folder joins tokens into a header, starting a continuation line when a
// token would make the current line longer than 78 characters. Tokens are
// never split.
type folder struct {
	b   strings.Builder
	col int // Length of current line. Zero before the first token.
}

func (f *folder) add(sep string, tokens ...string) {
	for _, t := range tokens {
		switch {
		case f.col == 0:
		case f.col > 1 && f.col+len(sep)+len(t) > 78:
			f.b.WriteString("\r\n\t")
			f.col = 1
		default:
			f.b.WriteString(sep)
			f.col += len(sep)
		}
		f.b.WriteString(t)
		f.col += len(t)
	}
}

// Value returns the header value, without the field name and trailing crlf,
// for use in a field of a feedback report.
func (h AuthResults) Value() string {
	s := strings.TrimPrefix(h.Header(), "Authentication-Results: ")
	return strings.TrimSuffix(s, "\r\n")
}

// quoteValue returns s as token, or as quoted-string if it has characters that
// need quoting. utf-8 is allowed unquoted. ../rfc/8601:684 ../rfc/6532:242
func quoteValue(s string) string {
	needsQuote := s == "" || strings.ContainsFunc(s, func(c rune) bool {
		return c == '"' || c == '\\' || c <= ' ' || c == 0x7f
	})
	if !needsQuote {
		return s
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, c := range s {
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	b.WriteByte('"')
	return b.String()
}
