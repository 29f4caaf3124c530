package message

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"github.com/mjl-/moxreport/smtp"
)

var (
	ErrMessageSize = errors.New("message too large")
	ErrCompose     = errors.New("compose")
)

// RFC5322Z is the time layout for Date headers, with a numeric timezone.
const RFC5322Z = "02 Jan 2006 15:04:05 -0700"

// Composer helps compose a message. Operations that fail call panic, which should
// be caught with recover(), checking for ErrCompose and optionally ErrMessageSize.
// Writes are buffered.
type Composer struct {
	Has8bit  bool  // Whether message contains 8bit data.
	SMTPUTF8 bool  // Whether message needs to be sent with SMTPUTF8 extension.
	Size     int64 // Total bytes written.

	bw      *bufio.Writer
	maxSize int64 // If greater than zero, writes beyond maximum size raise ErrMessageSize.
}

// NewComposer initializes a new composer with a buffered writer around w, and
// with a maximum message size if maxSize is greater than zero.
// Operations on a Composer do not return an error. Caller must use recover() to
// catch ErrCompose and optionally ErrMessageSize errors.
func NewComposer(w io.Writer, maxSize int64) *Composer {
	return &Composer{bw: bufio.NewWriter(w), maxSize: maxSize}
}

// Write implements io.Writer, but calls panic (that is handled higher up) on
// i/o errors.
func (c *Composer) Write(buf []byte) (int, error) {
	if c.maxSize > 0 && c.Size+int64(len(buf)) > c.maxSize {
		c.Checkf(ErrMessageSize, "writing message")
	}
	n, err := c.bw.Write(buf)
	if n > 0 {
		c.Size += int64(n)
	}
	c.Checkf(err, "write")
	return n, nil
}

// Checkf checks err, panicing with sentinel error value.
func (c *Composer) Checkf(err error, format string, args ...any) {
	if err != nil {
		// We expose the original error too, needed at least for ErrMessageSize.
		panic(fmt.Errorf("%w: %w: %v", ErrCompose, err, fmt.Sprintf(format, args...)))
	}
}

// Flush writes any buffered output.
func (c *Composer) Flush() {
	err := c.bw.Flush()
	c.Checkf(err, "flush")
}

// Header writes a message header. The value must already be folded if needed.
func (c *Composer) Header(k, v string) {
	c.writeString(k + ": " + v + "\r\n")
}

func (c *Composer) writeString(s string) {
	_, _ = c.Write([]byte(s))
}

// NameAddress is an address with optional display name, as used in From and
// To headers.
type NameAddress struct {
	DisplayName string
	Address     smtp.Address
}

// foldedHeader returns header k with tokens separated by a space, starting
// continuation lines before tokens that would make a line too long.
func foldedHeader(k string, tokens []string) string {
	f := folder{}
	first := k + ":"
	if len(tokens) > 0 {
		first += " " + tokens[0]
		tokens = tokens[1:]
	}
	f.add("", first)
	f.add(" ", tokens...)
	return f.b.String() + "\r\n"
}

// HeaderAddrs writes header k with the comma-separated addresses, nothing if
// there are none.
func (c *Composer) HeaderAddrs(k string, l []NameAddress) {
	if len(l) == 0 {
		return
	}
	tokens := make([]string, len(l))
	for i, a := range l {
		addr := mail.Address{Name: a.DisplayName, Address: a.Address.Pack(c.SMTPUTF8)}
		tokens[i] = addr.String()
		if i < len(l)-1 {
			tokens[i] += ","
		}
	}
	c.writeString(foldedHeader(k, tokens))
}

// Subject writes the Subject header. Non-ASCII words are Q-encoded unless the
// message is sent with SMTPUTF8.
func (c *Composer) Subject(subject string) {
	words := strings.Split(subject, " ")
	for i, w := range words {
		if !c.SMTPUTF8 && !isASCII(w) {
			words[i] = mime.QEncoding.Encode("utf-8", w)
		}
	}
	c.writeString(foldedHeader("Subject", words))
}

// Headers writes the common headers of a generated message: From, To,
// Subject, Message-Id, Date and MIME-Version. The Message-Id is returned,
// including <>.
func (c *Composer) Headers(from NameAddress, to []NameAddress, subject, msgID, userAgent string, date time.Time) string {
	// We only use smtputf8 if we have to, with a utf-8 localpart. For IDNA, we use ASCII domains.
	for _, a := range append([]NameAddress{from}, to...) {
		if a.Address.Localpart.IsInternational() {
			c.SMTPUTF8 = true
			break
		}
	}
	c.HeaderAddrs("From", []NameAddress{from})
	c.HeaderAddrs("To", to)
	c.Subject(subject)
	messageID := "<" + msgID + ">"
	c.Header("Message-Id", messageID)
	c.Header("Date", date.Format(RFC5322Z))
	if userAgent != "" {
		c.Header("User-Agent", userAgent)
	}
	c.Header("MIME-Version", "1.0")
	return messageID
}

// Line writes an empty line, ending the header section.
func (c *Composer) Line() {
	c.writeString("\r\n")
}

// TextPart prepares a text part to be added. Text should contain lines terminated
// with newlines (lf), which are replaced with crlf. The returned text may be
// quotedprintable, if needed. The returned ct and cte headers are for use with
// Content-Type and Content-Transfer-Encoding headers.
func (c *Composer) TextPart(text string) (textBody []byte, ct, cte string) {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	text = strings.ReplaceAll(text, "\n", "\r\n")
	charset := "us-ascii"
	if !isASCII(text) {
		charset = "utf-8"
	}
	if NeedsQuotedPrintable(text) {
		var sb strings.Builder
		_, err := io.Copy(quotedprintable.NewWriter(&sb), strings.NewReader(text))
		c.Checkf(err, "converting text to quoted printable")
		text = sb.String()
		cte = "quoted-printable"
	} else if c.Has8bit || charset == "utf-8" {
		cte = "8bit"
	} else {
		cte = "7bit"
	}

	ct = mime.FormatMediaType("text/plain", map[string]string{"charset": charset})
	return []byte(text), ct, cte
}

// NeedsQuotedPrintable returns whether text, with crlf line endings, should be
// encoded with quoted-printable because of long lines or bare cr or lf.
// ../rfc/2045:1025
func NeedsQuotedPrintable(text string) bool {
	for _, line := range strings.Split(text, "\r\n") {
		if len(line) > 78 || strings.ContainsAny(line, "\r\n") {
			return true
		}
	}
	return false
}

func isASCII(s string) bool {
	for _, c := range s {
		if c >= 0x80 {
			return false
		}
	}
	return true
}
