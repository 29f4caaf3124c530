package dmarcrpt

import (
	"bytes"
	"errors"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"strings"
	"time"

	"github.com/mjl-/moxreport/message"
)

// IdentityAlignment lists the authentication methods that produced an aligned
// identifier, for the Identity-Alignment field of a failure report.
type IdentityAlignment string

// ../rfc/7489:2011
const (
	AlignmentNone    IdentityAlignment = "none"
	AlignmentDKIM    IdentityAlignment = "dkim"
	AlignmentSPF     IdentityAlignment = "spf"
	AlignmentDKIMSPF IdentityAlignment = "dkim, spf"
)

// FailureDKIM holds details about a failed DKIM signature.
type FailureDKIM struct {
	Domain   string // d= of the signature.
	Selector string // s= of the signature.
	Identity string // i= of the signature, may be empty.
}

// FailureReport is the content of a DMARC failure report for a single message,
// in the Abuse Reporting Format with feedback type auth-failure. ../rfc/6591:212
type FailureReport struct {
	ReportedDomain        string // Domain of the message From header.
	SourceIP              string
	ArrivalDate           time.Time
	OriginalMailFrom      string // SMTP MAIL FROM, without <>.
	OriginalRcptTo        string
	AuthenticationResults string // Value of an Authentication-Results header, without header name.
	Alignment             IdentityAlignment
	DKIM                  *FailureDKIM // Only for failed DKIM, when requested.
	SPFDNS                string       // E.g. "txt : example.org : v=spf1 -all". Only for failed SPF, when requested.
	Headers               []byte       // Header section of the original message, ending with an empty line.
}

// ComposeFailureReport composes a failure report message with multipart/report
// structure: a human-readable part, the machine-readable
// message/feedback-report part and the headers of the original message. The
// Message-Id is returned, with <>.
func ComposeFailureReport(from message.NameAddress, to []message.NameAddress, subject, msgID, userAgent string, date time.Time, r FailureReport, maxSize int64) (msg []byte, messageID string, rerr error) {
	var b bytes.Buffer
	xc := message.NewComposer(&b, maxSize)
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		if err, ok := x.(error); ok && errors.Is(err, message.ErrCompose) {
			rerr = err
			return
		}
		panic(x)
	}()

	messageID = xc.Headers(from, to, subject, msgID, userAgent, date)

	mp := multipart.NewWriter(xc)
	xc.Header("Content-Type", fmt.Sprintf(`multipart/report; report-type=feedback-report; boundary="%s"`, mp.Boundary()))
	xc.Line()

	text := fmt.Sprintf(`This is an authentication failure report for an email message received from IP
%s on %s.

The message claimed to be from domain %s, but did not pass DMARC.
`, r.SourceIP, r.ArrivalDate.Format(message.RFC5322Z), r.ReportedDomain)
	textBody, ct, cte := xc.TextPart(text)
	textHdr := textproto.MIMEHeader{}
	textHdr.Set("Content-Type", ct)
	textHdr.Set("Content-Transfer-Encoding", cte)
	textp, err := mp.CreatePart(textHdr)
	xc.Checkf(err, "adding text part to message")
	_, err = textp.Write(textBody)
	xc.Checkf(err, "writing text part")

	fbHdr := textproto.MIMEHeader{}
	fbHdr.Set("Content-Type", "message/feedback-report")
	fbp, err := mp.CreatePart(fbHdr)
	xc.Checkf(err, "adding feedback report part")
	_, err = fbp.Write([]byte(r.feedbackReport(userAgent)))
	xc.Checkf(err, "writing feedback report")

	hdrHdr := textproto.MIMEHeader{}
	hdrHdr.Set("Content-Type", "text/rfc822-headers")
	hdrp, err := mp.CreatePart(hdrHdr)
	xc.Checkf(err, "adding original headers part")
	_, err = hdrp.Write(r.Headers)
	xc.Checkf(err, "writing original headers")

	err = mp.Close()
	xc.Checkf(err, "closing multipart")
	xc.Flush()

	return b.Bytes(), messageID, nil
}

// feedbackReport returns the machine-readable fields. ../rfc/6591:362
func (r FailureReport) feedbackReport(userAgent string) string {
	var sb strings.Builder
	add := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&sb, "%s: %s\r\n", k, v)
		}
	}
	add("Feedback-Type", "auth-failure")
	add("User-Agent", userAgent)
	add("Version", "1")
	if r.OriginalMailFrom != "" {
		add("Original-Mail-From", "<"+r.OriginalMailFrom+">")
	}
	if r.OriginalRcptTo != "" {
		add("Original-Rcpt-To", "<"+r.OriginalRcptTo+">")
	}
	if !r.ArrivalDate.IsZero() {
		add("Arrival-Date", r.ArrivalDate.Format(message.RFC5322Z))
	}
	add("Source-IP", r.SourceIP)
	add("Reported-Domain", r.ReportedDomain)
	add("Authentication-Results", r.AuthenticationResults)
	add("Auth-Failure", "dmarc")
	alignment := r.Alignment
	if alignment == "" {
		alignment = AlignmentNone
	}
	add("Identity-Alignment", string(alignment))
	if r.DKIM != nil {
		add("DKIM-Domain", r.DKIM.Domain)
		add("DKIM-Identity", r.DKIM.Identity)
		add("DKIM-Selector", r.DKIM.Selector)
	}
	add("SPF-DNS", r.SPFDNS)
	return sb.String()
}
