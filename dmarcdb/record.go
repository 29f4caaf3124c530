package dmarcdb

import (
	"strings"
	"time"

	"github.com/spaolacci/murmur3"
	"github.com/tinylib/msgp/msgp"

	"github.com/mjl-/moxreport/dmarc"
	"github.com/mjl-/moxreport/dmarcrpt"
	"github.com/mjl-/moxreport/dns"
)

// Header and record values are MessagePack maps. Unknown keys are skipped
// when decoding, so fields can be added.

// windowHeader is stored once per window, under the header key.
type windowHeader struct {
	Begin    time.Time
	Interval time.Duration
	RUA      []dmarc.URI // Aggregate report addresses from the DMARC record.
	Policy   dmarcrpt.PolicyPublished
}

// Evaluation is the result of an evaluation of a DMARC policy for an incoming
// message, to be included in an aggregate report. Stored as record in a
// window.
type Evaluation struct {
	// For "row" in a report record.
	SourceIP        string
	Disposition     dmarcrpt.Disposition
	AlignedDKIMPass bool
	AlignedSPFPass  bool
	OverrideReasons []dmarcrpt.PolicyOverrideReason

	// For "identifiers" in a report record.
	EnvelopeTo   string
	EnvelopeFrom string
	HeaderFrom   string

	// For "auth_results" in a report record.
	DKIMResults []dmarcrpt.DKIMAuthResult
	SPFResults  []dmarcrpt.SPFAuthResult

	// Number of messages with this evaluation, 1 when stored.
	Count int
}

var dmarcResults = map[bool]dmarcrpt.DMARCResult{
	false: dmarcrpt.DMARCFail,
	true:  dmarcrpt.DMARCPass,
}

// ReportRecord turns an evaluation into a record that can be included in a
// report.
func (e Evaluation) ReportRecord(count int) dmarcrpt.ReportRecord {
	return dmarcrpt.ReportRecord{
		Row: dmarcrpt.Row{
			SourceIP: e.SourceIP,
			Count:    count,
			PolicyEvaluated: dmarcrpt.PolicyEvaluated{
				Disposition: e.Disposition,
				DKIM:        dmarcResults[e.AlignedDKIMPass],
				SPF:         dmarcResults[e.AlignedSPFPass],
				Reasons:     e.OverrideReasons,
			},
		},
		Identifiers: dmarcrpt.Identifiers{
			EnvelopeTo:   e.EnvelopeTo,
			EnvelopeFrom: e.EnvelopeFrom,
			HeaderFrom:   e.HeaderFrom,
		},
		AuthResults: dmarcrpt.AuthResults{
			DKIM: e.DKIMResults,
			SPF:  e.SPFResults,
		},
	}
}

// groupKey returns the key for grouping identical evaluations: a hash of the
// encoding without the count.
func (e Evaluation) groupKey() uint64 {
	e.Count = 0
	buf, err := e.MarshalMsg(nil)
	if err != nil {
		// Encoding into a byte slice only fails for unsupported types.
		panic(err)
	}
	return murmur3.Sum64(buf)
}

// policyPublished returns the policy as included in reports.
func policyPublished(domain dns.Domain, r *dmarc.Record) dmarcrpt.PolicyPublished {
	return dmarcrpt.PolicyPublished{
		Domain:           domain.ASCII,
		ADKIM:            dmarcrpt.Alignment(r.ADKIM),
		ASPF:             dmarcrpt.Alignment(r.ASPF),
		Policy:           dmarcrpt.Disposition(r.Policy),
		SubdomainPolicy:  dmarcrpt.Disposition(r.SubdomainPolicy),
		Percentage:       r.Percentage,
		ReportingOptions: strings.Join(r.FailureReportingOptions, ":"),
	}
}

var (
	_ msgp.Marshaler   = windowHeader{}
	_ msgp.Unmarshaler = (*windowHeader)(nil)
	_ msgp.Marshaler   = Evaluation{}
	_ msgp.Unmarshaler = (*Evaluation)(nil)
)

// MarshalMsg appends the encoded header to b.
func (h windowHeader) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.Require(b, 128)
	o = msgp.AppendMapHeader(o, 4)
	o = msgp.AppendString(o, "Begin")
	o = msgp.AppendInt64(o, h.Begin.Unix())
	o = msgp.AppendString(o, "Interval")
	o = msgp.AppendInt64(o, int64(h.Interval))
	o = msgp.AppendString(o, "RUA")
	o = msgp.AppendArrayHeader(o, uint32(len(h.RUA)))
	for _, u := range h.RUA {
		o = msgp.AppendArrayHeader(o, 3)
		o = msgp.AppendString(o, u.Address)
		o = msgp.AppendUint64(o, u.MaxSize)
		o = msgp.AppendString(o, u.Unit)
	}
	o = msgp.AppendString(o, "Policy")
	o = marshalPolicy(o, h.Policy)
	return o, nil
}

// readURI reads a report URI, written as array of address, size and unit.
func readURI(buf []byte) (dmarc.URI, []byte, error) {
	var u dmarc.URI
	n, buf, err := msgp.ReadArrayHeaderBytes(buf)
	if err != nil {
		return u, buf, err
	} else if n != 3 {
		return u, buf, msgp.ArrayError{Wanted: 3, Got: n}
	}
	if u.Address, buf, err = msgp.ReadStringBytes(buf); err != nil {
		return u, buf, err
	}
	if u.MaxSize, buf, err = msgp.ReadUint64Bytes(buf); err != nil {
		return u, buf, err
	}
	u.Unit, buf, err = msgp.ReadStringBytes(buf)
	return u, buf, err
}

// UnmarshalMsg decodes a header from buf, returning the remaining bytes.
func (h *windowHeader) UnmarshalMsg(buf []byte) ([]byte, error) {
	nfields, buf, err := msgp.ReadMapHeaderBytes(buf)
	if err != nil {
		return buf, err
	}
	for ; nfields > 0; nfields-- {
		var field []byte
		field, buf, err = msgp.ReadMapKeyZC(buf)
		if err != nil {
			return buf, err
		}
		var v int64
		var n uint32
		switch string(field) {
		case "Begin":
			v, buf, err = msgp.ReadInt64Bytes(buf)
			h.Begin = time.Unix(v, 0).UTC()
		case "Interval":
			v, buf, err = msgp.ReadInt64Bytes(buf)
			h.Interval = time.Duration(v)
		case "RUA":
			n, buf, err = msgp.ReadArrayHeaderBytes(buf)
			h.RUA = nil
			for i := uint32(0); err == nil && i < n; i++ {
				var u dmarc.URI
				u, buf, err = readURI(buf)
				h.RUA = append(h.RUA, u)
			}
		case "Policy":
			buf, err = unmarshalPolicy(&h.Policy, buf)
		default:
			buf, err = msgp.Skip(buf)
		}
		if err != nil {
			return buf, msgp.WrapError(err, string(field))
		}
	}
	return buf, nil
}

func marshalPolicy(o []byte, p dmarcrpt.PolicyPublished) []byte {
	o = msgp.AppendMapHeader(o, 7)
	o = msgp.AppendString(o, "Domain")
	o = msgp.AppendString(o, p.Domain)
	o = msgp.AppendString(o, "ADKIM")
	o = msgp.AppendString(o, string(p.ADKIM))
	o = msgp.AppendString(o, "ASPF")
	o = msgp.AppendString(o, string(p.ASPF))
	o = msgp.AppendString(o, "P")
	o = msgp.AppendString(o, string(p.Policy))
	o = msgp.AppendString(o, "SP")
	o = msgp.AppendString(o, string(p.SubdomainPolicy))
	o = msgp.AppendString(o, "Pct")
	o = msgp.AppendInt(o, p.Percentage)
	o = msgp.AppendString(o, "FO")
	o = msgp.AppendString(o, p.ReportingOptions)
	return o
}

func unmarshalPolicy(p *dmarcrpt.PolicyPublished, bts []byte) ([]byte, error) {
	nfields, bts, err := msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return bts, err
	}
	for ; nfields > 0; nfields-- {
		var field []byte
		field, bts, err = msgp.ReadMapKeyZC(bts)
		if err != nil {
			return bts, err
		}
		var s string
		switch string(field) {
		case "Domain":
			p.Domain, bts, err = msgp.ReadStringBytes(bts)
		case "ADKIM":
			s, bts, err = msgp.ReadStringBytes(bts)
			p.ADKIM = dmarcrpt.Alignment(s)
		case "ASPF":
			s, bts, err = msgp.ReadStringBytes(bts)
			p.ASPF = dmarcrpt.Alignment(s)
		case "P":
			s, bts, err = msgp.ReadStringBytes(bts)
			p.Policy = dmarcrpt.Disposition(s)
		case "SP":
			s, bts, err = msgp.ReadStringBytes(bts)
			p.SubdomainPolicy = dmarcrpt.Disposition(s)
		case "Pct":
			p.Percentage, bts, err = msgp.ReadIntBytes(bts)
		case "FO":
			p.ReportingOptions, bts, err = msgp.ReadStringBytes(bts)
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return bts, msgp.WrapError(err, string(field))
		}
	}
	return bts, nil
}

// MarshalMsg appends the encoded evaluation to b.
func (e Evaluation) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.Require(b, 256)
	o = msgp.AppendMapHeader(o, 11)
	o = msgp.AppendString(o, "SourceIP")
	o = msgp.AppendString(o, e.SourceIP)
	o = msgp.AppendString(o, "Disposition")
	o = msgp.AppendString(o, string(e.Disposition))
	o = msgp.AppendString(o, "AlignedDKIMPass")
	o = msgp.AppendBool(o, e.AlignedDKIMPass)
	o = msgp.AppendString(o, "AlignedSPFPass")
	o = msgp.AppendBool(o, e.AlignedSPFPass)
	o = msgp.AppendString(o, "OverrideReasons")
	o = msgp.AppendArrayHeader(o, uint32(len(e.OverrideReasons)))
	for _, r := range e.OverrideReasons {
		o = msgp.AppendArrayHeader(o, 2)
		o = msgp.AppendString(o, string(r.Type))
		o = msgp.AppendString(o, r.Comment)
	}
	o = msgp.AppendString(o, "EnvelopeTo")
	o = msgp.AppendString(o, e.EnvelopeTo)
	o = msgp.AppendString(o, "EnvelopeFrom")
	o = msgp.AppendString(o, e.EnvelopeFrom)
	o = msgp.AppendString(o, "HeaderFrom")
	o = msgp.AppendString(o, e.HeaderFrom)
	o = msgp.AppendString(o, "DKIMResults")
	o = msgp.AppendArrayHeader(o, uint32(len(e.DKIMResults)))
	for _, r := range e.DKIMResults {
		o = msgp.AppendArrayHeader(o, 4)
		o = msgp.AppendString(o, r.Domain)
		o = msgp.AppendString(o, r.Selector)
		o = msgp.AppendString(o, string(r.Result))
		o = msgp.AppendString(o, r.HumanResult)
	}
	o = msgp.AppendString(o, "SPFResults")
	o = msgp.AppendArrayHeader(o, uint32(len(e.SPFResults)))
	for _, r := range e.SPFResults {
		o = msgp.AppendArrayHeader(o, 3)
		o = msgp.AppendString(o, r.Domain)
		o = msgp.AppendString(o, string(r.Scope))
		o = msgp.AppendString(o, string(r.Result))
	}
	o = msgp.AppendString(o, "Count")
	o = msgp.AppendInt(o, e.Count)
	return o, nil
}

// readStrings reads an array of n strings, as written for the elements of
// the slices in Evaluation.
func readStrings(bts []byte, n uint32) ([]string, []byte, error) {
	sz, bts, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return nil, bts, err
	}
	if sz != n {
		return nil, bts, msgp.ArrayError{Wanted: n, Got: sz}
	}
	l := make([]string, n)
	for i := range l {
		l[i], bts, err = msgp.ReadStringBytes(bts)
		if err != nil {
			return nil, bts, err
		}
	}
	return l, bts, nil
}

// UnmarshalMsg decodes an evaluation from bts, returning the remaining bytes.
func (e *Evaluation) UnmarshalMsg(bts []byte) ([]byte, error) {
	nfields, bts, err := msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return bts, err
	}
	for ; nfields > 0; nfields-- {
		var field []byte
		field, bts, err = msgp.ReadMapKeyZC(bts)
		if err != nil {
			return bts, err
		}
		var s string
		var n uint32
		switch string(field) {
		case "SourceIP":
			e.SourceIP, bts, err = msgp.ReadStringBytes(bts)
		case "Disposition":
			s, bts, err = msgp.ReadStringBytes(bts)
			e.Disposition = dmarcrpt.Disposition(s)
		case "AlignedDKIMPass":
			e.AlignedDKIMPass, bts, err = msgp.ReadBoolBytes(bts)
		case "AlignedSPFPass":
			e.AlignedSPFPass, bts, err = msgp.ReadBoolBytes(bts)
		case "OverrideReasons":
			n, bts, err = msgp.ReadArrayHeaderBytes(bts)
			e.OverrideReasons = nil
			for i := uint32(0); err == nil && i < n; i++ {
				var l []string
				l, bts, err = readStrings(bts, 2)
				if err == nil {
					e.OverrideReasons = append(e.OverrideReasons, dmarcrpt.PolicyOverrideReason{Type: dmarcrpt.PolicyOverride(l[0]), Comment: l[1]})
				}
			}
		case "EnvelopeTo":
			e.EnvelopeTo, bts, err = msgp.ReadStringBytes(bts)
		case "EnvelopeFrom":
			e.EnvelopeFrom, bts, err = msgp.ReadStringBytes(bts)
		case "HeaderFrom":
			e.HeaderFrom, bts, err = msgp.ReadStringBytes(bts)
		case "DKIMResults":
			n, bts, err = msgp.ReadArrayHeaderBytes(bts)
			e.DKIMResults = nil
			for i := uint32(0); err == nil && i < n; i++ {
				var l []string
				l, bts, err = readStrings(bts, 4)
				if err == nil {
					e.DKIMResults = append(e.DKIMResults, dmarcrpt.DKIMAuthResult{Domain: l[0], Selector: l[1], Result: dmarcrpt.DKIMResult(l[2]), HumanResult: l[3]})
				}
			}
		case "SPFResults":
			n, bts, err = msgp.ReadArrayHeaderBytes(bts)
			e.SPFResults = nil
			for i := uint32(0); err == nil && i < n; i++ {
				var l []string
				l, bts, err = readStrings(bts, 3)
				if err == nil {
					e.SPFResults = append(e.SPFResults, dmarcrpt.SPFAuthResult{Domain: l[0], Scope: dmarcrpt.SPFDomainScope(l[1]), Result: dmarcrpt.SPFResult(l[2])})
				}
			}
		case "Count":
			e.Count, bts, err = msgp.ReadIntBytes(bts)
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return bts, msgp.WrapError(err, string(field))
		}
	}
	return bts, nil
}
