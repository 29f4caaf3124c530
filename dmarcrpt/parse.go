// Package dmarcrpt parses and generates DMARC aggregate feedback reports
// (RFC 7489) and renders DMARC failure reports in the Abuse Reporting Format
// (RFC 6591).
package dmarcrpt

import (
	"bytes"
	"compress/gzip"
	"encoding/xml"
	"fmt"
	"io"

	"github.com/mjl-/moxreport/moxio"
)

// ParseReport parses an XML aggregate feedback report.
// The maximum report size is 20MB.
func ParseReport(r io.Reader) (*Feedback, error) {
	r = &moxio.LimitReader{R: r, Limit: 20 * 1024 * 1024}
	var feedback Feedback
	d := xml.NewDecoder(r)
	if err := d.Decode(&feedback); err != nil {
		return nil, err
	}
	return &feedback, nil
}

// ParseReportGzip parses a gzip-compressed XML aggregate feedback report, as
// attached to report messages.
func ParseReportGzip(r io.Reader) (*Feedback, error) {
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("decoding gzip xml report: %s", err)
	}
	return ParseReport(gzr)
}

// MarshalGzip returns the report as gzip-compressed XML document.
func (f *Feedback) MarshalGzip() ([]byte, error) {
	var b bytes.Buffer
	gzw := gzip.NewWriter(&b)
	if _, err := fmt.Fprint(gzw, xml.Header); err != nil {
		return nil, err
	}
	enc := xml.NewEncoder(gzw)
	if err := enc.Encode(f); err != nil {
		return nil, fmt.Errorf("encoding report: %v", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	if err := gzw.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// XMLSize returns the number of bytes of the XML encoding of the report. For a
// report without records it is the cost of the report shell.
func (f *Feedback) XMLSize() (int64, error) {
	buf, err := xml.Marshal(f)
	return int64(len(buf)), err
}

// XMLSize returns the number of bytes the record adds to the XML encoding of
// a report.
func (r ReportRecord) XMLSize() (int64, error) {
	buf, err := xml.Marshal(struct {
		XMLName xml.Name `xml:"record"`
		ReportRecord
	}{ReportRecord: r})
	return int64(len(buf)), err
}
