package moxio

import (
	"encoding/base64"
	"io"
)

// Base64Writer returns a writer that base64-encodes data to w, on lines of at
// most 78 characters plus crlf, as required for a message body. Close must be
// called to flush the last partial line.
func Base64Writer(w io.Writer) io.WriteCloser {
	lw := &lineWrapper{w: w}
	return &base64Writer{base64.NewEncoder(base64.StdEncoding, lw), lw}
}

type base64Writer struct {
	enc io.WriteCloser
	lw  *lineWrapper
}

func (b *base64Writer) Write(buf []byte) (int, error) {
	return b.enc.Write(buf)
}

func (b *base64Writer) Close() error {
	if err := b.enc.Close(); err != nil {
		return err
	}
	return b.lw.end()
}

const lineMax = 78

// lineWrapper inserts crlf after each lineMax bytes.
type lineWrapper struct {
	w io.Writer
	n int // Bytes on the current line.
}

func (lw *lineWrapper) Write(buf []byte) (int, error) {
	var written int
	for len(buf) > 0 {
		chunk := buf[:min(len(buf), lineMax-lw.n)]
		n, err := lw.w.Write(chunk)
		written += n
		lw.n += n
		buf = buf[n:]
		if err != nil {
			return written, err
		}
		if lw.n == lineMax {
			if _, err := io.WriteString(lw.w, "\r\n"); err != nil {
				return written, err
			}
			lw.n = 0
		}
	}
	return written, nil
}

// end terminates a partial line.
func (lw *lineWrapper) end() error {
	if lw.n == 0 {
		return nil
	}
	lw.n = 0
	_, err := io.WriteString(lw.w, "\r\n")
	return err
}
