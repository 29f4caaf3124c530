package moxio

import (
	"errors"
	"io"
)

// ErrLimit is returned by LimitReader when the input is larger than allowed.
var ErrLimit = errors.New("input exceeds maximum size")

// LimitReader reads from R, returning ErrLimit once more than Limit bytes have
// been read. Unlike io.LimitReader, oversized input is an error instead of
// being silently truncated. Used for parsing reports of untrusted size.
type LimitReader struct {
	R     io.Reader
	Limit int64
}

func (r *LimitReader) Read(buf []byte) (int, error) {
	n, err := r.R.Read(buf)
	r.Limit -= int64(n)
	if r.Limit < 0 {
		return 0, ErrLimit
	}
	return n, err
}
