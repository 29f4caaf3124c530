package dmarcdb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// Key namespaces. Header keys sort before all record keys.
const (
	prefixHeader byte = 0x01
	prefixRecord byte = 0x02
)

var errBadKey = errors.New("malformed window key")

// Window identifies a set of evaluations reported together: the policy
// domain, a hash of the published DMARC record and the end of the reporting
// interval. A change of policy starts a new window.
type Window struct {
	Domain     string // Policy domain, ASCII.
	PolicyHash uint64
	Due        time.Time // End of interval, reports are sent after this time.
}

func (w Window) String() string {
	return fmt.Sprintf("%s %016x %s", w.Domain, w.PolicyHash, w.Due.UTC().Format(time.RFC3339))
}

// prefix|domain|0x00|policyhash|due, all numbers big endian.
func (w Window) key(prefix byte, extra int) []byte {
	k := make([]byte, 0, 1+len(w.Domain)+1+8+8+extra)
	k = append(k, prefix)
	k = append(k, w.Domain...)
	k = append(k, 0)
	k = binary.BigEndian.AppendUint64(k, w.PolicyHash)
	k = binary.BigEndian.AppendUint64(k, uint64(w.Due.Unix()))
	return k
}

func headerKey(w Window) []byte {
	return w.key(prefixHeader, 0)
}

func recordKey(w Window, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(w.key(prefixRecord, 8), seq)
}

// recordRange returns the inclusive range of keys for all records of w.
func recordRange(w Window) (from, to []byte) {
	return recordKey(w, 0), recordKey(w, math.MaxUint64)
}

// headerRange returns an inclusive key range covering all window headers.
func headerRange() (from, to []byte) {
	return []byte{prefixHeader}, []byte{prefixHeader, 0xff}
}

// parseHeaderKey is the inverse of headerKey.
func parseHeaderKey(k []byte) (Window, error) {
	if len(k) < 1+1+8+8 || k[0] != prefixHeader {
		return Window{}, errBadKey
	}
	k = k[1:]
	i := bytes.IndexByte(k, 0)
	if i <= 0 || len(k)-i-1 != 16 {
		return Window{}, errBadKey
	}
	w := Window{
		Domain:     string(k[:i]),
		PolicyHash: binary.BigEndian.Uint64(k[i+1:]),
		Due:        time.Unix(int64(binary.BigEndian.Uint64(k[i+1+8:])), 0).UTC(),
	}
	return w, nil
}
