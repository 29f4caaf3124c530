package mox

import (
	"time"

	"go.uber.org/atomic"
)

var cid = atomic.NewInt64(time.Now().UnixMilli())

// Cid returns a new unique id, for log lines of a sweep, a delivery or a
// failure report, and for tying queued messages to those log lines.
func Cid() int64 {
	return cid.Inc()
}
