package mox

import (
	"time"

	"go.uber.org/atomic"
)

// SeqGen hands out increasing 64 bit sequence numbers. It is seeded with the
// current time so numbers from a restarted process continue after those of
// the previous run.
type SeqGen struct {
	v atomic.Uint64
}

// NewSeqGen returns a generator seeded with the current time in nanoseconds.
func NewSeqGen() *SeqGen {
	g := &SeqGen{}
	g.v.Store(uint64(time.Now().UnixNano()))
	return g
}

// Next returns the next sequence number. Safe for concurrent use.
func (g *SeqGen) Next() uint64 {
	return g.v.Inc()
}

// Seq is the process-wide sequence generator, used for keys of accumulated
// DMARC evaluation records.
var Seq = NewSeqGen()
