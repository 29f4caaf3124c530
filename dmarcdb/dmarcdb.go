// Package dmarcdb accumulates DMARC evaluations of incoming messages and sends
// DMARC reports to domains that request them.
//
// With DMARC, a domain can request reports with DMARC evaluation results to be
// sent to addresses in its DMARC DNS record. Aggregate reports ("rua")
// summarize evaluations over an interval, failure reports ("ruf") are sent for
// individual messages that fail DMARC.
//
// Evaluations are stored in "windows", one per policy domain, published policy
// and interval end time. A window has a header with the policy and report
// addresses, and records with evaluations. Keys are laid out so the records of
// a window are a contiguous range, ordered by a process-wide sequence number.
// When a window is due, its records are grouped into an aggregate report, the
// report is sent to the verified report addresses and the window is removed.
package dmarcdb

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/robfig/cron/v3"

	"github.com/mjl-/bstore"

	"github.com/mjl-/moxreport/config"
	"github.com/mjl-/moxreport/dns"
	"github.com/mjl-/moxreport/kvdb"
	"github.com/mjl-/moxreport/mlog"
	"github.com/mjl-/moxreport/moxvar"
	"github.com/mjl-/moxreport/ratelimit"
	"github.com/mjl-/moxreport/smtp"
)

var pkglog = mlog.New("dmarcdb", nil)

// Store is an ordered key/value store holding the windows. Implemented by
// kvdb.DB.
type Store interface {
	// Get returns the value for key, nil if absent.
	Get(ctx context.Context, key []byte) ([]byte, error)
	// Iterate calls fn for keys in the inclusive range [from, to].
	Iterate(ctx context.Context, from, to []byte, ascending bool, fn func(key, value []byte) (bool, error)) error
	// DeleteRange removes keys in the inclusive range [from, to].
	DeleteRange(ctx context.Context, from, to []byte) error
	// Write applies a batch atomically.
	Write(ctx context.Context, b *kvdb.Batch) error
}

// Transmitter hands composed report messages to the delivery pipeline.
// Implemented by queue.Queue. Send does not return errors, failures are
// handled by the transmitter.
type Transmitter interface {
	Send(ctx context.Context, log mlog.Log, from smtp.Address, rcpts []smtp.Address, msg []byte, sign []string, aggregate bool, cid int64)
}

// Throttle limits the number of failure reports per report address.
// Implemented by ratelimit.Throttle.
type Throttle interface {
	Allow(key string, rate ratelimit.Rate) bool
}

// Sequence hands out unique increasing numbers, for record keys. Implemented
// by mox.SeqGen.
type Sequence interface {
	Next() uint64
}

// Reporter accumulates evaluations and sends reports. Its collaborators must
// be set before use, Open sets up the stores.
type Reporter struct {
	Store       Store
	Authorizer  Authorizer
	Throttle    Throttle
	Transmitter Transmitter
	Seq         Sequence
	SuppressDB  *bstore.DB // With SuppressAddress.
	Reporting   config.Reporting
	Hostname    dns.Domain
	UserAgent   string // For User-Agent header in report messages.

	now func() time.Time // Replaced by tests.

	cronMutex sync.Mutex
	cron      *cron.Cron
}

// DBTypes are the types in the bstore database with the suppression list.
var DBTypes = []any{SuppressAddress{}}

// Open opens the window store and suppression database in dir, creating them
// if needed. Authorizer, Throttle, Transmitter and Seq must still be set by
// the caller.
func Open(ctx context.Context, log mlog.Log, dir string, reporting config.Reporting, hostname dns.Domain) (*Reporter, error) {
	os.MkdirAll(dir, 0770)

	kv, err := kvdb.Open(ctx, filepath.Join(dir, "windows.db"))
	if err != nil {
		return nil, fmt.Errorf("open window store: %w", err)
	}

	p := filepath.Join(dir, "suppress.db")
	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0660, RegisterLogger: moxvar.RegisterLogger(p, log.Logger)}
	sdb, err := bstore.Open(ctx, p, &opts, DBTypes...)
	if err != nil {
		err = multierr.Append(fmt.Errorf("open suppression database: %w", err), kv.Close())
		return nil, err
	}

	r := &Reporter{
		Store:      kv,
		SuppressDB: sdb,
		Reporting:  reporting,
		Hostname:   hostname,
	}
	return r, nil
}

// Close stops the scheduler if it was started, and closes the stores.
func (r *Reporter) Close() error {
	r.Stop()

	var err error
	if c, ok := r.Store.(io.Closer); ok {
		err = multierr.Append(err, c.Close())
	}
	if r.SuppressDB != nil {
		err = multierr.Append(err, r.SuppressDB.Close())
	}
	return err
}

func (r *Reporter) timeNow() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}
