// Package queue stores outgoing report messages for the delivery pipeline.
//
// The queue is the hand-off point between report generation and SMTP
// delivery, which is done by a separate process reading the queue. A message
// is stored as a file in the queue directory, with its envelope in a bstore
// database. Queueing is fire-and-forget for the caller: errors are logged and
// counted, never returned.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/bstore"

	"github.com/mjl-/moxreport/mlog"
	"github.com/mjl-/moxreport/moxio"
	"github.com/mjl-/moxreport/moxvar"
	"github.com/mjl-/moxreport/smtp"
)

var (
	metricQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moxreport_queue_queued_total",
			Help: "Messages added to the queue, by kind (aggregate, failure).",
		},
		[]string{"kind"},
	)
	metricQueueErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "moxreport_queue_errors_total",
			Help: "Messages that could not be added to the queue.",
		},
	)
)

// DBTypes are the types stored in the queue database.
var DBTypes = []any{Msg{}}

// Msg is a queued message.
type Msg struct {
	ID         int64
	UID        string    `bstore:"nonzero,unique"` // ULID, also the name of the message file.
	Queued     time.Time `bstore:"default now"`
	From       string    // SMTP MAIL FROM, the report from address.
	Recipients []string  // SMTP RCPT TO addresses.
	Size       int64
	MessageID  string   // Without <>.
	DKIMSign   []string // Selectors the delivery pipeline should sign with.

	IsDMARCReport bool // Delivery failures for DMARC reports are not reported back.
	IsAggregate   bool // Aggregate report, otherwise failure report.
	ContextID     int64
}

// Queue is a persistent queue of outgoing messages.
type Queue struct {
	DB  *bstore.DB
	Dir string
}

// Open opens or creates the queue database and message directory in dir.
func Open(ctx context.Context, log mlog.Log, dir string) (*Queue, error) {
	if err := os.MkdirAll(filepath.Join(dir, "msg"), 0770); err != nil {
		return nil, fmt.Errorf("creating queue directory: %v", err)
	}
	dbpath := filepath.Join(dir, "index.db")
	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0660, RegisterLogger: moxvar.RegisterLogger(dbpath, log.Logger)}
	db, err := bstore.Open(ctx, dbpath, &opts, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	return &Queue{db, dir}, nil
}

// Close closes the queue database.
func (q *Queue) Close() error {
	return q.DB.Close()
}

// MessagePath returns the path to the file with the contents of m.
func (q *Queue) MessagePath(m Msg) string {
	return filepath.Join(q.Dir, "msg", m.UID+".eml")
}

// Send adds a message for rcpts to the queue. The message file is written and
// synced before the database record is inserted, so a queued record always has
// its file. Failures are logged.
func (q *Queue) Send(ctx context.Context, log mlog.Log, from smtp.Address, rcpts []smtp.Address, msg []byte, sign []string, aggregate bool, cid int64) {
	kind := "failure"
	if aggregate {
		kind = "aggregate"
	}
	m, err := q.add(ctx, log, from, rcpts, msg, sign, aggregate, cid)
	if err != nil {
		metricQueueErrors.Inc()
		log.Errorx("queueing report message", err, slog.String("kind", kind), slog.Any("recipients", rcpts))
		return
	}
	metricQueued.WithLabelValues(kind).Inc()
	log.Info("report message queued",
		slog.String("kind", kind),
		slog.String("uid", m.UID),
		slog.Any("recipients", m.Recipients),
		slog.Int64("size", m.Size))
}

func (q *Queue) add(ctx context.Context, log mlog.Log, from smtp.Address, rcpts []smtp.Address, msg []byte, sign []string, aggregate bool, cid int64) (Msg, error) {
	if len(rcpts) == 0 {
		return Msg{}, fmt.Errorf("must queue for at least one recipient")
	}
	m := Msg{
		UID:           ulid.Make().String(),
		From:          from.Pack(true),
		Size:          int64(len(msg)),
		MessageID:     messageID(msg),
		DKIMSign:      sign,
		IsDMARCReport: true,
		IsAggregate:   aggregate,
		ContextID:     cid,
	}
	for _, rcpt := range rcpts {
		m.Recipients = append(m.Recipients, rcpt.Pack(true))
	}

	p := q.MessagePath(m)
	if err := writeSync(p, msg); err != nil {
		os.Remove(p)
		return Msg{}, fmt.Errorf("writing message file: %v", err)
	}
	if err := moxio.SyncDir(log, filepath.Dir(p)); err != nil {
		os.Remove(p)
		return Msg{}, fmt.Errorf("sync queue directory: %v", err)
	}
	if err := q.DB.Insert(ctx, &m); err != nil {
		xerr := os.Remove(p)
		log.Check(xerr, "removing message file after failed insert", slog.String("path", p))
		return Msg{}, fmt.Errorf("inserting message in queue: %w", err)
	}
	return m, nil
}

func writeSync(p string, buf []byte) error {
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0660)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// messageID returns the value of the Message-Id header in msg, without <>.
func messageID(msg []byte) string {
	for _, line := range strings.Split(string(msg), "\r\n") {
		if line == "" {
			break
		}
		k, v, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(k, "Message-Id") {
			v = strings.TrimSpace(v)
			return strings.TrimSuffix(strings.TrimPrefix(v, "<"), ">")
		}
	}
	return ""
}

// List returns the queued messages, oldest first.
func (q *Queue) List(ctx context.Context) ([]Msg, error) {
	return bstore.QueryDB[Msg](ctx, q.DB).SortAsc("Queued", "ID").List()
}

// Drop removes a message from the queue, along with its file. Used by the
// delivery pipeline after delivery, and by the command line.
func (q *Queue) Drop(ctx context.Context, log mlog.Log, uid string) error {
	m, err := bstore.QueryDB[Msg](ctx, q.DB).FilterNonzero(Msg{UID: uid}).Get()
	if err == bstore.ErrAbsent {
		return fmt.Errorf("no queued message with uid %q", uid)
	} else if err != nil {
		return fmt.Errorf("looking up message: %w", err)
	}
	if err := q.DB.Delete(ctx, &m); err != nil {
		return fmt.Errorf("removing message from queue: %w", err)
	}
	err = os.Remove(q.MessagePath(m))
	log.Check(err, "removing queued message file", slog.String("uid", uid))
	return nil
}
