package queue

import (
	"context"
	"os"
	"reflect"
	"testing"

	"github.com/mjl-/moxreport/mlog"
	"github.com/mjl-/moxreport/smtp"
)

var ctxbg = context.Background()
var pkglog = mlog.New("queue", nil)

func tcheck(t *testing.T, err error, msg string) {
	if err != nil {
		t.Helper()
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", got, exp)
	}
}

func TestQueue(t *testing.T) {
	q, err := Open(ctxbg, pkglog, t.TempDir())
	tcheck(t, err, "open queue")
	defer func() {
		err := q.Close()
		tcheck(t, err, "close queue")
	}()

	from, err := smtp.ParseAddress("postmaster@mail.example.org")
	tcheck(t, err, "parse from")
	rcpt, err := smtp.ParseAddress("dmarc-reports@example.com")
	tcheck(t, err, "parse rcpt")

	msg := "From: <postmaster@mail.example.org>\r\nMessage-Id: <abc@mail.example.org>\r\n\r\nbody\r\n"
	q.Send(ctxbg, pkglog, from, []smtp.Address{rcpt}, []byte(msg), []string{"sel1"}, true, 1)

	// No recipients, not queued.
	q.Send(ctxbg, pkglog, from, nil, []byte(msg), nil, false, 2)

	l, err := q.List(ctxbg)
	tcheck(t, err, "list")
	if len(l) != 1 {
		t.Fatalf("got %d messages, expected 1", len(l))
	}
	m := l[0]
	tcompare(t, m.From, "postmaster@mail.example.org")
	tcompare(t, m.Recipients, []string{"dmarc-reports@example.com"})
	tcompare(t, m.MessageID, "abc@mail.example.org")
	tcompare(t, m.Size, int64(len(msg)))
	tcompare(t, m.DKIMSign, []string{"sel1"})
	tcompare(t, m.IsAggregate, true)
	tcompare(t, m.ContextID, int64(1))

	buf, err := os.ReadFile(q.MessagePath(m))
	tcheck(t, err, "read message file")
	tcompare(t, string(buf), msg)

	err = q.Drop(ctxbg, pkglog, m.UID)
	tcheck(t, err, "drop")
	if _, err := os.Stat(q.MessagePath(m)); !os.IsNotExist(err) {
		t.Fatalf("message file still present after drop: %v", err)
	}
	err = q.Drop(ctxbg, pkglog, m.UID)
	if err == nil {
		t.Fatalf("dropping absent message succeeded")
	}
}
