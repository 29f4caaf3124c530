package dmarcdb

import (
	"context"
	"fmt"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/moxreport/smtp"
)

// SuppressAddress is a reporting address for which outgoing DMARC reports
// will be suppressed for a period.
type SuppressAddress struct {
	ID               int64
	Inserted         time.Time `bstore:"default now"`
	ReportingAddress string    `bstore:"unique"`
	Until            time.Time `bstore:"nonzero"`
	Comment          string
}

// SuppressAdd adds an address to the suppress list.
func (r *Reporter) SuppressAdd(ctx context.Context, ba *SuppressAddress) error {
	return r.SuppressDB.Insert(ctx, ba)
}

// SuppressList returns all reporting addresses on the suppress list.
func (r *Reporter) SuppressList(ctx context.Context) ([]SuppressAddress, error) {
	return bstore.QueryDB[SuppressAddress](ctx, r.SuppressDB).SortDesc("ID").List()
}

// SuppressRemove removes a reporting address record from the suppress list.
func (r *Reporter) SuppressRemove(ctx context.Context, id int64) error {
	return r.SuppressDB.Delete(ctx, &SuppressAddress{ID: id})
}

// SuppressUpdate updates the until field of a reporting address record.
func (r *Reporter) SuppressUpdate(ctx context.Context, id int64, until time.Time) error {
	ba := SuppressAddress{ID: id}
	err := r.SuppressDB.Get(ctx, &ba)
	if err != nil {
		return err
	}
	ba.Until = until
	return r.SuppressDB.Update(ctx, &ba)
}

// suppressed returns whether reports to addr are currently suppressed.
func (r *Reporter) suppressed(ctx context.Context, addr smtp.Address) (bool, error) {
	if r.SuppressDB == nil {
		return false, nil
	}
	q := bstore.QueryDB[SuppressAddress](ctx, r.SuppressDB)
	q.FilterNonzero(SuppressAddress{ReportingAddress: addr.String()})
	q.FilterGreater("Until", r.timeNow())
	exists, err := q.Exists()
	if err != nil {
		return false, fmt.Errorf("querying suppress list: %w", err)
	}
	return exists, nil
}
