package dns

import (
	"context"

	"golang.org/x/exp/slices"

	"github.com/mjl-/adns"
)

// MockResolver is a Resolver for tests. Names are absolute, with trailing dot.
type MockResolver struct {
	TXT          map[string][]string
	CNAME        map[string]string // Followed for TXT lookups, at most 10 deep.
	Fail         []string          // "txt <name>" entries for which lookups return a temporary error.
	AllAuthentic bool              // Value for Authentic in results.
}

var _ Resolver = MockResolver{}

func mockError(name string, temporary bool) error {
	err := &adns.DNSError{Name: name, Server: "mock"}
	if temporary {
		err.Err = "temp error"
		err.IsTemporary = true
	} else {
		err.Err = "no record"
		err.IsNotFound = true
	}
	return err
}

func (r MockResolver) LookupTXT(ctx context.Context, name string) ([]string, adns.Result, error) {
	result := adns.Result{Authentic: r.AllAuthentic}
	if err := ctx.Err(); err != nil {
		return nil, result, err
	}
	for range 10 {
		if slices.Contains(r.Fail, "txt "+name) {
			return nil, adns.Result{}, mockError(name, true)
		}
		target, ok := r.CNAME[name]
		if !ok {
			break
		}
		name = target
	}
	if l, ok := r.TXT[name]; ok {
		return l, result, nil
	}
	return nil, result, mockError(name, false)
}
