package dns

import (
	"context"
	"testing"
	"time"

	"github.com/mjl-/adns"
)

type countingResolver struct {
	MockResolver
	n int
}

func (r *countingResolver) LookupTXT(ctx context.Context, name string) ([]string, adns.Result, error) {
	r.n++
	return r.MockResolver.LookupTXT(ctx, name)
}

func TestCachingResolver(t *testing.T) {
	ctx := context.Background()
	cr := &countingResolver{
		MockResolver: MockResolver{
			TXT:  map[string][]string{"_dmarc.example.com.": {"v=DMARC1; p=none"}},
			Fail: []string{"txt _dmarc.temp.example."},
		},
	}
	r := NewCachingResolver(cr, 10, time.Minute)

	for i := 0; i < 2; i++ {
		l, _, err := r.LookupTXT(ctx, "_dmarc.example.com.")
		if err != nil || len(l) != 1 {
			t.Fatalf("lookup: %v %v", l, err)
		}
	}
	if cr.n != 1 {
		t.Fatalf("got %d lookups, expected 1", cr.n)
	}

	for i := 0; i < 2; i++ {
		if _, _, err := r.LookupTXT(ctx, "_dmarc.missing.example."); !IsNotFound(err) {
			t.Fatalf("got err %v, expected not found", err)
		}
	}
	if cr.n != 2 {
		t.Fatalf("got %d lookups, expected 2", cr.n)
	}

	for i := 0; i < 2; i++ {
		if _, _, err := r.LookupTXT(ctx, "_dmarc.temp.example."); !IsTemporary(err) {
			t.Fatalf("got err %v, expected temporary", err)
		}
	}
	if cr.n != 4 {
		t.Fatalf("got %d lookups, expected 4, temporary errors must not be cached", cr.n)
	}
}
