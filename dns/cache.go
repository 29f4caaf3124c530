package dns

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mjl-/adns"
)

type txtResult struct {
	records  []string
	result   adns.Result
	notFound error // Cached nxdomain/nodata error, nil for a positive response.
}

// CachingResolver wraps a Resolver and remembers TXT responses for a limited
// time. Both positive responses and "not found" responses are cached.
// Temporary errors are never cached.
type CachingResolver struct {
	Resolver Resolver
	cache    *expirable.LRU[string, txtResult]
}

var _ Resolver = (*CachingResolver)(nil)

// NewCachingResolver returns a resolver caching up to size names for ttl.
func NewCachingResolver(r Resolver, size int, ttl time.Duration) *CachingResolver {
	if size <= 0 {
		size = 1024
	}
	return &CachingResolver{
		Resolver: r,
		cache:    expirable.NewLRU[string, txtResult](size, nil, ttl),
	}
}

func (r *CachingResolver) LookupTXT(ctx context.Context, name string) ([]string, adns.Result, error) {
	if tr, ok := r.cache.Get(name); ok {
		return tr.records, tr.result, tr.notFound
	}
	l, result, err := r.Resolver.LookupTXT(ctx, name)
	if err == nil {
		r.cache.Add(name, txtResult{l, result, nil})
	} else if IsNotFound(err) {
		r.cache.Add(name, txtResult{nil, result, err})
	}
	return l, result, err
}
