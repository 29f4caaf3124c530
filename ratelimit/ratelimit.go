// Package ratelimit provides a simple window-based rate limiter keyed by
// string, e.g. for limiting the number of failure reports sent to a single
// report address.
package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Rate is a number of requests allowed per period.
type Rate struct {
	Requests int64
	Period   time.Duration
}

func (r Rate) String() string {
	return fmt.Sprintf("%d/%s", r.Requests, r.Period)
}

// ParseRate parses a rate of the form "<requests>/<period>", e.g. "1/1d",
// "5/1h" or "10/30m". The period is a Go duration, with an additional "d"
// suffix for days.
func ParseRate(s string) (Rate, error) {
	t := strings.SplitN(s, "/", 2)
	if len(t) != 2 {
		return Rate{}, fmt.Errorf("rate %q: missing slash", s)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(t[0]), 10, 64)
	if err != nil || n < 0 {
		return Rate{}, fmt.Errorf("rate %q: bad number of requests", s)
	}
	ps := strings.TrimSpace(t[1])
	var period time.Duration
	if strings.HasSuffix(ps, "d") {
		days, err := strconv.ParseInt(strings.TrimSuffix(ps, "d"), 10, 64)
		if err != nil {
			return Rate{}, fmt.Errorf("rate %q: bad number of days: %v", s, err)
		}
		period = time.Duration(days) * 24 * time.Hour
	} else if period, err = time.ParseDuration(ps); err != nil {
		return Rate{}, fmt.Errorf("rate %q: bad period: %v", s, err)
	}
	if period <= 0 {
		return Rate{}, fmt.Errorf("rate %q: period must be positive", s)
	}
	return Rate{n, period}, nil
}

type counter struct {
	window int64 // Start of window, as unix nanoseconds / period.
	period time.Duration
	count  int64
}

// Throttle counts requests per key in fixed windows. The window for a key
// follows the period of the rate it is checked with. A Throttle is safe for
// concurrent use.
type Throttle struct {
	sync.Mutex
	counters  map[string]*counter
	lastPrune time.Time
}

// Allow consumes one request for key at the current time.
func (l *Throttle) Allow(key string, rate Rate) bool {
	return l.AllowAt(key, rate, time.Now())
}

// AllowAt attempts to consume one request for key at time tm. If the count for
// the current window would exceed rate, it is not counted and false is
// returned. A new window starts with a zero count.
func (l *Throttle) AllowAt(key string, rate Rate, tm time.Time) bool {
	if rate.Period <= 0 {
		return false
	}

	l.Lock()
	defer l.Unlock()

	if l.counters == nil {
		l.counters = map[string]*counter{}
	}
	l.prune(tm)

	w := tm.UnixNano() / int64(rate.Period)
	c, ok := l.counters[key]
	if !ok || c.window != w || c.period != rate.Period {
		c = &counter{window: w, period: rate.Period}
		l.counters[key] = c
	}
	if c.count+1 > rate.Requests {
		return false
	}
	c.count++
	return true
}

// prune removes counters of windows that have passed, at most once a minute.
func (l *Throttle) prune(tm time.Time) {
	if tm.Sub(l.lastPrune) < time.Minute {
		return
	}
	l.lastPrune = tm
	for k, c := range l.counters {
		if tm.UnixNano()/int64(c.period) != c.window {
			delete(l.counters, k)
		}
	}
}

// Reset removes all counters.
func (l *Throttle) Reset() {
	l.Lock()
	defer l.Unlock()
	l.counters = nil
}
