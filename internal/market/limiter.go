package market

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiters holds one interval limiter per source name. A limiter lets one call through
// and then makes every later caller wait out the source's minimum interval.
type Limiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewLimiters(intervals map[string]time.Duration) *Limiters {
	l := &Limiters{limiters: make(map[string]*rate.Limiter, len(intervals))}
	for name, interval := range intervals {
		l.limiters[name] = newIntervalLimiter(interval)
	}
	return l
}

func newIntervalLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// Wait blocks until source may be called again or ctx is done.
func (l *Limiters) Wait(ctx context.Context, source string) error {
	return l.get(source).Wait(ctx)
}

func (l *Limiters) get(source string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[source]
	if !ok {
		lim = rate.NewLimiter(rate.Inf, 1)
		l.limiters[source] = lim
	}
	return lim
}
