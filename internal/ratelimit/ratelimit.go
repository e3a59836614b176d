// Package ratelimit provides per-source request throttling. Each source
// gets an independent minimum inter-request interval; Acquire blocks the
// caller until the next request is permitted.
package ratelimit

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Registry holds one limiter per source name.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	fallback time.Duration
}

// NewRegistry creates a Registry. fallback is the interval applied to
// sources that were never explicitly configured.
func NewRegistry(fallback time.Duration) *Registry {
	if fallback <= 0 {
		fallback = time.Second
	}
	return &Registry{
		limiters: make(map[string]*rate.Limiter),
		fallback: fallback,
	}
}

// Configure sets the minimum interval between requests to source.
// Burst stays at 1: there is no credit for having been idle.
func (r *Registry) Configure(source string, interval time.Duration) {
	if interval <= 0 {
		interval = r.fallback
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[source] = rate.NewLimiter(rate.Every(interval), 1)
	log.WithField("source", source).Debugf("Rate limit configured: one request per %s", interval)
}

// Acquire blocks until a request to source is permitted. It only returns
// an error when ctx is canceled; throttling itself never fails, it just
// waits.
func (r *Registry) Acquire(ctx context.Context, source string) error {
	return r.limiter(source).Wait(ctx)
}

// Interval reports the configured delay for source. Used by the crawler
// to size retry backoffs.
func (r *Registry) Interval(source string) time.Duration {
	lim := r.limiter(source)
	// Limit() is requests per second.
	if l := lim.Limit(); l > 0 {
		return time.Duration(float64(time.Second) / float64(l))
	}
	return r.fallback
}

func (r *Registry) limiter(source string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := r.limiters[source]
	if !ok {
		lim = rate.NewLimiter(rate.Every(r.fallback), 1)
		r.limiters[source] = lim
	}
	return lim
}
