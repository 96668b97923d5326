// Package ratelimit implements the rate limiter boundary with one
// golang.org/x/time/rate token bucket per client key: a burst of
// RequestsPerMinute, refilled at RequestsPerMinute per Window. No request
// timestamps are kept, so after a burst a key is admitted again at the
// refill rate, not when its earlier requests age out of a window.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy is a named default: requests-per-minute and the effective window.
type Policy struct {
	RequestsPerMinute int
	Window            time.Duration
}

var (
	// HTTPPolicy is the default for the optional HTTP control surface.
	HTTPPolicy = Policy{RequestsPerMinute: 100, Window: time.Minute}
	// StreamPolicy is the default for framed-stream messages.
	StreamPolicy = Policy{RequestsPerMinute: 200, Window: time.Minute}
	// LocalIPCPolicy is the default for the UNIX-socket control plane.
	LocalIPCPolicy = Policy{RequestsPerMinute: 1000, Window: time.Minute}
)

// Limiter maintains one token-bucket limiter per client key, each
// reproducing the requested requests-per-window policy.
type Limiter struct {
	policy Policy
	mu     sync.Mutex
	keyed  map[string]*rate.Limiter
}

func New(p Policy) *Limiter {
	return &Limiter{policy: p, keyed: make(map[string]*rate.Limiter)}
}

func (l *Limiter) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl, ok := l.keyed[key]
	if !ok {
		perSecond := float64(l.policy.RequestsPerMinute) / l.policy.Window.Seconds()
		rl = rate.NewLimiter(rate.Limit(perSecond), l.policy.RequestsPerMinute)
		l.keyed[key] = rl
	}
	return rl
}

// Check evicts expired allowance and reports whether key may proceed now;
// on allow it counts the current request against the window.
func (l *Limiter) Check(key string) bool {
	return l.limiterFor(key).Allow()
}

// Forget drops a key's limiter state, e.g. when a client disconnects.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	delete(l.keyed, key)
	l.mu.Unlock()
}
