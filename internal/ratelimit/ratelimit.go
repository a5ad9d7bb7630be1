package ratelimit

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Backoff computes exponentially growing delays between retries.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	factor  float64
	jitter  bool
	mu      sync.Mutex
	rng     *rand.Rand
}

func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	if max < initial {
		max = initial
	}
	return &Backoff{
		initial: initial,
		max:     max,
		factor:  2,
		jitter:  true,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithoutJitter makes Delay deterministic.
func (b *Backoff) WithoutJitter() *Backoff {
	b.jitter = false
	return b
}

// Delay returns the wait before retry number attempt (0-based).
func (b *Backoff) Delay(attempt int) time.Duration {
	d := float64(b.initial)
	for i := 0; i < attempt; i++ {
		d *= b.factor
		if d >= float64(b.max) {
			d = float64(b.max)
			break
		}
	}
	delay := time.Duration(d)

	if b.jitter && delay > 1 {
		b.mu.Lock()
		// Up to 25% either way keeps retrying workers from moving in lockstep.
		spread := int64(delay) / 4
		if spread > 0 {
			delay += time.Duration(b.rng.Int63n(2*spread) - spread)
		}
		b.mu.Unlock()
	}
	if delay > b.max {
		delay = b.max
	}
	return delay
}

// Wait sleeps for Delay(attempt) or until ctx is done.
func (b *Backoff) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(b.Delay(attempt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Limiter throttles incoming requests with a token bucket.
type Limiter struct {
	limiter *rate.Limiter
}

// NewLimiter allows perSecond requests on average with bursts up to burst.
// A non-positive rate disables limiting.
func NewLimiter(perSecond float64, burst int) *Limiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(limit, burst)}
}

func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Middleware rejects requests over the limit with 429.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
