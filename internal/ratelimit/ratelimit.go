// Package ratelimit throttles the unauthenticated endpoints (signup, login,
// resend-verification, reset-password) per client address.
//
// Two backends exist. Memory keeps a token bucket per key inside this
// process. Redis keeps a fixed one-minute counter per key, so every
// instance behind a load balancer shares one budget.
package ratelimit

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sakif/authcore/internal/apperror"
	"github.com/sakif/authcore/internal/middleware"
)

// Limiter decides whether one more request under key is allowed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Memory is a per-key token bucket refilled at perMinute/60 per second with
// a burst of perMinute.
type Memory struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewMemory returns a limiter allowing perMinute requests per key per minute.
// Buckets unused for idle are dropped on the next sweep.
func NewMemory(perMinute int) *Memory {
	return &Memory{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   perMinute,
		idle:    10 * time.Minute,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (m *Memory) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(m.limit, m.burst)}
		m.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1), nil
}

// Sweep drops idle buckets and returns how many were removed. The server
// runs it periodically.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.idle)
	n := 0
	for k, b := range m.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(m.buckets, k)
			n++
		}
	}
	return n
}

// Guard rejects with 429 once the limiter says no. The key is the route
// name plus the host part of RemoteAddr, which is the socket peer unless
// the server trusts a proxy and rewrote it. A limiter error is logged and the request goes through.
func Guard(name string, l Limiter, logger *slog.Logger) middleware.Guard {
	return middleware.Guard{
		Name: "ratelimit",
		Check: func(w http.ResponseWriter, r *http.Request) (*http.Request, error) {
			key := name + ":" + clientIP(r)
			ok, err := l.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limiter unavailable, allowing request",
					slog.String("key", key),
					slog.String("error", err.Error()),
				)
				return r, nil
			}
			if !ok {
				w.Header().Set("Retry-After", "60")
				return nil, apperror.TooManyRequests()
			}
			return r, nil
		},
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
