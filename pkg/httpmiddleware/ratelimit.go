package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/jx"
)

// RateLimitConfig configures the sliding window rate limiter.
type RateLimitConfig struct {
	// Max is the number of requests allowed per window.
	Max    int
	Window time.Duration
	// KeyFunc extracts the limit key. Defaults to the client IP.
	KeyFunc func(*http.Request) string
}

// Decision is the outcome of one SlidingWindow.Allow call.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

type window struct {
	start time.Time // aligned to the window size
	curr  float64
	prev  float64
}

// SlidingWindow approximates a sliding log per key with two fixed windows:
// the previous window's count is weighted by how much of it still overlaps
// the sliding interval.
type SlidingWindow struct {
	max  int
	size time.Duration
	now  func() time.Time

	mu   sync.Mutex
	keys map[string]*window
}

// NewSlidingWindow allows limit events per key within size.
func NewSlidingWindow(limit int, size time.Duration) *SlidingWindow {
	return &SlidingWindow{
		max:  limit,
		size: size,
		now:  time.Now,
		keys: make(map[string]*window),
	}
}

// Allow records an event for key unless that would exceed the limit.
func (s *SlidingWindow) Allow(key string) Decision {
	now := s.now()
	start := now.Truncate(s.size)

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.keys[key]
	switch {
	case !ok:
		w = &window{start: start}
		s.keys[key] = w
	case w.start.Equal(start):
	case w.start.Add(s.size).Equal(start):
		w.prev, w.curr, w.start = w.curr, 0, start
	default:
		w.prev, w.curr, w.start = 0, 0, start
	}

	overlap := 1 - float64(now.Sub(start))/float64(s.size)
	count := w.prev*overlap + w.curr
	d := Decision{ResetAt: start.Add(s.size)}
	if count >= float64(s.max) {
		return d
	}

	w.curr++
	d.Allowed = true
	d.Remaining = max(0, int(float64(s.max)-(count+1)))
	return d
}

// Sweep drops keys idle for at least two windows.
func (s *SlidingWindow) Sweep() {
	cutoff := s.now().Truncate(s.size).Add(-s.size)

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, w := range s.keys {
		if w.start.Before(cutoff) {
			delete(s.keys, key)
		}
	}
}

// Len returns the number of tracked keys.
func (s *SlidingWindow) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

func (s *SlidingWindow) sweepEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// RateLimit rejects requests over the per-key limit with 429 and the API
// error body. Every response carries X-RateLimit-Limit, -Remaining and
// -Reset. Idle keys are never evicted; use RateLimitWithCleanup for
// long-running servers.
func RateLimit(cfg RateLimitConfig) Middleware {
	return limitWith(NewSlidingWindow(cfg.Max, cfg.Window), cfg.KeyFunc)
}

// RateLimitWithCleanup is RateLimit plus a goroutine that sweeps idle keys
// every two windows until ctx is done.
func RateLimitWithCleanup(ctx context.Context, cfg RateLimitConfig) Middleware {
	sw := NewSlidingWindow(cfg.Max, cfg.Window)
	go sw.sweepEvery(ctx, 2*cfg.Window)
	return limitWith(sw, cfg.KeyFunc)
}

func limitWith(sw *SlidingWindow, keyFunc func(*http.Request) string) Middleware {
	if keyFunc == nil {
		keyFunc = ClientIP
	}
	limit := strconv.Itoa(sw.max)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := sw.Allow(keyFunc(r))

			h := w.Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			retry := max(0, d.ResetAt.Sub(sw.now()).Seconds())
			h.Set("Retry-After", strconv.Itoa(int(math.Ceil(retry))))
			h.Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)

			var e jx.Encoder
			e.Obj(func(e *jx.Encoder) {
				e.FieldStart("code")
				e.Int(http.StatusTooManyRequests)
				e.FieldStart("message")
				e.Str("rate limit exceeded")
			})
			_, _ = w.Write(e.Bytes())
		})
	}
}

// KeyByUserOrIP limits per X-User-ID when the caller names a user and per
// client IP otherwise.
func KeyByUserOrIP(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
		return "user:" + id
	}
	return "ip:" + ClientIP(r)
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// RemoteAddr host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
