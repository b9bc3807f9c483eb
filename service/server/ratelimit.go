package server

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// tokenBucket is a simple token bucket refilled continuously at rate
// tokens per second up to its burst capacity.
type tokenBucket struct {
	mu       sync.Mutex
	rate     float64
	capacity float64
	tokens   float64
	last     time.Time
}

func newTokenBucket(rate float64, burst int, now time.Time) *tokenBucket {
	return &tokenBucket{
		rate:     rate,
		capacity: float64(burst),
		tokens:   float64(burst),
		last:     now,
	}
}

// allow takes one token if available, without blocking.
func (b *tokenBucket) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func (b *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.tokens += b.rate * elapsed.Seconds()
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
}

// clientLimiter keeps one bucket per client identity. Identity is the
// api-key prefix when present, else the remote IP.
type clientLimiter struct {
	mu      sync.Mutex
	rate    float64
	burst   int
	buckets map[string]*tokenBucket
	now     func() time.Time
}

func newClientLimiter(ratePerSecond int) *clientLimiter {
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	return &clientLimiter{
		rate:    float64(ratePerSecond),
		burst:   ratePerSecond,
		buckets: make(map[string]*tokenBucket),
		now:     time.Now,
	}
}

func (l *clientLimiter) allow(client string) bool {
	now := l.now()
	l.mu.Lock()
	bucket, ok := l.buckets[client]
	if !ok {
		bucket = newTokenBucket(l.rate, l.burst, now)
		l.buckets[client] = bucket
	}
	l.mu.Unlock()
	return bucket.allow(now)
}

// clientIdentity derives the rate-limit key for a request. Only a prefix of
// the api key is used so the full credential never lands in metrics labels.
func clientIdentity(r *http.Request) string {
	if key := r.Header.Get(headerAPIKey); key != "" {
		if len(key) > 8 {
			key = key[:8]
		}
		return "key:" + key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}
