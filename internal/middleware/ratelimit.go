package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/darkden-lab/livefeed/internal/httputil"
	"github.com/darkden-lab/livefeed/internal/logging"
)

const (
	cleanupInterval = time.Minute
	idleLimiterTTL  = 3 * time.Minute
)

// ipLimiter holds a rate limiter and the last time it was used, in unix
// nanoseconds.
type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// RateLimiter enforces a per-client-IP token bucket. Limiters idle for more
// than three minutes are evicted.
type RateLimiter struct {
	limiters sync.Map
	rps      float64
	burst    int
	log      *zap.SugaredLogger

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter starts a limiter allowing rps sustained requests per second
// with bursts of burst per client. Call Close to stop the eviction loop.
func NewRateLimiter(rps float64, burst int, log *zap.SugaredLogger) *RateLimiter {
	if log == nil {
		log = logging.Nop()
	}
	l := &RateLimiter{
		rps:    rps,
		burst:  burst,
		log:    log,
		stopCh: make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Middleware answers 429 once the client's bucket is empty. It has the
// gorilla/mux MiddlewareFunc signature.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !l.getLimiter(ip).Allow() {
			l.log.Debugw("middleware: rate limited", "ip", ip, "path", r.URL.Path)
			w.Header().Set("Retry-After", strconv.Itoa(l.retryAfter()))
			httputil.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Close stops the eviction loop.
func (l *RateLimiter) Close() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// getLimiter returns the rate limiter for the given IP, creating one if needed.
func (l *RateLimiter) getLimiter(ip string) *rate.Limiter {
	now := time.Now().UnixNano()

	if v, ok := l.limiters.Load(ip); ok {
		entry := v.(*ipLimiter)
		entry.lastSeen.Store(now)
		return entry.limiter
	}

	entry := &ipLimiter{limiter: rate.NewLimiter(rate.Limit(l.rps), l.burst)}
	entry.lastSeen.Store(now)
	actual, _ := l.limiters.LoadOrStore(ip, entry)
	existing := actual.(*ipLimiter)
	existing.lastSeen.Store(now)
	return existing.limiter
}

// retryAfter is the whole number of seconds until one token is refilled.
func (l *RateLimiter) retryAfter() int {
	if l.rps <= 0 {
		return 1
	}
	secs := int(1 / l.rps)
	if secs < 1 {
		return 1
	}
	return secs
}

func (l *RateLimiter) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			l.evict(now)
		case <-l.stopCh:
			return
		}
	}
}

// evict removes limiters not used within idleLimiterTTL of now.
func (l *RateLimiter) evict(now time.Time) {
	cutoff := now.Add(-idleLimiterTTL).UnixNano()
	l.limiters.Range(func(key, value any) bool {
		if value.(*ipLimiter).lastSeen.Load() < cutoff {
			l.limiters.Delete(key)
		}
		return true
	})
}

// clientIP returns the host part of RemoteAddr. X-Forwarded-For is ignored.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr might not have a port.
		return r.RemoteAddr
	}
	return ip
}
