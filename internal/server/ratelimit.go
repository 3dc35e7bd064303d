package server

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/54b3r/casechat/internal/logging"
)

const (
	// defaultRateLimit is the sustained requests per second per client.
	defaultRateLimit = 10
	// defaultRateBurst lets a client open a session and send a question
	// back to back without waiting on the bucket.
	defaultRateBurst = 20
	// maxTrackedClients bounds the limiter cache; the least recently seen
	// client is dropped first.
	maxTrackedClients = 4096
	// clientIdleTTL is how long a silent client keeps its bucket.
	clientIdleTTL = 5 * time.Minute
)

// rateLimiter enforces a token bucket per client address. Buckets live in an
// expiring LRU so idle clients are forgotten without a sweeper goroutine.
type rateLimiter struct {
	mu      sync.Mutex
	buckets *expirable.LRU[string, *rate.Limiter]
	rps     rate.Limit
	burst   int
	log     *slog.Logger

	// onReject, when set, is told the route pattern of each rejection.
	onReject func(pattern string)
}

// newRateLimiter returns a limiter and a stop function that drops every
// tracked bucket. Non-positive rps or burst select the defaults.
func newRateLimiter(rps float64, burst int, log *slog.Logger) (*rateLimiter, func()) {
	if rps <= 0 {
		rps = defaultRateLimit
	}
	if burst <= 0 {
		burst = defaultRateBurst
	}
	rl := &rateLimiter{
		buckets: expirable.NewLRU[string, *rate.Limiter](maxTrackedClients, nil, clientIdleTTL),
		rps:     rate.Limit(rps),
		burst:   burst,
		log:     log,
	}
	return rl, rl.buckets.Purge
}

// bucket returns the limiter for ip. Re-adding an existing bucket refreshes
// its idle deadline.
func (rl *rateLimiter) bucket(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	lim, ok := rl.buckets.Get(ip)
	if !ok {
		lim = rate.NewLimiter(rl.rps, rl.burst)
	}
	rl.buckets.Add(ip, lim)
	return lim
}

// tracked reports how many clients currently hold a bucket.
func (rl *rateLimiter) tracked() int {
	return rl.buckets.Len()
}

// middleware rejects over-limit requests with 429 and a Retry-After hint
// derived from the bucket's next free token.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		lim := rl.bucket(ip)

		res := lim.Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			logging.FromContext(r.Context()).Warn("rate limit exceeded",
				slog.String("ip", ip),
				slog.String("path", r.URL.Path),
				slog.Duration("retry_in", delay),
			)
			if rl.onReject != nil {
				rl.onReject(r.Pattern)
			}
			w.Header().Set("Retry-After", retryAfterSeconds(delay))
			http.Error(w, "too many requests, slow down", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// retryAfterSeconds rounds d up to whole seconds, never below one.
func retryAfterSeconds(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// clientIP is the request's remote host without its port. Forwarding
// headers are ignored: the API key, not the address, is the trust boundary.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if i := strings.LastIndexByte(r.RemoteAddr, ':'); i > 0 {
		return r.RemoteAddr[:i]
	}
	return r.RemoteAddr
}
