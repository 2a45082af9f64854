package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/poiesic/curupira/core"
	"golang.org/x/time/rate"
)

// maxTrackedClients bounds how many per-client limiters are kept. The least
// recently seen client is evicted first and starts over with a full allowance.
const maxTrackedClients = 10000

// rateLimiter gives every client a token bucket holding requests tokens that
// refills completely over window.
type rateLimiter struct {
	requests   int
	every      rate.Limit
	trustProxy bool

	mu      sync.Mutex
	clients *lru.Cache[string, *rate.Limiter]
}

func newRateLimiter(requests int, window time.Duration, trustProxy bool) (*rateLimiter, error) {
	clients, err := lru.New[string, *rate.Limiter](maxTrackedClients)
	if err != nil {
		return nil, err
	}
	return &rateLimiter{
		requests:   requests,
		every:      rate.Every(window / time.Duration(requests)),
		trustProxy: trustProxy,
		clients:    clients,
	}, nil
}

func (l *rateLimiter) limiter(client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.clients.Get(client); ok {
		return lim
	}
	lim := rate.NewLimiter(l.every, l.requests)
	l.clients.Add(client, lim)
	return lim
}

// clientKey identifies the caller by address. Proxy headers are only
// honored when the server sits behind a trusted proxy.
func (l *rateLimiter) clientKey(r *http.Request) string {
	if l.trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// unlimitedPaths serve load balancer health checks and metric scrapers.
var unlimitedPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// withRateLimit rejects clients over their allowance with 429 and a
// Retry-After header. Accepted responses carry the remaining allowance.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	l := s.limiter
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if unlimitedPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		client := l.clientKey(r)
		lim := l.limiter(client)
		now := time.Now()
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.requests))

		res := lim.ReserveN(now, 1)
		if delay := res.DelayFrom(now); delay > 0 {
			res.CancelAt(now)
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("Retry-After", strconv.Itoa(core.RetryAfterSeconds(delay)))
			s.logger.Warn("rate limit exceeded",
				"request_id", RequestIDFromContext(r.Context()),
				"client", client,
				"max_requests", l.requests)
			s.writeError(w, r, &core.RateLimitError{RetryAfter: delay})
			return
		}

		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(0, int(lim.TokensAt(now)))))
		next.ServeHTTP(w, r)
	})
}
