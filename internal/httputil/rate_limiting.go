package httputil

import (
	"context"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

var (
	rateLimitThrottled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fedcore",
			Subsystem: "federationapi",
			Name:      "outbound_rate_limit_throttled",
			Help:      "Total number of outbound requests that had to wait for the per-server rate limit",
		},
		[]string{"kind"},
	)
	rateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fedcore",
			Subsystem: "federationapi",
			Name:      "outbound_rate_limit_allowed",
			Help:      "Total number of outbound requests allowed without waiting",
		},
		[]string{"kind"},
	)
)

var registerRateLimiterMetrics sync.Once

func init() {
	registerRateLimiterMetrics.Do(func() {
		prometheus.MustRegister(rateLimitThrottled, rateLimitAllowed)
	})
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimits holds one token bucket per (kind, server) pair for requests we
// make towards remote servers.
type RateLimits struct {
	limits      map[string]*limiterEntry
	mutex       sync.Mutex
	perSecond   rate.Limit
	burst       int
	cleanupDone chan struct{} // Signal channel to stop cleanup goroutine
}

func NewRateLimits(perSecond float64, burst int) *RateLimits {
	if burst < 1 {
		burst = 1
	}
	l := &RateLimits{
		limits:      make(map[string]*limiterEntry),
		perSecond:   rate.Limit(perSecond),
		burst:       burst,
		cleanupDone: make(chan struct{}),
	}
	go l.clean()
	return l
}

// clean runs periodically to remove limiters that have not been used for a
// while, so that a long tail of servers we talked to once does not pin memory.
func (l *RateLimits) clean() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-l.cleanupDone:
			return
		case <-ticker.C:
			l.expire(time.Now().Add(-time.Minute))
		}
	}
}

func (l *RateLimits) expire(cutoff time.Time) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	for key, entry := range l.limits {
		// a limiter that still owes tokens must survive, or the server
		// would get a fresh burst
		if entry.lastSeen.Before(cutoff) && entry.limiter.Tokens() >= float64(l.burst) {
			delete(l.limits, key)
		}
	}
}

// Stop gracefully stops the cleanup goroutine. Safe to call multiple times.
func (l *RateLimits) Stop() {
	select {
	case <-l.cleanupDone:
	default:
		close(l.cleanupDone)
	}
}

// Wait blocks until a request of the given kind may be made to the server,
// or until the context is done.
func (l *RateLimits) Wait(ctx context.Context, kind string, serverName spec.ServerName) error {
	limiter := l.getLimiter(kind + "|" + string(serverName))
	if limiter.Allow() {
		rateLimitAllowed.WithLabelValues(kind).Inc()
		return nil
	}
	rateLimitThrottled.WithLabelValues(kind).Inc()
	return limiter.Wait(ctx)
}

func (l *RateLimits) getLimiter(key string) *rate.Limiter {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	entry, ok := l.limits[key]
	if !ok {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(l.perSecond, l.burst),
		}
		l.limits[key] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

func (l *RateLimits) size() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return len(l.limits)
}
