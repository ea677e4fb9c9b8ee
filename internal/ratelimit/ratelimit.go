// Package ratelimit provides fixed-window rate limiting middleware.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config configures rate limiting
type Config struct {
	// Limit is the number of requests a key may make per window
	Limit int
	// Window is the length of one counting window
	Window time.Duration
	// CleanupInterval is how often to drop expired windows
	CleanupInterval time.Duration
}

// DefaultConfig is the general API limit.
func DefaultConfig() Config {
	return Config{
		Limit:           120,
		Window:          time.Minute,
		CleanupInterval: time.Minute,
	}
}

// AdminConfig is the stricter limit for admin endpoints.
func AdminConfig(limit int, window time.Duration) Config {
	if limit <= 0 {
		limit = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return Config{Limit: limit, Window: window, CleanupInterval: window}
}

// Limiter counts requests per key in fixed windows.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	windows map[string]*window
	stop    chan struct{}
	once    sync.Once
	now     func() time.Time
}

type window struct {
	start time.Time
	count int
}

// New creates a limiter and starts its cleanup goroutine. Call Stop when done.
func New(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = cfg.Window
	}
	l := &Limiter{
		cfg:     cfg,
		windows: make(map[string]*window),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			now := l.now()
			for key, w := range l.windows {
				if now.Sub(w.start) >= l.cfg.Window {
					delete(l.windows, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow records one request for key and reports whether it fits in the
// current window, plus how long until the window resets.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.cfg.Window {
		w = &window{start: now.Truncate(l.cfg.Window)}
		l.windows[key] = w
	}
	reset := w.start.Add(l.cfg.Window).Sub(now)
	if w.count >= l.cfg.Limit {
		return false, reset
	}
	w.count++
	return true, reset
}

// Middleware returns a Gin middleware that rate limits by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, reset := l.Allow(c.ClientIP())
		if !ok {
			retryAfter := int(math.Ceil(reset.Seconds()))
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retryAfter,
			})
			return
		}
		c.Next()
	}
}
