package mw

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type keyLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

// Limiter 按 key 维护令牌桶，长时间未出现的 key 由 Run 定期回收。
type Limiter struct {
	mu  sync.Mutex
	m   map[string]*keyLimiter
	r   rate.Limit
	b   int
	ttl time.Duration
}

func NewLimiter(r rate.Limit, burst int, ttl time.Duration) *Limiter {
	return &Limiter{m: make(map[string]*keyLimiter), r: r, b: burst, ttl: ttl}
}

func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	kl, ok := l.m[key]
	if !ok {
		kl = &keyLimiter{lim: rate.NewLimiter(l.r, l.b)}
		l.m[key] = kl
	}
	kl.seen = time.Now()
	l.mu.Unlock()
	return kl.lim.Allow()
}

// Len 返回当前跟踪的 key 数量。
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

func (l *Limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, v := range l.m {
		if now.Sub(v.seen) > l.ttl {
			delete(l.m, k)
		}
	}
}

// Run sweeps idle keys every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			l.sweep(now)
		}
	}
}

// RateLimit 返回一个基于 IP+路由的令牌桶限速中间件。
func RateLimit(l *Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := clientIP(c.Request.RemoteAddr)
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if !l.Allow(ip + "|" + path) {
			c.AbortWithStatusJSON(429, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

func clientIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
