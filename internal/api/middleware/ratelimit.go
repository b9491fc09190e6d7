package middleware

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"foodbridge/core/internal/config"
)

// clientLimiter stores the token bucket of one client.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiterMiddleware keeps one token bucket per client.
type RateLimiterMiddleware struct {
	clients map[string]*clientLimiter
	mu      sync.Mutex
	rate    rate.Limit
	burst   int
	now     func() time.Time
}

// NewRateLimiterMiddleware creates a limiter from the configured bucket size and refill rate.
// Idle entries are dropped until ctx is done.
func NewRateLimiterMiddleware(ctx context.Context, cfg *config.Config) *RateLimiterMiddleware {
	rm := &RateLimiterMiddleware{
		clients: make(map[string]*clientLimiter),
		rate:    rate.Limit(cfg.RateLimitRefillRate),
		burst:   cfg.RateLimitBucketSize,
		now:     time.Now,
	}
	go rm.cleanupClients(ctx, 10*time.Minute, 30*time.Minute)
	return rm
}

// clientKey prefers the authenticated user so NAT-ed clients do not share a bucket.
func clientKey(c *gin.Context) string {
	if id := UserID(c); id != "" {
		return "user:" + id
	}
	return "ip:" + c.ClientIP()
}

func (rm *RateLimiterMiddleware) getClientLimiter(key string) *rate.Limiter {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	cl, exists := rm.clients[key]
	if !exists {
		cl = &clientLimiter{limiter: rate.NewLimiter(rm.rate, rm.burst)}
		rm.clients[key] = cl
	}
	cl.lastSeen = rm.now()
	return cl.limiter
}

func (rm *RateLimiterMiddleware) cleanupClients(ctx context.Context, every, idle time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := rm.evictIdle(idle); n > 0 {
				log.Printf("Rate limiter cleanup removed %d old client entries.", n)
			}
		}
	}
}

func (rm *RateLimiterMiddleware) evictIdle(idle time.Duration) int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	count := 0
	for key, cl := range rm.clients {
		if rm.now().Sub(cl.lastSeen) > idle {
			delete(rm.clients, key)
			count++
		}
	}
	return count
}

// Limit creates the Gin middleware handler.
func (rm *RateLimiterMiddleware) Limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := clientKey(c)
		if !rm.getClientLimiter(key).Allow() {
			log.Printf("Rate limit exceeded for client: %s on %s %s", key, c.Request.Method, c.FullPath())
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}
		c.Next()
	}
}
