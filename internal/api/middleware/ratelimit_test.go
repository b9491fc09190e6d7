package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"foodbridge/core/internal/config"
)

func limitedRouter(rm *RateLimiterMiddleware) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(rm.Limit())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r
}

func TestRateLimiter_BlocksAfterBurst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := config.Defaults()
	cfg.RateLimitBucketSize = 2
	cfg.RateLimitRefillRate = 0
	r := limitedRouter(NewRateLimiterMiddleware(ctx, cfg))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code, "other clients have their own bucket")
}

func TestRateLimiter_EvictsIdleClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rm := NewRateLimiterMiddleware(ctx, config.Defaults())
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rm.now = func() time.Time { return clock }

	rm.getClientLimiter("ip:a")
	clock = clock.Add(time.Hour)
	rm.getClientLimiter("ip:b")

	assert.Equal(t, 1, rm.evictIdle(30*time.Minute))
	assert.Len(t, rm.clients, 1)
}
