// Package ops exposes the calculation core's operational HTTP surface:
// health, readiness, and Prometheus metrics, protected by the same
// request-ID/logging/rate-limit/timeout/CORS middleware stack the teacher's
// internal/api.NewServer assembles, generalized from a per-IP
// golang.org/x/time/rate map (internal/api/middleware.go) to the shared
// internal/resilience.Registry so the HTTP edge and the engines share one
// rate-limiter/circuit-breaker bookkeeping surface.
package ops

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/galatea-associates/ims-core/internal/resilience"
)

// RequestID attaches a request ID (from the X-Request-ID header, or a
// generated one) to the context and response header.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}

// RequestLogger logs every request's method, path, status, and latency.
func RequestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Info().
			Str("request_id", c.GetString("request_id")).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("ops: request")
	}
}

// RateLimit denies requests once the named call's shared rate limiter is
// exhausted, per-IP, mirroring the teacher's RateLimitMiddleware but backed
// by the engines' own resilience.Registry instead of a private map.
func RateLimit(reg *resilience.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !reg.Allow("ops.http:" + c.ClientIP()) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// Timeout bounds request handling to d, matching the teacher's
// TimeoutMiddleware panic-recovery-plus-deadline pattern.
func Timeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		finished := make(chan struct{})
		panicked := make(chan any, 1)
		go func() {
			defer func() {
				if p := recover(); p != nil {
					panicked <- p
				}
			}()
			c.Next()
			close(finished)
		}()

		select {
		case p := <-panicked:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			c.Abort()
			panic(p)
		case <-finished:
		case <-ctx.Done():
			c.JSON(http.StatusRequestTimeout, gin.H{"error": "request timeout"})
			c.Abort()
		}
	}
}

// CORS allows cross-origin reads of the operational surface, matching the
// teacher's CORSMiddleware.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
