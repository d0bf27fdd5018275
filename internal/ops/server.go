package ops

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/galatea-associates/ims-core/internal/reconciliation"
	"github.com/galatea-associates/ims-core/internal/resilience"
)

// Config bounds the operational HTTP surface's middleware.
type Config struct {
	RequestTimeout time.Duration
}

// DefaultConfig bounds requests to 10s, well above any single engine call.
func DefaultConfig() Config {
	return Config{RequestTimeout: 10 * time.Second}
}

// Server is the gin.Engine carrying /healthz, /readyz, and /metrics,
// grounded on the teacher's internal/api.Server wiring (NewServer assembles
// a middleware stack, then registers routes) but scoped to ops concerns
// only - the query surface REST/WebSocket façades stay out of scope per the
// spec's Non-goals.
type Server struct {
	Router *gin.Engine

	reconciler *reconciliation.Service
	startedAt  time.Time
}

// NewServer builds the gin router with the standard middleware stack and
// registers the ops routes.
func NewServer(reconciler *reconciliation.Service, breakers *resilience.Registry, cfg Config, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(RequestLogger(log))
	r.Use(RateLimit(breakers))
	r.Use(Timeout(cfg.RequestTimeout))
	r.Use(CORS())

	s := &Server{Router: r, reconciler: reconciler, startedAt: time.Now()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/healthz", s.health)
	s.Router.GET("/readyz", s.ready)
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	})
}

// ready reports not-ready once the reconciliation service hasn't scanned
// for drift in over 5 minutes - a sign the background
// loop died without crashing the process.
func (s *Server) ready(c *gin.Context) {
	if s.reconciler == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}
	last := s.reconciler.LastScan()
	if last.IsZero() {
		c.JSON(http.StatusOK, gin.H{"status": "ready", "reconciliation": "pending first scan"})
		return
	}
	staleness := time.Since(last)
	if staleness > 5*time.Minute {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":               "not_ready",
			"reconciliation_stale": staleness.String(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "last_scan": last.Format(time.RFC3339)})
}
