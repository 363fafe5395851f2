// Package admin serves the daemon's HTTP admin surface: health, readiness,
// prometheus metrics and read-only views of live sessions and gifts.
package admin

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danmuck/ocapn/internal/auth"
	"github.com/danmuck/ocapn/internal/captp"
	"github.com/danmuck/ocapn/internal/observability"
	"github.com/danmuck/ocapn/internal/protocol/ops"
)

const version = "0.1.0"

// Source is the slice of a captp.Client the admin routes read.
type Source interface {
	Location() ops.Location
	Sessions() []captp.SessionInfo
	Gifts() *captp.GiftTable
}

// Options configures the admin router. A non-empty Token guards the
// session and gift views with a bearer token.
type Options struct {
	CorsOrigins []string
	Token       string
}

type Server struct {
	ID       string
	Appeared time.Time

	source Source
	router *gin.Engine
	ready  atomic.Bool
}

func New(source Source, opts Options) *Server {
	observability.RegisterMetrics()
	id := source.Location().Key()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.ComponentLogger("admin", id)))
	r.Use(observability.RequestMetricsMiddleware(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(opts.CorsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{ID: id, Appeared: time.Now(), source: source, router: r}
	s.registerRoutes(opts.Token)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// MarkReady flips /ready once the daemon accepts sessions.
func (s *Server) MarkReady(ready bool) { s.ready.Store(ready) }

func (s *Server) registerRoutes(token string) {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"node":    s.ID,
			"version": version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		if !s.ready.Load() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   s.ready.Load(),
			"uptime":  time.Since(s.Appeared).String(),
			"node":    s.ID,
			"version": version,
		})
	})

	s.router.GET("/location", func(c *gin.Context) {
		loc := s.source.Location()
		c.JSON(http.StatusOK, gin.H{
			"location":   loc.String(),
			"designator": loc.Designator,
			"transport":  loc.Transport,
			"hints":      loc.Hints,
		})
	})

	views := s.router.Group("/")
	if token != "" {
		views.Use(requireToken(auth.StaticToken{Token: token}))
	}

	views.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": s.source.Sessions()})
	})

	views.GET("/sessions/:id", func(c *gin.Context) {
		id := c.Param("id")
		for _, info := range s.source.Sessions() {
			if info.ID == id {
				c.JSON(http.StatusOK, info)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	})

	views.GET("/gifts", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"gifts": s.source.Gifts().List()})
	})
}

func requireToken(v auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := auth.CheckHeader(v, c.GetHeader("Authorization")); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
