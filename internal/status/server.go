// Package status serves the HTTP view of a running registry: liveness,
// Prometheus metrics and the list of connected endpoints.
package status

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/iolink/internal/auth"
	"github.com/danmuck/iolink/internal/observability"
	"github.com/danmuck/iolink/internal/registry"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

type Server struct {
	Node     string
	Appeared time.Time

	registry *registry.Registry
	auth     auth.Validator
	router   *gin.Engine
}

// New builds the router. A nil validator leaves the endpoint routes open.
func New(node string, reg *registry.Registry, validator auth.Validator, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.InitLogger(node), "/metrics", "/health"))
	r.Use(observability.RequestMetricsMiddleware(node))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		Node:     node,
		Appeared: time.Now(),
		registry: reg,
		auth:     validator,
		router:   r,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"node":    s.Node,
			"version": version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":     true,
			"endpoints": s.registry.Len(),
			"identity":  s.registry.Identity().String(),
		})
	})

	eps := s.router.Group("/endpoints", s.requireToken())
	eps.GET("", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"endpoints": s.registry.Endpoints()})
	})
	eps.GET("/:peer", func(c *gin.Context) {
		peer, ok := s.peerParam(c)
		if !ok {
			return
		}
		for _, info := range s.registry.Endpoints() {
			if info.Peer == peer.String() {
				c.JSON(http.StatusOK, info)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})
	eps.POST("/:peer/detach", func(c *gin.Context) {
		peer, ok := s.peerParam(c)
		if !ok {
			return
		}
		both := c.Query("both") == "true"
		var err error
		if both {
			err = s.registry.DetachBothSides(peer, nil)
		} else {
			err = s.registry.Detach(peer, nil)
		}
		if err != nil {
			status := http.StatusConflict
			if errors.Is(err, registry.ErrUnknownPeer) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		log.Info().Str("node", s.Node).Str("peer", peer.String()).Bool("both", both).Msg("detach requested")
		c.JSON(http.StatusAccepted, gin.H{"status": "detaching"})
	})
}

func (s *Server) peerParam(c *gin.Context) (uuid.UUID, bool) {
	peer, err := uuid.Parse(c.Param("peer"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "peer must be a connection id"})
		return uuid.Nil, false
	}
	return peer, true
}

func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.auth == nil {
			c.Next()
			return
		}
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if err := s.auth.Validate(token); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

// Serve runs the HTTP server on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	log.Info().Str("node", s.Node).Str("addr", ln.Addr().String()).Msg("status server listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
