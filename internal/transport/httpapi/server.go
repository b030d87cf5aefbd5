// Package httpapi exposes the operator control surface: session start/stop,
// manual orders, kill switch, halt acknowledgment and read-only status
// endpoints.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Leraiman/trading-bot/internal/logger"
)

type Server struct {
	addr   string
	router *gin.Engine
}

// NewServer wires the API routes onto a fresh gin engine.
func NewServer(addr string, api *Router) (*Server, error) {
	if api == nil {
		return nil, errors.New("http server requires an api router")
	}
	if addr == "" {
		addr = ":8080"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	// invalid risk limits keep the engine idle forever; report that as
	// unhealthy instead of looking ready to trade
	router.GET("/healthz", func(c *gin.Context) {
		snap := api.Engine.Snapshot()
		if !snap.LimitsOK {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": snap.LimitsError})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api.Register(router.Group("/api"))

	return &Server{addr: addr, router: router}, nil
}

func (s *Server) Addr() string { return s.addr }

// Handler exposes the underlying mux for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof("http api listening on %s", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// requestLogger records operator calls so manual interventions stay
// traceable.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		client := c.ClientIP()
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s",
			method, path, c.Writer.Status(), client, time.Since(start))
	}
}
