// Package server hosts the admin HTTP surface: liveness, readiness and
// Prometheus metrics for the greet listener.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/tonic-hello-tls/internal/observability"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// StateFunc reports the listener lifecycle state ("starting", "serving",
// "draining", "stopped").
type StateFunc func() string

type Config struct {
	Addr    string
	Token   string
	Version string
}

type Admin struct {
	cfg      Config
	state    StateFunc
	router   *gin.Engine
	srv      *http.Server
	appeared time.Time
}

func NewAdmin(cfg Config, state StateFunc, logger zerolog.Logger) *Admin {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestMetricsMiddleware())

	a := &Admin{
		cfg:      cfg,
		state:    state,
		router:   r,
		appeared: time.Now(),
	}
	r.Use(a.accessLog(logger))
	a.registerRoutes()
	a.srv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       time.Minute,
		MaxHeaderBytes:    8 * 1024,
	}
	return a
}

func (a *Admin) Handler() http.Handler {
	return a.router
}

func (a *Admin) Listen() (net.Listener, error) {
	return net.Listen("tcp", strings.TrimSpace(a.cfg.Addr))
}

// Serve blocks until Shutdown is called or ln fails.
func (a *Admin) Serve(ln net.Listener) error {
	if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *Admin) Shutdown(ctx context.Context) error {
	return a.srv.Shutdown(ctx)
}
