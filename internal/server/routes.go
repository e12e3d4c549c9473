package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/tonic-hello-tls/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const healthzRoute = "/healthz"

// guarded reports whether routes other than /healthz require the token.
func (a *Admin) guarded() bool {
	return strings.TrimSpace(a.cfg.Token) != ""
}

func (a *Admin) registerRoutes() {
	a.router.GET(healthzRoute, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(a.appeared).String(),
			"version": a.cfg.Version,
		})
	})

	guarded := a.router.Group("/")
	if a.guarded() {
		guarded.Use(auth.RequireBearer(auth.StaticToken{Token: strings.TrimSpace(a.cfg.Token)}))
	}

	guarded.GET("/readyz", func(c *gin.Context) {
		state := "serving"
		if a.state != nil {
			state = a.state()
		}
		status := http.StatusOK
		if state != "serving" {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready": status == http.StatusOK,
			"state": state,
		})
	})

	guarded.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
