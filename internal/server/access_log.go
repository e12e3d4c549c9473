package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// accessLog records admin requests. Probe and scrape traffic that succeeds
// stays at trace; rejected tokens are warnings.
func (a *Admin) accessLog(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		guarded := a.guarded() && route != healthzRoute && route != "unmatched"

		var event *zerolog.Event
		switch {
		case status == http.StatusUnauthorized:
			event = logger.Warn().Str("auth", "rejected")
		case status == http.StatusServiceUnavailable:
			event = logger.Debug()
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Debug()
		default:
			event = logger.Trace()
		}
		if guarded && status != http.StatusUnauthorized {
			event = event.Str("auth", "accepted")
		}
		if a.state != nil {
			event = event.Str("listener_state", a.state())
		}
		event.
			Str("route", route).
			Bool("guarded", guarded).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("admin request")
	}
}
