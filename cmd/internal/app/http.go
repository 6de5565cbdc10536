package app

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const readyTimeout = 2 * time.Second

func (a *App) routes() *gin.Engine {
	r := gin.New()
	r.Use(
		gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, v any) {
			a.log.Error("http.panic", "path", c.Request.URL.Path, "panic", v)
			c.AbortWithStatus(http.StatusInternalServerError)
		}),
		requestLogger(a.log),
		securityHeaders(),
	)
	if mw := newCORS(a.cfg); mw != nil {
		r.Use(mw)
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok\n")
	})
	r.GET("/readyz", a.handleReady)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{Registry: a.metrics})))
	r.GET("/ws", gin.WrapH(a.gateway))

	if a.api != nil {
		a.api.Register(r)
	}
	return r
}

func (a *App) handleReady(c *gin.Context) {
	for _, chk := range a.checks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
		err := chk.ping(ctx)
		cancel()
		if err != nil {
			a.log.Info("readyz.not_ready", "dependency", chk.name, "err", err)
			c.String(http.StatusServiceUnavailable, chk.name+" not ready\n")
			return
		}
	}
	c.String(http.StatusOK, "ready\n")
}
