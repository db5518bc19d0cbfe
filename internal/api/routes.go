package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zulandar/roundtable/internal/metrics"
)

// registerRoutes sets up all API routes on the gin router.
func registerRoutes(router *gin.Engine, h *handlers, m *metrics.Metrics) {
	g := router.Group("/collaboration")
	g.POST("/start", h.start)
	g.GET("/start", h.health)
	g.GET("/status/:sessionId", h.status)
	g.GET("/stream/:sessionId", h.stream)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if m != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	router.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, "route not found", "")
	})
}
