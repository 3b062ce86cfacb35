package server

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/r9s-ai/keyrelay/internal/config"
	"github.com/r9s-ai/keyrelay/internal/metrics"
	"github.com/r9s-ai/keyrelay/internal/relay"
	"github.com/r9s-ai/keyrelay/internal/requestid"
	"github.com/r9s-ai/keyrelay/internal/version"
)

// NewRouter builds the HTTP surface. mc and accessLogger may be nil.
func NewRouter(cfg *config.Config, mc *metrics.Collector, accessLogger *log.Logger, accessColor bool) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true

	r.Use(requestIDMiddleware())
	if accessLogger != nil {
		r.Use(requestLoggerWithColor(accessLogger, accessColor))
	}
	if mc != nil {
		r.Use(mc.Middleware())
	}
	r.Use(gin.Recovery())
	r.Use(corsMiddleware(cfg.CORS.AllowOrigins))

	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method not allowed"})
	})
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})

	providers := ConfiguredProviders(cfg)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "providers": providers})
	})
	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, version.Get())
	})
	if mc != nil && cfg.MetricsEnabled() {
		r.GET(cfg.Metrics.Path, gin.WrapH(mc.Handler()))
	}

	api := r.Group("/api")
	if cfg.TrafficDump.Enabled {
		api.Use(trafficDumpMiddleware(cfg))
	}
	// OPTIONS without an Origin header
	api.OPTIONS("/*path", func(c *gin.Context) {
		c.Header("Allow", "POST, OPTIONS")
		c.Status(http.StatusNoContent)
	})

	var obs relay.Observer
	if mc != nil {
		obs = mc
	}
	mountProviders(api, cfg, obs)
	return r
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cc := cors.Config{
		AllowMethods:  []string{http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Content-Type", requestid.HeaderKey},
		ExposeHeaders: []string{requestid.HeaderKey},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && strings.TrimSpace(origins[0]) == "*") {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = origins
	}
	return cors.New(cc)
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := requestid.FromHeader(c.GetHeader(requestid.HeaderKey))
		c.Header(requestid.HeaderKey, id)
		c.Set(requestid.HeaderKey, id)
		c.Next()
	}
}
