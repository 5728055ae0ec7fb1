package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"fermentation-monitor-backend/config"
	"fermentation-monitor-backend/internal/mw"
)

// NewRouter creates and configures the gin router. gatherer backs /metrics; nil
// serves the default registry.
func NewRouter(h *Handler, cfg config.ServerConfig, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), mw.Logger(h.logger))

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	rateLimiter := mw.RateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst)

	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	caching := mw.Cache(cache.New(ttl, 10*ttl), ttl)

	api := r.Group("/api")
	api.Use(rateLimiter)
	{
		api.POST("/ingest/telemetry", h.PostTelemetry)
		api.POST("/liveness/sweep", h.PostSweep)

		api.POST("/devices/:device_id/runs/start", h.StartRun)
		api.POST("/devices/:device_id/runs/stop", h.StopRun)
		api.GET("/devices/:device_id/runs/active", h.GetActiveRun)
		api.GET("/runs/:run_id/snapshots", h.GetRunSnapshots)

		api.GET("/devices/:device_id/telemetry", caching, h.GetTelemetry)
		api.GET("/devices/:device_id/settings", h.GetSettings)
		api.PUT("/devices/:device_id/settings", h.PutSettings)
		api.POST("/devices/:device_id/commands", h.PostCommand)

		api.GET("/commands", h.ListCommands)
		api.POST("/commands/:command_id/ack", h.AckCommand)

		api.GET("/subscriptions", h.GetSubscription)
		api.PUT("/subscriptions", h.PutSubscription)
		api.DELETE("/subscriptions", h.DeleteSubscription)
		api.GET("/vapid_public_key", h.GetVAPIDPublicKey)
	}

	return r
}
