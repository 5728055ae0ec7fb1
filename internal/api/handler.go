package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fermentation-monitor-backend/internal/ingest"
	"fermentation-monitor-backend/internal/liveness"
	"fermentation-monitor-backend/internal/store"
)

// Ingester accepts raw ingestion bodies.
type Ingester interface {
	IngestPayload(ctx context.Context, body []byte) (ingest.Result, error)
}

// Sweeper runs an on-demand liveness sweep.
type Sweeper interface {
	SweepNow(ctx context.Context) (liveness.SweepResult, error)
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store    store.Store
	ingester Ingester
	sweeper  Sweeper
	webpush  *webpush.Options
	logger   *zap.Logger
	now      func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(s store.Store, ingester Ingester, sweeper Sweeper, webpushOptions *webpush.Options, logger *zap.Logger) *Handler {
	return &Handler{
		store:    s,
		ingester: ingester,
		sweeper:  sweeper,
		webpush:  webpushOptions,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// int64Param parses a positive numeric path parameter, writing a 400 when it is not one.
func int64Param(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

// limitQuery parses ?limit=, applying def when absent and rejecting values outside [1,max].
func limitQuery(c *gin.Context, def, max int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > max {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and " + strconv.Itoa(max)})
		return 0, false
	}
	return n, true
}

func (h *Handler) internalError(c *gin.Context, msg string, err error) {
	h.logger.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": msg})
}
