package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"fermentation-monitor-backend/internal/ingest"
)

// maxIngestBody caps a single reading request.
const maxIngestBody = 64 << 10

// PostTelemetry handles POST /api/ingest/telemetry. The body is a direct reading or a
// broker envelope {topic, payload}.
func (h *Handler) PostTelemetry(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxIngestBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}

	res, err := h.ingester.IngestPayload(c.Request.Context(), body)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, res)
	case errors.Is(err, ingest.ErrMissingDeviceIdentifier):
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_device_identifier"})
	case errors.Is(err, ingest.ErrInvalidPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload", "detail": err.Error()})
	case errors.Is(err, ingest.ErrRegistrationFailed):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration_failed"})
	case errors.Is(err, ingest.ErrTelemetryPersistFailed):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "telemetry_persist_failed"})
	default:
		h.internalError(c, "ingestion failed", err)
	}
}

// PostSweep handles POST /api/liveness/sweep.
func (h *Handler) PostSweep(c *gin.Context) {
	res, err := h.sweeper.SweepNow(c.Request.Context())
	if err != nil {
		h.internalError(c, "liveness sweep failed", err)
		return
	}
	if res.DeviceIDs == nil {
		res.DeviceIDs = []int64{}
	}
	c.JSON(http.StatusOK, res)
}
