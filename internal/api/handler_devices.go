package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"fermentation-monitor-backend/internal/model"
	"fermentation-monitor-backend/internal/store"
)

const (
	defaultTelemetryLimit = 20
	maxTelemetryLimit     = 500
)

// GetTelemetry handles GET /api/devices/:device_id/telemetry?limit=n, newest first.
func (h *Handler) GetTelemetry(c *gin.Context) {
	deviceID, ok := int64Param(c, "device_id")
	if !ok {
		return
	}
	limit, ok := limitQuery(c, defaultTelemetryLimit, maxTelemetryLimit)
	if !ok {
		return
	}
	if !h.deviceExists(c, deviceID) {
		return
	}

	readings, err := h.store.LatestTelemetry(c.Request.Context(), deviceID, limit)
	if err != nil {
		h.internalError(c, "failed to load telemetry", err)
		return
	}
	if readings == nil {
		readings = []model.Telemetry{}
	}
	c.JSON(http.StatusOK, readings)
}

// GetSettings handles GET /api/devices/:device_id/settings. Devices that never saved
// settings report the defaults.
func (h *Handler) GetSettings(c *gin.Context) {
	deviceID, ok := int64Param(c, "device_id")
	if !ok {
		return
	}
	if !h.deviceExists(c, deviceID) {
		return
	}

	settings, err := h.store.GetSettings(c.Request.Context(), deviceID)
	if err != nil {
		h.internalError(c, "failed to load settings", err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

type putSettingsRequest struct {
	TargetPH            *float64 `json:"target_ph" binding:"required"`
	AutoDrainPreference *bool    `json:"auto_drain_preference" binding:"required"`
}

// PutSettings handles PUT /api/devices/:device_id/settings. A running batch keeps the
// target it was started with.
func (h *Handler) PutSettings(c *gin.Context) {
	deviceID, ok := int64Param(c, "device_id")
	if !ok {
		return
	}

	var req putSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if !validPH(*req.TargetPH) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target_ph must be within (0, 14]"})
		return
	}
	if !h.deviceExists(c, deviceID) {
		return
	}

	settings := model.DeviceSettings{
		DeviceID:            deviceID,
		TargetPH:            *req.TargetPH,
		AutoDrainPreference: *req.AutoDrainPreference,
	}
	if err := h.store.UpsertSettings(c.Request.Context(), &settings); err != nil {
		h.internalError(c, "failed to save settings", err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

// deviceExists writes a 404 and reports false when the device is unknown.
func (h *Handler) deviceExists(c *gin.Context, deviceID int64) bool {
	if _, err := h.store.GetDevice(c.Request.Context(), deviceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "device_not_found"})
			return false
		}
		h.internalError(c, "failed to load device", err)
		return false
	}
	return true
}
