package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"fermentation-monitor-backend/internal/model"
	"fermentation-monitor-backend/internal/store"
)

type startRunRequest struct {
	Mode     model.RunMode `json:"mode"`
	TargetPH *float64      `json:"target_ph"`
}

// StartRun handles POST /api/devices/:device_id/runs/start.
func (h *Handler) StartRun(c *gin.Context) {
	deviceID, ok := int64Param(c, "device_id")
	if !ok {
		return
	}

	var req startRunRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
	}
	if req.Mode == "" {
		req.Mode = model.RunModeAuto
	}
	if !req.Mode.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be auto or manual"})
		return
	}
	if req.TargetPH != nil && !validPH(*req.TargetPH) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target_ph must be within (0, 14]"})
		return
	}

	run, err := h.store.StartRun(c.Request.Context(), deviceID, req.Mode, req.TargetPH, h.now())
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, run)
	case errors.Is(err, store.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": "already_running"})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "device_not_found"})
	default:
		h.internalError(c, "failed to start run", err)
	}
}

// StopRun handles POST /api/devices/:device_id/runs/stop. Stopping an idle device succeeds
// with {"stopped": false}.
func (h *Handler) StopRun(c *gin.Context) {
	deviceID, ok := int64Param(c, "device_id")
	if !ok {
		return
	}

	run, err := h.store.StopRun(c.Request.Context(), deviceID, h.now())
	if err != nil {
		h.internalError(c, "failed to stop run", err)
		return
	}
	if run == nil {
		c.JSON(http.StatusOK, gin.H{"stopped": false})
		return
	}
	c.JSON(http.StatusOK, run)
}

// GetActiveRun handles GET /api/devices/:device_id/runs/active.
func (h *Handler) GetActiveRun(c *gin.Context) {
	deviceID, ok := int64Param(c, "device_id")
	if !ok {
		return
	}

	run, err := h.store.ActiveRun(c.Request.Context(), deviceID)
	if err != nil {
		if errors.Is(err, store.ErrNoActiveRun) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no_active_run"})
			return
		}
		h.internalError(c, "failed to load active run", err)
		return
	}
	c.JSON(http.StatusOK, run)
}

type snapshotsResponse struct {
	Run   model.FermentationRun `json:"run"`
	First *model.Telemetry      `json:"first"`
	Last  *model.Telemetry      `json:"last"`
}

// GetRunSnapshots handles GET /api/runs/:run_id/snapshots: the first and last reading of
// a run, null while the run has none.
func (h *Handler) GetRunSnapshots(c *gin.Context) {
	runID, ok := int64Param(c, "run_id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run_not_found"})
			return
		}
		h.internalError(c, "failed to load run", err)
		return
	}

	resp := snapshotsResponse{Run: run}
	for _, edge := range []store.Edge{store.EdgeFirst, store.EdgeLast} {
		reading, err := h.store.TelemetryForRun(ctx, runID, edge)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			h.internalError(c, "failed to load run telemetry", err)
			return
		}
		if edge == store.EdgeFirst {
			resp.First = &reading
		} else {
			resp.Last = &reading
		}
	}
	c.JSON(http.StatusOK, resp)
}

func validPH(v float64) bool {
	return v > 0 && v <= 14
}
