package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"fermentation-monitor-backend/internal/commands"
	"fermentation-monitor-backend/internal/model"
	"fermentation-monitor-backend/internal/store"
)

const (
	defaultCommandLimit = 50
	maxCommandLimit     = 500
)

// ListCommands handles GET /api/commands?status=queued&limit=n for external publishers.
func (h *Handler) ListCommands(c *gin.Context) {
	if status := c.DefaultQuery("status", string(model.CommandStatusQueued)); status != string(model.CommandStatusQueued) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "only status=queued can be listed"})
		return
	}
	limit, ok := limitQuery(c, defaultCommandLimit, maxCommandLimit)
	if !ok {
		return
	}

	cmds, err := h.store.QueuedCommands(c.Request.Context(), limit)
	if err != nil {
		h.internalError(c, "failed to load commands", err)
		return
	}
	if cmds == nil {
		cmds = []model.DeviceCommand{}
	}
	c.JSON(http.StatusOK, cmds)
}

type ackCommandRequest struct {
	Status model.CommandStatus `json:"status" binding:"required"`
	Error  string              `json:"error"`
}

// AckCommand handles POST /api/commands/:command_id/ack.
func (h *Handler) AckCommand(c *gin.Context) {
	commandID, ok := int64Param(c, "command_id")
	if !ok {
		return
	}

	var req ackCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if req.Status != model.CommandStatusDelivered && req.Status != model.CommandStatusFailed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be delivered or failed"})
		return
	}

	cmd, err := h.store.AckCommand(c.Request.Context(), commandID, req.Status, req.Error)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, cmd)
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "command_not_found"})
	case errors.Is(err, store.ErrCommandNotQueued):
		c.JSON(http.StatusConflict, gin.H{"error": "command_not_queued"})
	default:
		h.internalError(c, "failed to acknowledge command", err)
	}
}

type postCommandRequest struct {
	Kind    model.CommandKind `json:"kind" binding:"required"`
	Payload map[string]any    `json:"payload"`
}

// PostCommand handles POST /api/devices/:device_id/commands, a manual control action
// such as closing the drain or switching the device mode. It is tagged with the
// device's active run when there is one.
func (h *Handler) PostCommand(c *gin.Context) {
	deviceID, ok := int64Param(c, "device_id")
	if !ok {
		return
	}

	var req postCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if !req.Kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown command kind"})
		return
	}
	if req.Kind == model.CommandSetMode {
		mode, _ := req.Payload["mode"].(string)
		if !model.RunMode(mode).Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "SET_MODE requires payload.mode auto or manual"})
			return
		}
	}
	if !h.deviceExists(c, deviceID) {
		return
	}

	ctx := c.Request.Context()
	var runID *int64
	run, err := h.store.ActiveRun(ctx, deviceID)
	switch {
	case err == nil:
		runID = &run.ID
	case !errors.Is(err, store.ErrNoActiveRun):
		h.internalError(c, "failed to load active run", err)
		return
	}

	payload, err := commands.NewPayload(req.Payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	cmd, err := h.store.EnqueueCommand(ctx, deviceID, runID, req.Kind, payload)
	if err != nil {
		h.internalError(c, "failed to enqueue command", err)
		return
	}
	c.JSON(http.StatusAccepted, cmd)
}
