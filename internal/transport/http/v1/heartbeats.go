package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/agentfleet/internal/domain"
)

// RecordHeartbeat accepts a liveness push from a self-reporting agent and
// hands back any commands queued for it.
// POST /v1/heartbeats
func (h *Handler) RecordHeartbeat(c echo.Context) error {
	ctx := c.Request().Context()

	var in domain.HeartbeatInput
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if in.AgentID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "agent_id is required"})
	}

	rec, commands, err := h.service.RecordHeartbeat(ctx, in)
	if err != nil {
		return writeError(c, err, nil)
	}
	if commands == nil {
		commands = []domain.CommandRequest{}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"ok":          true,
		"received_at": rec.ReceivedAt.UnixMilli(),
		"status":      rec.ReportedStatus,
		"commands":    commands,
	})
}
