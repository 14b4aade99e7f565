package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/agentfleet/internal/domain"
)

// CommandRequest is the request to run a control action on an agent.
type CommandRequest struct {
	Action  domain.Action `json:"action"`
	Payload string        `json:"payload,omitempty"`
}

// TaskRequest is the request to hand a task to an agent.
type TaskRequest struct {
	Task string `json:"task"`
}

// SubmitCommand runs one control action on an agent.
// POST /v1/agents/:agent_id/commands
func (h *Handler) SubmitCommand(c echo.Context) error {
	ctx := c.Request().Context()

	var req CommandRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Action == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "action is required"})
	}

	outcome, err := h.service.Dispatch(ctx, domain.CommandRequest{
		AgentID: c.Param("agent_id"),
		Action:  req.Action,
		Payload: req.Payload,
	})
	return writeOutcome(c, outcome, err)
}

// SubmitTask deploys a task to an agent.
// POST /v1/agents/:agent_id/tasks
func (h *Handler) SubmitTask(c echo.Context) error {
	ctx := c.Request().Context()

	var req TaskRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Task == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "task is required"})
	}

	outcome, err := h.service.SubmitTask(ctx, c.Param("agent_id"), req.Task)
	return writeOutcome(c, outcome, err)
}

// DeployAll deploys one payload to every matching agent.
// POST /v1/deployments
func (h *Handler) DeployAll(c echo.Context) error {
	ctx := c.Request().Context()

	var req domain.BulkDeployRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Payload == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "payload is required"})
	}

	result, err := h.service.DeployAll(ctx, req)
	if err != nil {
		return writeError(c, err, map[string]interface{}{"audit_id": result.AuditID})
	}
	return c.JSON(http.StatusOK, result)
}

func writeOutcome(c echo.Context, outcome domain.CommandOutcome, err error) error {
	if err == nil {
		return c.JSON(http.StatusOK, outcome)
	}
	if outcome.CommandID == "" {
		return writeError(c, err, nil)
	}
	return writeError(c, err, map[string]interface{}{"outcome": outcome})
}
