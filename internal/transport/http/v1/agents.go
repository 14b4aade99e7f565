package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/agentfleet/internal/domain"
	"github.com/xiaot623/agentfleet/internal/service"
)

// ListAgents lists agents, optionally filtered by platform, status and type.
// GET /v1/agents
func (h *Handler) ListAgents(c echo.Context) error {
	filter := service.AgentFilter{
		Platform: domain.Platform(c.QueryParam("platform")),
		Status:   domain.AgentStatus(c.QueryParam("status")),
		Type:     c.QueryParam("type"),
	}
	if filter.Platform != "" && !filter.Platform.Valid() {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown platform"})
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown status"})
	}

	agents := h.service.ListAgents(filter)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"agents": agents,
	})
}

// GetAgent gets a specific agent by ID.
// GET /v1/agents/:agent_id
func (h *Handler) GetAgent(c echo.Context) error {
	agent, err := h.service.GetAgent(c.Param("agent_id"))
	if err != nil {
		return writeError(c, err, nil)
	}
	return c.JSON(http.StatusOK, agent)
}

// GetStats returns the fleet summary.
// GET /v1/stats
func (h *Handler) GetStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.Stats())
}
