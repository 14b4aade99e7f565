package v1

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/agentfleet/internal/service"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// ListAudit returns policy assessments, newest first.
// GET /v1/audit?agent_id=&denied=true&since=&limit=
func (h *Handler) ListAudit(c echo.Context) error {
	ctx := c.Request().Context()

	q := service.AuditQuery{
		AgentID: c.QueryParam("agent_id"),
		Limit:   defaultAuditLimit,
	}
	if v := c.QueryParam("denied"); v != "" {
		denied, err := strconv.ParseBool(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "denied must be a boolean"})
		}
		q.DeniedOnly = denied
	}
	if v := c.QueryParam("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		}
		q.Limit = min(limit, maxAuditLimit)
	}
	if v := c.QueryParam("since"); v != "" {
		since, err := parseSince(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "since must be RFC 3339 or unix milliseconds"})
		}
		q.Since = since
	}

	assessments, err := h.service.Assessments(ctx, q)
	if err != nil {
		return writeError(c, err, nil)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"assessments": assessments,
		"policy":      h.service.PolicySettings(),
	})
}

func parseSince(v string) (time.Time, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339, v)
}
