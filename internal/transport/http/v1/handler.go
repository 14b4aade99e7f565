// Package v1 provides the version 1 HTTP handlers for the fleet API.
package v1

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/xiaot623/agentfleet/internal/domain"
	"github.com/xiaot623/agentfleet/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service  *service.Service
	version  string
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new handler.
func NewHandler(svc *service.Service, version string, logger zerolog.Logger) *Handler {
	return &Handler{
		service: svc,
		version: version,
		logger:  logger.With().Str("component", "http").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// RegisterRoutes registers the API routes. commandMW wraps only the routes
// that execute commands.
func (h *Handler) RegisterRoutes(e *echo.Echo, commandMW ...echo.MiddlewareFunc) {
	// Fleet state
	e.GET("/v1/agents", h.ListAgents)
	e.GET("/v1/agents/:agent_id", h.GetAgent)
	e.GET("/v1/stats", h.GetStats)
	e.GET("/v1/audit", h.ListAudit)
	e.GET("/v1/events", h.StreamEvents)

	// Commands
	e.POST("/v1/agents/:agent_id/commands", h.SubmitCommand, commandMW...)
	e.POST("/v1/agents/:agent_id/tasks", h.SubmitTask, commandMW...)
	e.POST("/v1/deployments", h.DeployAll, commandMW...)

	// Self-reporting agents
	e.POST("/v1/heartbeats", h.RecordHeartbeat)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"version":     h.version,
		"agents":      h.service.Stats().Total,
		"subscribers": h.service.Hub().SubscriberCount(),
	})
}

// writeError maps core errors onto HTTP status codes. Extra fields are
// merged into the body.
func writeError(c echo.Context, err error, extra map[string]interface{}) error {
	status := http.StatusInternalServerError
	var denied *domain.PolicyDeniedError
	switch {
	case errors.As(err, &denied):
		status = http.StatusForbidden
		if extra == nil {
			extra = map[string]interface{}{}
		}
		extra["assessment"] = denied.Assessment
	case errors.Is(err, domain.ErrAgentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidCommand):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrAdapterUnavailable), errors.Is(err, domain.ErrRemoteExecutionFailed):
		status = http.StatusBadGateway
	case errors.Is(err, domain.ErrConflictingIdentity):
		status = http.StatusConflict
	}

	if len(extra) == 0 {
		return c.JSON(status, map[string]string{"error": err.Error()})
	}
	body := map[string]interface{}{"error": err.Error()}
	for k, v := range extra {
		body[k] = v
	}
	return c.JSON(status, body)
}
