package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/xiaot623/agentfleet/internal/config"
	"github.com/xiaot623/agentfleet/internal/domain"
	"github.com/xiaot623/agentfleet/internal/metrics"
	"github.com/xiaot623/agentfleet/internal/service"
)

func newTestServer(t *testing.T, rateLimit float64, burst int) (*service.Service, http.Handler) {
	t.Helper()
	cfg := &config.Config{
		CommandRateLimit: rateLimit,
		CommandBurst:     burst,
		AuditCapacity:    100,
		StalenessWindow:  5 * time.Minute,
		CommandTimeout:   time.Second,
		BulkParallel:     2,
		HubQueueSize:     16,
		File: config.File{
			Policy: config.PolicySettings{RiskThreshold: 3, AuditLevel: domain.AuditLevelStandard},
		},
	}
	reg := prometheus.NewRegistry()
	svc, err := service.New(context.Background(), service.Options{
		Config:  cfg,
		Logger:  zerolog.Nop(),
		Metrics: metrics.New(reg),
	})
	if err != nil {
		t.Fatalf("service.New failed: %v", err)
	}
	return svc, NewServer(svc, cfg, reg, "test", zerolog.Nop())
}

func TestHealthAndMetrics(t *testing.T) {
	_, srv := newTestServer(t, 0, 0)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "agentfleet_") {
		t.Fatalf("expected agentfleet metrics, got %q", rec.Body.String())
	}
}

func TestCommandRoutesAreRateLimited(t *testing.T) {
	_, srv := newTestServer(t, 0.001, 1)

	post := func() int {
		req := httptest.NewRequest(http.MethodPost, "/v1/agents/a1/commands", bytes.NewBufferString(`{"action":"status"}`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		return rec.Code
	}
	if code := post(); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown agent, got %d", code)
	}
	if code := post(); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}

	// Reads are not limited.
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/agents", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	}
}

func TestEventsStreamSnapshotThenDelta(t *testing.T) {
	svc, srv := newTestServer(t, 0, 0)
	ctx := context.Background()
	if _, _, err := svc.RecordHeartbeat(ctx, domain.HeartbeatInput{AgentID: "a1", Status: "idle"}); err != nil {
		t.Fatalf("RecordHeartbeat: %v", err)
	}

	ts := httptest.NewServer(srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ev domain.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if ev.Type != domain.EventTypeSnapshot || len(ev.Agents) != 1 || ev.Agents[0].ID != "a1" {
		t.Fatalf("unexpected first event: %+v", ev)
	}

	if _, _, err := svc.RecordHeartbeat(ctx, domain.HeartbeatInput{AgentID: "a2", Status: "idle"}); err != nil {
		t.Fatalf("RecordHeartbeat: %v", err)
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read delta: %v", err)
	}
	if ev.Type != domain.EventTypeAgentUpserted || ev.AgentID != "a2" {
		t.Fatalf("unexpected delta: %+v", ev)
	}

	var health map[string]interface{}
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health["subscribers"] != float64(1) {
		t.Fatalf("expected 1 subscriber, got %v", health["subscribers"])
	}
}
