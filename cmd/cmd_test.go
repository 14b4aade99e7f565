package cmd

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/agentfleet/internal/domain"
)

func TestEventsURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080":      "ws://localhost:8080/v1/events",
		"https://fleet.example/api/": "wss://fleet.example/api/v1/events",
		"ws://10.0.0.1:9000":         "ws://10.0.0.1:9000/v1/events",
	}
	for in, want := range cases {
		got, err := eventsURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := eventsURL("ftp://nope")
	assert.Error(t, err)
}

func TestFormatEvent(t *testing.T) {
	at := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)

	ev := domain.NewEvent(domain.EventTypeAgentUpserted, at)
	ev.AgentID = "vm-1"
	ev.Agent = &domain.Agent{ID: "vm-1", Platform: domain.PlatformVM, Status: domain.StatusBusy, CurrentTask: "build"}
	line := FormatEvent(ev)
	assert.Contains(t, line, "vm-1 [vm] busy task=build")

	denied := domain.NewEvent(domain.EventTypePolicyDenied, at)
	denied.AgentID = "vm-1"
	denied.Assessment = &domain.PolicyAssessment{Action: domain.ActionDeploy, RiskLevel: 5, Reason: "critical finding"}
	assert.Contains(t, FormatEvent(denied), "deploy risk=5 critical finding")

	snap := domain.NewEvent(domain.EventTypeSnapshot, at)
	snap.Agents = []domain.Agent{{ID: "a"}, {ID: "b"}}
	assert.True(t, strings.HasSuffix(FormatEvent(snap), "2 agents"))
}

func TestVersionCommand(t *testing.T) {
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "agentfleet "+Version+"\n", out.String())
}
