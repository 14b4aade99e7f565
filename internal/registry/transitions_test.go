package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xiaot623/agentfleet/internal/domain"
)

func TestLegalEdges(t *testing.T) {
	edges := map[domain.AgentStatus][]domain.AgentStatus{
		domain.StatusStarting: {domain.StatusIdle, domain.StatusError},
		domain.StatusIdle:     {domain.StatusBusy, domain.StatusError, domain.StatusOffline},
		domain.StatusBusy:     {domain.StatusIdle, domain.StatusError, domain.StatusOffline},
		domain.StatusError:    {domain.StatusOffline},
		domain.StatusOffline:  {domain.StatusStarting, domain.StatusError},
	}
	for _, from := range domain.Statuses {
		for _, to := range domain.Statuses {
			want := false
			for _, allowed := range edges[from] {
				if allowed == to {
					want = true
				}
			}
			assert.Equal(t, want, legal(from, to), "%s -> %s", from, to)
		}
	}
}

func TestResolvePath(t *testing.T) {
	tests := []struct {
		name      string
		from, to  domain.AgentStatus
		lifecycle bool
		want      []domain.AgentStatus
	}{
		{"same", domain.StatusIdle, domain.StatusIdle, false, []domain.AgentStatus{}},
		{"empty target", domain.StatusIdle, "", false, []domain.AgentStatus{}},
		{"direct", domain.StatusIdle, domain.StatusBusy, false, []domain.AgentStatus{domain.StatusBusy}},
		{"starting to busy walks idle", domain.StatusStarting, domain.StatusBusy, false,
			[]domain.AgentStatus{domain.StatusIdle, domain.StatusBusy}},
		{"rediscovery", domain.StatusOffline, domain.StatusIdle, false,
			[]domain.AgentStatus{domain.StatusStarting, domain.StatusIdle}},
		{"starting to offline rejected", domain.StatusStarting, domain.StatusOffline, false, nil},
		{"error to idle rejected", domain.StatusError, domain.StatusIdle, false, nil},
		{"error to idle on restart", domain.StatusError, domain.StatusIdle, true,
			[]domain.AgentStatus{domain.StatusOffline, domain.StatusStarting, domain.StatusIdle}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolvePath(tt.from, tt.to, tt.lifecycle))
		})
	}
}
