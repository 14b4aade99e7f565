package policy

import (
	"math"
	"regexp"
	"sort"

	"github.com/xiaot623/agentfleet/internal/domain"
)

// Risk categories.
const (
	CategoryPrivilegeEscalation = "privilege_escalation"
	CategoryShellInjection      = "shell_injection"
	CategoryPathTraversal       = "path_traversal"
	CategoryRemoteFetch         = "remote_fetch"
	CategoryResourceExhaustion  = "resource_exhaustion"
	CategoryDestructiveAction   = "destructive_action"
)

type rule struct {
	category string
	severity domain.Severity
	pattern  string
	re       *regexp.Regexp
}

func newRule(category string, severity domain.Severity, pattern, expr string) rule {
	return rule{category: category, severity: severity, pattern: pattern, re: regexp.MustCompile(expr)}
}

var rules = []rule{
	newRule(CategoryPrivilegeEscalation, domain.SeverityHigh, "sudo", `\bsudo\b`),
	newRule(CategoryPrivilegeEscalation, domain.SeverityMedium, "su", `(^|[;&|]\s*)su(\s|$)`),
	newRule(CategoryPrivilegeEscalation, domain.SeverityHigh, "chmod world/setuid", `\bchmod\s+(-R\s+)?(777|[ugoa]*\+s)\b`),
	newRule(CategoryPrivilegeEscalation, domain.SeverityHigh, "credential files", `/etc/(passwd|shadow|sudoers)\b`),

	newRule(CategoryShellInjection, domain.SeverityMedium, "command separator", `;\s*\S`),
	newRule(CategoryShellInjection, domain.SeverityMedium, "command substitution", "\\$\\(|`"),
	newRule(CategoryShellInjection, domain.SeverityLow, "conditional chain", `&&|\|\|`),
	newRule(CategoryShellInjection, domain.SeverityHigh, "eval", `\beval\b`),

	newRule(CategoryPathTraversal, domain.SeverityMedium, "parent directory", `\.\.[/\\]`),
	newRule(CategoryPathTraversal, domain.SeverityHigh, "nested parent directory", `(\.\.[/\\]){2,}`),

	newRule(CategoryRemoteFetch, domain.SeverityMedium, "download", `\b(curl|wget)\b`),
	newRule(CategoryRemoteFetch, domain.SeverityCritical, "pipe to shell", `\b(curl|wget)\b[^|]*\|\s*(sudo\s+)?(ba|z)?sh\b`),

	newRule(CategoryResourceExhaustion, domain.SeverityCritical, "fork bomb", `:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`),
	newRule(CategoryResourceExhaustion, domain.SeverityHigh, "disk fill", `\bdd\s+if=/dev/(zero|u?random)\b`),
	newRule(CategoryResourceExhaustion, domain.SeverityMedium, "infinite loop", `\bwhile\s+(true|:)\b`),
	newRule(CategoryResourceExhaustion, domain.SeverityMedium, "stress tool", `\bstress(-ng)?\b`),

	newRule(CategoryDestructiveAction, domain.SeverityCritical, "rm -rf /", `\brm\s+((-[a-zA-Z]+|--[a-z][a-z-]*)\s+)*(-[a-zA-Z]*[rR][a-zA-Z]*|--recursive)\s+((-[a-zA-Z]+|--[a-z][a-z-]*)\s+)*/(\*|[\s;&|)]|$)`),
	newRule(CategoryDestructiveAction, domain.SeverityHigh, "recursive delete", `\brm\s+((-[a-zA-Z]+|--[a-z][a-z-]*)\s+)*(-[a-zA-Z]*[rR]|--recursive)`),
	newRule(CategoryDestructiveAction, domain.SeverityCritical, "format filesystem", `\bmkfs(\.\w+)?\b`),
	newRule(CategoryDestructiveAction, domain.SeverityCritical, "raw device write", `(\bof=|>\s*)/dev/(sd|nvme|hd|xvd)[a-z0-9]*`),
	newRule(CategoryDestructiveAction, domain.SeverityHigh, "power state", `\b(shutdown|reboot|halt|poweroff)\b`),
	newRule(CategoryDestructiveAction, domain.SeverityHigh, "kill all", `\bkill(all)?\s+-9\s+(-1|1)\b`),
	newRule(CategoryDestructiveAction, domain.SeverityHigh, "drop data", `(?i)\bdrop\s+(table|database)\b`),
	newRule(CategoryDestructiveAction, domain.SeverityMedium, "truncate", `(?i)\btruncate\b`),
}

// Scan returns every rule matched by command, in rule order.
func Scan(command string) []domain.Finding {
	var findings []domain.Finding
	for _, r := range rules {
		if r.re.MatchString(command) {
			findings = append(findings, domain.Finding{Category: r.category, Pattern: r.pattern, Severity: r.severity})
		}
	}
	return findings
}

// Categories returns the sorted distinct categories of findings. Never nil.
func Categories(findings []domain.Finding) []string {
	seen := make(map[string]struct{}, len(findings))
	out := make([]string, 0, len(findings))
	for _, f := range findings {
		if _, ok := seen[f.Category]; ok {
			continue
		}
		seen[f.Category] = struct{}{}
		out = append(out, f.Category)
	}
	sort.Strings(out)
	return out
}

func actionAdjustment(action domain.Action) float64 {
	switch action {
	case domain.ActionDeploy, domain.ActionRestart:
		return 0.5
	case domain.ActionLogs:
		return -0.5
	}
	return 0
}

// RiskLevel computes clamp(ceil(mean(weights) + adjustment), 1, 5).
func RiskLevel(findings []domain.Finding, action domain.Action) int {
	mean := 0.0
	if len(findings) > 0 {
		sum := 0.0
		for _, f := range findings {
			sum += f.Severity.Weight()
		}
		mean = sum / float64(len(findings))
	}
	level := int(math.Ceil(mean + actionAdjustment(action)))
	if level < 1 {
		return 1
	}
	if level > 5 {
		return 5
	}
	return level
}

// ComplianceLevel scores findings from 0 (non-compliant) to 100.
func ComplianceLevel(findings []domain.Finding) int {
	if len(findings) == 0 {
		return 100
	}
	high := 0
	for _, f := range findings {
		switch f.Severity {
		case domain.SeverityCritical:
			return 0
		case domain.SeverityHigh:
			high++
		}
	}
	switch {
	case high > 1:
		return 25
	case high == 1:
		return 50
	}
	score := 100 - 10*len(findings)
	if score < 75 {
		return 75
	}
	return score
}
