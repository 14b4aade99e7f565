// Package policy assesses proposed commands for risk and decides whether
// they may run. Scoring is pattern based; the allow/deny decision is made by
// a rego policy so operators can tighten it without a rebuild.
package policy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"

	"github.com/xiaot623/agentfleet/internal/audit"
	"github.com/xiaot623/agentfleet/internal/clock"
	"github.com/xiaot623/agentfleet/internal/domain"
	"github.com/xiaot623/agentfleet/internal/metrics"
)

const (
	// DefaultRiskThreshold is the highest risk level allowed by default.
	DefaultRiskThreshold = 3

	decisionQuery = "data.fleet.command.decision"
)

// DefaultPolicy is the built-in decision policy.
const DefaultPolicy = `
package fleet.command

default allow = false

has_critical {
	input.findings[_].severity == "critical"
}

deny_reasons["critical risk finding"] {
	has_critical
}

deny_reasons[msg] {
	input.action == "deploy"
	input.risk_level > 2
	msg := sprintf("deploy requires risk level 2 or lower, got %d", [input.risk_level])
}

deny_reasons[msg] {
	input.risk_level > input.threshold
	msg := sprintf("risk level %d exceeds threshold %d", [input.risk_level, input.threshold])
}

allow {
	count(deny_reasons) == 0
}

decision = {"allow": allow, "reasons": deny_reasons}
`

// Config holds the tunable parts of the engine.
type Config struct {
	RiskThreshold int
	AuditLevel    domain.AuditLevel
}

// Engine assesses commands. It is safe for concurrent use.
type Engine struct {
	query rego.PreparedEvalQuery

	mu  sync.RWMutex
	cfg Config

	log     *audit.Log
	clock   clock.Clock
	logger  zerolog.Logger
	metrics *metrics.Metrics

	idMu    sync.Mutex
	entropy io.Reader
}

// NewEngine compiles policyContent (DefaultPolicy when empty) and returns an
// engine that appends every assessment to log.
func NewEngine(ctx context.Context, policyContent string, cfg Config, log *audit.Log, clk clock.Clock, logger zerolog.Logger, m *metrics.Metrics) (*Engine, error) {
	if policyContent == "" {
		policyContent = DefaultPolicy
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	r := rego.New(
		rego.Query(decisionQuery),
		rego.Module("fleet_command.rego", policyContent),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Engine{
		query:   query,
		cfg:     cfg,
		log:     log,
		clock:   clk,
		logger:  logger.With().Str("component", "policy").Logger(),
		metrics: m,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}, nil
}

func (c Config) validate() error {
	if c.RiskThreshold < 1 || c.RiskThreshold > 5 {
		return fmt.Errorf("risk threshold must be between 1 and 5, got %d", c.RiskThreshold)
	}
	switch c.AuditLevel {
	case domain.AuditLevelFull, domain.AuditLevelStandard:
		return nil
	}
	return fmt.Errorf("unknown audit level %q", c.AuditLevel)
}

// Config returns the active configuration.
func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Reconfigure swaps the threshold and audit level for later assessments.
func (e *Engine) Reconfigure(threshold int, level domain.AuditLevel) error {
	cfg := Config{RiskThreshold: threshold, AuditLevel: level}
	if err := cfg.validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	e.logger.Info().Int("risk_threshold", threshold).Str("audit_level", string(level)).Msg("policy reconfigured")
	return nil
}

// Assess scores command and decides whether it may run against agentID.
// Evaluation failures deny.
func (e *Engine) Assess(ctx context.Context, command, agentID string, action domain.Action) domain.PolicyAssessment {
	cfg := e.Config()
	now := e.clock.Now()

	findings := Scan(command)
	a := domain.PolicyAssessment{
		AuditID:         e.newID(now),
		AgentID:         agentID,
		Action:          action,
		RiskLevel:       RiskLevel(findings, action),
		ComplianceLevel: ComplianceLevel(findings),
		Categories:      Categories(findings),
		Findings:        findings,
		Timestamp:       now,
	}
	if cfg.AuditLevel == domain.AuditLevelFull {
		a.Command = command
	} else {
		a.CommandHash = HashCommand(command)
	}

	allowed, reason, err := e.evaluate(ctx, a, cfg.RiskThreshold)
	if err != nil {
		e.logger.Error().Err(err).Str("agent_id", agentID).Msg("policy evaluation failed, denying")
		allowed, reason = false, "policy evaluation failed: "+err.Error()
	}
	a.Allowed = allowed
	if !allowed {
		a.Reason = reason
	}

	if e.log != nil {
		e.log.Append(a)
	}
	e.metrics.PolicyDecision(a.Allowed)
	e.logger.Debug().
		Str("audit_id", a.AuditID).
		Str("agent_id", agentID).
		Str("action", string(action)).
		Int("risk_level", a.RiskLevel).
		Bool("allowed", a.Allowed).
		Msg("command assessed")
	return a
}

func (e *Engine) evaluate(ctx context.Context, a domain.PolicyAssessment, threshold int) (bool, string, error) {
	findings := make([]map[string]interface{}, 0, len(a.Findings))
	for _, f := range a.Findings {
		findings = append(findings, map[string]interface{}{
			"category": f.Category,
			"severity": string(f.Severity),
		})
	}
	input := map[string]interface{}{
		"agent_id":   a.AgentID,
		"action":     string(a.Action),
		"risk_level": a.RiskLevel,
		"threshold":  threshold,
		"categories": a.Categories,
		"findings":   findings,
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, "", fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, "", fmt.Errorf("policy produced no decision")
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return false, "", fmt.Errorf("unexpected decision type %T", results[0].Expressions[0].Value)
	}
	allow, ok := obj["allow"].(bool)
	if !ok {
		return false, "", fmt.Errorf("decision missing boolean allow")
	}

	var reasons []string
	if raw, ok := obj["reasons"].([]interface{}); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				reasons = append(reasons, s)
			}
		}
	}
	sort.Strings(reasons)
	reason := strings.Join(reasons, "; ")
	if !allow && reason == "" {
		reason = "denied by policy"
	}
	return allow, reason, nil
}

func (e *Engine) newID(now time.Time) string {
	e.idMu.Lock()
	defer e.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), e.entropy).String()
}

// HashCommand returns the hex BLAKE3 digest of command.
func HashCommand(command string) string {
	sum := blake3.Sum256([]byte(command))
	return hex.EncodeToString(sum[:])
}
