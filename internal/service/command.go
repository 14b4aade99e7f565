package service

import (
	"context"

	"github.com/xiaot623/agentfleet/internal/domain"
)

// Dispatch runs one command against one agent through the policy gate.
func (s *Service) Dispatch(ctx context.Context, req domain.CommandRequest) (domain.CommandOutcome, error) {
	return s.dispatcher.Dispatch(ctx, req)
}

// SubmitTask deploys task to one agent.
func (s *Service) SubmitTask(ctx context.Context, agentID, task string) (domain.CommandOutcome, error) {
	return s.dispatcher.SubmitTask(ctx, agentID, task)
}

// DeployAll deploys one payload to every agent matching req.
func (s *Service) DeployAll(ctx context.Context, req domain.BulkDeployRequest) (domain.BulkDeployResult, error) {
	return s.dispatcher.DeployAll(ctx, req)
}

// RecordHeartbeat ingests a self-reported heartbeat and returns the
// commands queued for the agent since its last heartbeat.
func (s *Service) RecordHeartbeat(ctx context.Context, in domain.HeartbeatInput) (domain.HeartbeatRecord, []domain.CommandRequest, error) {
	return s.heartbeats.Record(ctx, in)
}
