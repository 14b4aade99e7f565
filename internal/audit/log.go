// Package audit keeps the bounded in-memory audit trail of policy assessments
// and forwards entries to an optional persistent sink.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaot623/agentfleet/internal/domain"
	"github.com/xiaot623/agentfleet/internal/metrics"
)

// DefaultCapacity is the number of assessments retained in memory.
const DefaultCapacity = 1000

// Sink persists assessments for long-term retention.
type Sink interface {
	SaveAssessment(ctx context.Context, a domain.PolicyAssessment) error
}

// Log is an append-only ring buffer of assessments. When full, the oldest
// entry is overwritten. All methods are safe for concurrent use.
type Log struct {
	mu       sync.Mutex
	entries  []domain.PolicyAssessment
	capacity int
	// next is the slot the next Append writes to.
	next  int
	total uint64

	sink    Sink
	pending chan domain.PolicyAssessment
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New creates a log holding at most capacity entries. sink may be nil.
func New(capacity int, sink Sink, logger zerolog.Logger, m *metrics.Metrics) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &Log{
		entries:  make([]domain.PolicyAssessment, 0, capacity),
		capacity: capacity,
		sink:     sink,
		logger:   logger.With().Str("component", "audit").Logger(),
		metrics:  m,
	}
	if sink != nil {
		l.pending = make(chan domain.PolicyAssessment, capacity)
	}
	return l
}

// Append records an assessment, evicting the oldest entry when full.
func (l *Log) Append(a domain.PolicyAssessment) {
	l.mu.Lock()
	if len(l.entries) < l.capacity {
		l.entries = append(l.entries, a)
	} else {
		l.entries[l.next] = a
	}
	l.next = (l.next + 1) % l.capacity
	l.total++
	l.mu.Unlock()

	if l.pending == nil {
		return
	}
	select {
	case l.pending <- a:
	default:
		l.metrics.AuditSinkFailure()
		l.logger.Warn().Str("audit_id", a.AuditID).Msg("audit sink backlog full, entry kept in memory only")
	}
}

// Recent returns up to limit entries, newest first. limit <= 0 returns all.
func (l *Log) Recent(limit int) []domain.PolicyAssessment {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.PolicyAssessment, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (l.next - i + l.capacity) % l.capacity
		if idx >= n {
			break
		}
		out = append(out, l.entries[idx])
	}
	return out
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Total returns the number of entries ever appended.
func (l *Log) Total() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Run forwards appended entries to the sink until ctx is cancelled.
func (l *Log) Run(ctx context.Context) error {
	if l.sink == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			l.flush()
			return nil
		case a := <-l.pending:
			l.save(ctx, a)
		}
	}
}

// flush writes whatever is still buffered after shutdown was requested.
func (l *Log) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case a := <-l.pending:
			l.save(ctx, a)
		default:
			return
		}
	}
}

func (l *Log) save(ctx context.Context, a domain.PolicyAssessment) {
	saveCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := l.sink.SaveAssessment(saveCtx, a); err != nil {
		l.metrics.AuditSinkFailure()
		l.logger.Warn().Err(err).Str("audit_id", a.AuditID).Msg("failed to persist assessment")
	}
}
