package domain

import (
	"time"
)

// SagaStatus is the lifecycle state of a saga execution.
type SagaStatus string

const (
	SagaPending      SagaStatus = "PENDING"
	SagaInProgress   SagaStatus = "IN_PROGRESS"
	SagaCompleted    SagaStatus = "COMPLETED"
	SagaFailed       SagaStatus = "FAILED"
	SagaCompensating SagaStatus = "COMPENSATING"
	SagaCompensated  SagaStatus = "COMPENSATED"
	SagaTimedOut     SagaStatus = "TIMED_OUT"
)

// IsTerminal reports whether the status permits no further transitions.
// Terminal saga rows are immutable.
func (s SagaStatus) IsTerminal() bool {
	switch s {
	case SagaCompleted, SagaFailed, SagaCompensated:
		return true
	}
	return false
}

// SagaContext is the open key-value data shared across saga steps. Each step
// merges its partial result additively; keys are never removed. The map is
// serialized to JSON for persistence, so values must be JSON-encodable.
type SagaContext map[string]any

// Merge copies all entries of other into the context, overwriting on key
// collision.
func (c SagaContext) Merge(other SagaContext) {
	for k, v := range other {
		c[k] = v
	}
}

// GetString returns the string value stored under key, or "" if absent or of
// a different type.
func (c SagaContext) GetString(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

// Clone returns a shallow copy of the context.
func (c SagaContext) Clone() SagaContext {
	cp := make(SagaContext, len(c))
	for k, v := range c {
		cp[k] = v
	}
	return cp
}

// SagaState is the durable record of a multi-step workflow execution.
// It is created before step 1 runs and updated after every step, so a crash
// at any point leaves the saga queryable and resumable.
type SagaState struct {
	SagaID         string      `json:"saga_id"`
	CorrelationID  string      `json:"correlation_id"`
	Name           string      `json:"name"`
	Status         SagaStatus  `json:"status"`
	CurrentStep    int         `json:"current_step"`
	TotalSteps     int         `json:"total_steps"`
	Context        SagaContext `json:"context"`
	CompletedSteps []string    `json:"completed_steps"`
	Error          string      `json:"error,omitempty"`
	StartedAt      time.Time   `json:"started_at"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
	TimeoutAt      time.Time   `json:"timeout_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// TimedOut reports whether the saga's absolute deadline has elapsed.
// The deadline is computed once at creation and never extended on resume.
func (s *SagaState) TimedOut(now time.Time) bool {
	return now.After(s.TimeoutAt)
}
