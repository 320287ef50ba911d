// Package event names the domain events this service emits and their
// payload shapes. Each event type is also the bus topic it is delivered to.
package event

import "time"

// Event types. One topic per type.
const (
	TypeAccountRegistered        = "identity.account.registered"
	TypeAccountDeleted           = "identity.account.deleted"
	TypeAccountDeletionScheduled = "identity.account.deletion_scheduled"
)

// AggregateAccount is the aggregate type carried by all account events.
const AggregateAccount = "account"

// AccountRegistered is published after the registration saga completes.
type AccountRegistered struct {
	AccountID  string    `json:"account_id"`
	ExternalID string    `json:"external_id"`
	Email      string    `json:"email"`
	Username   string    `json:"username"`
	Provider   string    `json:"provider"`
	OccurredAt time.Time `json:"occurred_at"`
}

// AccountDeleted is published after the deletion saga completes. Reason and
// LegalBasis travel with the event for the compliance audit trail.
type AccountDeleted struct {
	AccountID  string    `json:"account_id"`
	Reason     string    `json:"reason,omitempty"`
	LegalBasis string    `json:"legal_basis,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// AccountDeletionScheduled announces a future deletion. Execution is owned
// by an external reaper; this service only records the intent.
type AccountDeletionScheduled struct {
	AccountID  string    `json:"account_id"`
	Reason     string    `json:"reason,omitempty"`
	LegalBasis string    `json:"legal_basis,omitempty"`
	DeleteAt   time.Time `json:"delete_at"`
	OccurredAt time.Time `json:"occurred_at"`
}
