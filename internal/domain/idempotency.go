package domain

import (
	"time"
)

// IdempotencyRecord stores the response produced by the first execution of a
// request under an idempotency key. The identity is the unique pair
// (IdempotencyKey, RequestFingerprint): the same key with a different
// fingerprint is a conflict, not a replay. Records are read-only after
// creation and swept once expired.
type IdempotencyRecord struct {
	IdempotencyKey     string            `json:"idempotency_key"`
	RequestFingerprint string            `json:"request_fingerprint"`
	ResponseStatus     int               `json:"response_status"`
	ResponseBody       []byte            `json:"response_body"`
	ResponseHeaders    map[string]string `json:"response_headers,omitempty"`
	ExpiresAt          time.Time         `json:"expires_at"`
	CreatedAt          time.Time         `json:"created_at"`
}

// Expired reports whether the record is past its retention deadline.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
