package api

import "time"

// ErrorResp is the uniform error body for all endpoints.
type ErrorResp struct {
	Detail string `json:"detail"`
}

// --- POST /v1/actions ---

// SubmitActionReq is the JSON body for POST /v1/actions. The requester is
// taken from the authenticated caller, never from the body.
type SubmitActionReq struct {
	Kind       string         `json:"kind"`
	Parameters map[string]any `json:"parameters"`
}

// SubmitActionResp reports the submission outcome. The call blocks until the
// request is dispatched, exited, or failed.
type SubmitActionResp struct {
	Fingerprint string  `json:"fingerprint"`
	Status      string  `json:"status"` // "executed" | "exited" | "failed"
	Result      string  `json:"result,omitempty"`
	ExitReason  string  `json:"exit_reason,omitempty"`
	Error       *string `json:"error,omitempty"`
}

// --- POST /v1/decisions ---

// DecisionReq resolves one pending fingerprint.
type DecisionReq struct {
	Fingerprint string `json:"fingerprint"`
	Decision    string `json:"decision"` // "approve" | "abort"
}

// DecisionResp acknowledges a resolution.
type DecisionResp struct {
	Fingerprint string `json:"fingerprint"`
	Decision    string `json:"decision"`
	Actor       string `json:"actor"`
}

// --- GET /v1/pending ---

// PendingResp is one pending decision awaiting resolution.
type PendingResp struct {
	Fingerprint string       `json:"fingerprint"`
	Kind        string       `json:"kind"`
	Preview     string       `json:"preview"`
	Reasons     []ReasonResp `json:"reasons"`
	CreatedAt   time.Time    `json:"created_at"`
	AgeSeconds  float64      `json:"age_seconds"`
}

// ReasonResp is one rule trigger.
type ReasonResp struct {
	Rule        string `json:"rule"`
	Explanation string `json:"explanation"`
}

// --- GET /v1/audit/{fingerprint} ---

// AuditEventResp is one audit log entry.
type AuditEventResp struct {
	Seq         uint64    `json:"seq"`
	Kind        string    `json:"kind"`
	Fingerprint string    `json:"fingerprint"`
	Actor       string    `json:"actor"`
	Timestamp   time.Time `json:"timestamp"`
	Reasons     []string  `json:"reasons,omitempty"`
	Preview     string    `json:"preview,omitempty"`
	TokenID     string    `json:"token_id,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// AuditHistoryResp is a fingerprint's full event sequence in causal order.
type AuditHistoryResp struct {
	Fingerprint string           `json:"fingerprint"`
	Events      []AuditEventResp `json:"events"`
}

// --- GET /v1/events ---

// ListEventsResp is a page of audit events from durable storage.
type ListEventsResp struct {
	Events   []AuditEventResp `json:"events"`
	Total    int              `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

// --- Caller registry ---

// CreateCallerReq is the JSON body for POST /api/gate/callers.
type CreateCallerReq struct {
	Name      string `json:"name"`
	CanDecide bool   `json:"can_decide"`
}

// CreateCallerResp includes the plaintext API key (shown once).
type CreateCallerResp struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	APIKey       string    `json:"api_key"`
	APIKeyPrefix string    `json:"api_key_prefix"`
	CanDecide    bool      `json:"can_decide"`
	CreatedAt    time.Time `json:"created_at"`
}

// CallerResp is a caller without key material.
type CallerResp struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	APIKeyPrefix string    `json:"api_key_prefix"`
	CanDecide    bool      `json:"can_decide"`
	CreatedAt    time.Time `json:"created_at"`
}
