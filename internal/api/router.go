// Package api exposes the gate over HTTP: action submission, decision
// resolution, pending inspection, and audit reads. Any transport could carry
// these interfaces; this one is plain net/http.
package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kestrel-sec/actiongate/internal/audit"
	"github.com/kestrel-sec/actiongate/internal/chread"
	"github.com/kestrel-sec/actiongate/internal/gate"
)

// EventReader abstracts the durable audit read path for testability.
// *chread.Reader implements it.
type EventReader interface {
	ListEvents(ctx context.Context, params chread.ListEventsParams) ([]chread.EventRow, int, error)
	History(ctx context.Context, fingerprint string) ([]chread.EventRow, error)
}

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Store    CallerStore
	Registry CallerRegistry // nil disables the caller admin endpoints
	Gate     *gate.Gate
	Log      *audit.Log
	Reader   EventReader // nil if ClickHouse unavailable
	Logger   *zap.Logger
	CacheTTL time.Duration
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	// Gate endpoints (auth required via Bearer agk_ key)
	mux.HandleFunc("POST /v1/actions", deps.authMiddleware(deps.handleSubmitAction))
	mux.HandleFunc("POST /v1/decisions", deps.authMiddleware(deps.handleDecision))
	mux.HandleFunc("GET /v1/pending", deps.authMiddleware(deps.handleListPending))
	mux.HandleFunc("GET /v1/audit/{fingerprint}", deps.authMiddleware(deps.handleAuditHistory))
	mux.HandleFunc("GET /v1/events", deps.authMiddleware(deps.handleListEvents))

	// Caller registry admin (no auth — operator surface, fronted separately)
	mux.HandleFunc("POST /api/gate/callers", deps.handleCreateCaller)
	mux.HandleFunc("GET /api/gate/callers", deps.handleListCallers)

	// Health check
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return corsMiddleware(requestLogging(mux, deps.Logger))
}
