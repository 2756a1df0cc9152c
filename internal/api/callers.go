package api

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/kestrel-sec/actiongate/internal/store"
)

// CallerRegistry abstracts caller creation and listing for the admin
// endpoints.
type CallerRegistry interface {
	CreateCaller(ctx context.Context, name string, canDecide bool) (*store.Caller, string, error)
	ListCallers(ctx context.Context) ([]store.Caller, error)
}

// handleCreateCaller implements POST /api/gate/callers. The plaintext API
// key appears in this response and nowhere else.
func (d *Dependencies) handleCreateCaller(w http.ResponseWriter, r *http.Request) {
	if d.Registry == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "caller registry not configured"})
		return
	}

	var req CreateCallerReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "name is required"})
		return
	}

	caller, apiKey, err := d.Registry.CreateCaller(r.Context(), req.Name, req.CanDecide)
	if err != nil {
		d.Logger.Error("create caller failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "caller creation failed"})
		return
	}

	writeJSON(w, http.StatusCreated, CreateCallerResp{
		ID:           caller.ID,
		Name:         caller.Name,
		APIKey:       apiKey,
		APIKeyPrefix: caller.APIKeyPrefix,
		CanDecide:    caller.CanDecide,
		CreatedAt:    caller.CreatedAt,
	})
}

// handleListCallers implements GET /api/gate/callers.
func (d *Dependencies) handleListCallers(w http.ResponseWriter, r *http.Request) {
	if d.Registry == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "caller registry not configured"})
		return
	}

	callers, err := d.Registry.ListCallers(r.Context())
	if err != nil {
		d.Logger.Error("list callers failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "caller listing failed"})
		return
	}

	out := make([]CallerResp, 0, len(callers))
	for _, c := range callers {
		out = append(out, CallerResp{
			ID:           c.ID,
			Name:         c.Name,
			APIKeyPrefix: c.APIKeyPrefix,
			CanDecide:    c.CanDecide,
			CreatedAt:    c.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
