package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/kestrel-sec/actiongate/internal/action"
	"github.com/kestrel-sec/actiongate/internal/boundary"
	"github.com/kestrel-sec/actiongate/internal/credential"
	"github.com/kestrel-sec/actiongate/internal/gate"
)

// refusalSentinels are failure causes that originate at the credential
// boundary rather than in the executor.
var refusalSentinels = []error{
	boundary.ErrBypassRejected,
	credential.ErrTokenLive,
}

// handleDecision implements POST /v1/decisions. Only callers with the
// can_decide flag may resolve pending requests — the decision authority is a
// distinct role from the submitter.
func (d *Dependencies) handleDecision(w http.ResponseWriter, r *http.Request) {
	caller := callerFromContext(r.Context())
	if caller == nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "missing caller context"})
		return
	}
	if !caller.CanDecide {
		writeJSON(w, http.StatusForbidden, ErrorResp{Detail: "caller is not a decision authority"})
		return
	}

	var req DecisionReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Fingerprint == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "fingerprint is required"})
		return
	}

	var decision gate.Decision
	switch req.Decision {
	case string(gate.DecisionApprove):
		decision = gate.DecisionApprove
	case string(gate.DecisionAbort):
		decision = gate.DecisionAbort
	default:
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "decision must be approve or abort"})
		return
	}

	err := d.Gate.Resolve(action.Fingerprint(req.Fingerprint), decision, caller.Name)
	if err != nil {
		if errors.Is(err, gate.ErrSpuriousDecision) {
			writeJSON(w, http.StatusConflict, ErrorResp{Detail: "no pending decision for fingerprint"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, DecisionResp{
		Fingerprint: req.Fingerprint,
		Decision:    req.Decision,
		Actor:       caller.Name,
	})
}

// handleListPending implements GET /v1/pending.
func (d *Dependencies) handleListPending(w http.ResponseWriter, _ *http.Request) {
	pending := d.Gate.Pending()
	now := time.Now().UTC()

	out := make([]PendingResp, 0, len(pending))
	for _, p := range pending {
		reasons := make([]ReasonResp, 0, len(p.Reasons))
		for _, reason := range p.Reasons {
			reasons = append(reasons, ReasonResp{Rule: reason.Rule, Explanation: reason.Explanation})
		}
		out = append(out, PendingResp{
			Fingerprint: string(p.Fingerprint),
			Kind:        string(p.Kind),
			Preview:     p.Preview,
			Reasons:     reasons,
			CreatedAt:   p.CreatedAt,
			AgeSeconds:  now.Sub(p.CreatedAt).Seconds(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}
