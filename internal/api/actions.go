package api

import (
	"errors"
	"net/http"

	"github.com/kestrel-sec/actiongate/internal/action"
	"github.com/kestrel-sec/actiongate/internal/gate"
)

// handleSubmitAction implements POST /v1/actions. The response is not
// written until the gate returns: an unresolvable action holds the
// connection open until an external actor decides.
func (d *Dependencies) handleSubmitAction(w http.ResponseWriter, r *http.Request) {
	var req SubmitActionReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Kind == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "kind is required"})
		return
	}

	caller := callerFromContext(r.Context())
	if caller == nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "missing caller context"})
		return
	}

	actReq, err := action.New(action.Kind(req.Kind), req.Parameters, caller.Name)
	if err != nil {
		// Malformed requests are rejected here, before the gate ever sees them.
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResp{Detail: err.Error()})
		return
	}
	fp := action.MustFingerprint(actReq)

	outcome := d.Gate.Submit(r.Context(), actReq)

	resp := SubmitActionResp{
		Fingerprint: string(fp),
		Status:      string(outcome.Status),
	}
	switch outcome.Status {
	case gate.StatusExecuted:
		resp.Result = string(outcome.Result)
	case gate.StatusExited:
		resp.ExitReason = outcome.ExitReason
	case gate.StatusFailed:
		msg := outcome.Err.Error()
		resp.Error = &msg
	}

	status := http.StatusOK
	if outcome.Status == gate.StatusFailed {
		status = statusForFailure(outcome.Err)
	}
	writeJSON(w, status, resp)
}

// statusForFailure maps failure causes to HTTP codes: credential refusals are
// client-visible conflicts, anything else is the executor's problem.
func statusForFailure(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var credConflict bool
	for _, sentinel := range refusalSentinels {
		if errors.Is(err, sentinel) {
			credConflict = true
			break
		}
	}
	if credConflict {
		return http.StatusConflict
	}
	return http.StatusBadGateway
}
