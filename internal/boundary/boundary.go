// Package boundary wraps an arbitrary executor behind one contract: no valid
// credential, no execution. The boundary never inspects what an action does,
// only whether it is authorized.
package boundary

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/kestrel-sec/actiongate/internal/action"
	"github.com/kestrel-sec/actiongate/internal/audit"
	"github.com/kestrel-sec/actiongate/internal/credential"
)

// ErrBypassRejected is the single refusal callers see for any credential
// failure — missing, mismatched, reused, or expired tokens are logged
// precisely but not distinguished to the caller.
var ErrBypassRejected = errors.New("boundary: invocation without valid credential rejected")

// Executor performs the action itself. Implementations have no awareness of
// tokens, rules, or the audit log, and must not branch on risk.
type Executor interface {
	Perform(ctx context.Context, req *action.Request) ([]byte, error)
}

// Boundary guards an executor with the credential contract.
type Boundary struct {
	authority *credential.Authority
	exec      Executor
	log       *audit.Log
	logger    *zap.Logger
}

// New wraps the executor. The boundary uses the authority for validation
// only; issuance stays with the gate.
func New(authority *credential.Authority, exec Executor, log *audit.Log, logger *zap.Logger) *Boundary {
	return &Boundary{
		authority: authority,
		exec:      exec,
		log:       log,
		logger:    logger,
	}
}

// Execute validates and consumes the token, then invokes the executor.
// Any credential failure appends BYPASS_ATTEMPT and refuses unconditionally;
// retrying with the same token cannot succeed. The executor's outcome is
// returned untouched and recorded as EXECUTE_OK or EXECUTE_FAIL.
func (b *Boundary) Execute(ctx context.Context, req *action.Request, signedToken, actor string) ([]byte, error) {
	fp := action.MustFingerprint(req)

	tokenID, err := b.authority.ValidateAndConsume(signedToken, fp)
	if err != nil {
		b.log.Append(audit.Event{
			Kind:        audit.EventBypassAttempt,
			Fingerprint: fp,
			Actor:       actor,
			Preview:     req.Preview(),
			Error:       err.Error(),
		})
		b.logger.Warn("bypass attempt rejected",
			zap.String("fingerprint", string(fp)),
			zap.String("actor", actor),
			zap.Error(err),
		)
		return nil, ErrBypassRejected
	}

	result, execErr := b.exec.Perform(ctx, req)
	if execErr != nil {
		b.log.Append(audit.Event{
			Kind:        audit.EventExecuteFail,
			Fingerprint: fp,
			Actor:       actor,
			TokenID:     tokenID,
			Preview:     req.Preview(),
			Error:       execErr.Error(),
		})
		// Executor errors pass through unchanged; the boundary adds nothing.
		return nil, execErr
	}

	b.log.Append(audit.Event{
		Kind:        audit.EventExecuteOK,
		Fingerprint: fp,
		Actor:       actor,
		TokenID:     tokenID,
		Preview:     req.Preview(),
	})
	return result, nil
}
