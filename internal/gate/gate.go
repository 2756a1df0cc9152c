// Package gate implements the interlock coordinator: evaluate a request,
// and when the ruleset cannot certify it safe, suspend it until an external
// decision arrives. Silence is never approval — a blocked request waits
// indefinitely, and only the decision path can release it.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kestrel-sec/actiongate/internal/action"
	"github.com/kestrel-sec/actiongate/internal/audit"
	"github.com/kestrel-sec/actiongate/internal/boundary"
	"github.com/kestrel-sec/actiongate/internal/credential"
	"github.com/kestrel-sec/actiongate/internal/rules"
)

// Decision is an external actor's resolution of a pending request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionAbort   Decision = "abort"
)

// ErrSpuriousDecision is returned to a resolver whose decision arrived after
// the fingerprint was already resolved (or was never pending). The decision
// is logged and ignored; only the first resolution is honored.
var ErrSpuriousDecision = errors.New("gate: no pending decision for fingerprint")

// ErrUnknownDecision is returned for a decision verb that is neither approve
// nor abort. The pending slot is untouched.
var ErrUnknownDecision = errors.New("gate: unknown decision")

// Status tags a submission outcome.
type Status string

const (
	StatusExecuted Status = "executed"
	StatusExited   Status = "exited"
	StatusFailed   Status = "failed"
)

// Outcome is the result of Submit. Exactly one of Result, ExitReason, or Err
// is meaningful, selected by Status.
type Outcome struct {
	Status     Status
	Result     []byte
	ExitReason string
	Err        error
}

// DecisionSource supplies decisions for pending requests. AwaitDecision is
// invoked once per pending decision and may block arbitrarily long; the gate
// imposes no deadline on it.
type DecisionSource interface {
	AwaitDecision(fp action.Fingerprint, reasons []rules.Reason, preview string) (Decision, string, error)
}

// PendingInfo is a read-only snapshot of one pending decision.
type PendingInfo struct {
	Fingerprint action.Fingerprint
	Kind        action.Kind
	Preview     string
	Reasons     []rules.Reason
	CreatedAt   time.Time
}

// pendingDecision is the single-resolution slot for one fingerprint.
// Concurrent submissions of the identical action coalesce onto one slot.
type pendingDecision struct {
	fp        action.Fingerprint
	req       *action.Request
	reasons   []rules.Reason
	createdAt time.Time

	done    chan struct{} // closed exactly once, on resolution
	outcome Outcome       // written before done is closed
}

// Gate orchestrates evaluation, suspension, credential issuance, and handoff
// to the executor boundary.
type Gate struct {
	engine    *rules.Engine
	authority *credential.Authority
	boundary  *boundary.Boundary
	log       *audit.Log
	source    DecisionSource // nil when decisions arrive via Resolve only
	logger    *zap.Logger

	mu      sync.Mutex
	pending map[action.Fingerprint]*pendingDecision
}

// New creates a gate. source may be nil; decisions then arrive exclusively
// through Resolve.
func New(
	engine *rules.Engine,
	authority *credential.Authority,
	bdry *boundary.Boundary,
	log *audit.Log,
	source DecisionSource,
	logger *zap.Logger,
) *Gate {
	return &Gate{
		engine:    engine,
		authority: authority,
		boundary:  bdry,
		log:       log,
		source:    source,
		logger:    logger,
		pending:   make(map[action.Fingerprint]*pendingDecision),
	}
}

// Submit evaluates the request and either dispatches it immediately (Safe)
// or blocks until an external decision resolves it. Blocking is indefinite
// by design: there is no timeout and no submitter-side cancellation.
func (g *Gate) Submit(ctx context.Context, req *action.Request) Outcome {
	fp := action.MustFingerprint(req)

	verdict := g.engine.Evaluate(req)
	if verdict.Safe {
		// No STOP event for a safe verdict; the EXECUTE_* event records the run.
		return g.dispatch(ctx, req, fp, req.Requester, false)
	}

	g.mu.Lock()
	pd, exists := g.pending[fp]
	if !exists {
		pd = &pendingDecision{
			fp:        fp,
			req:       req,
			reasons:   verdict.Reasons,
			createdAt: time.Now().UTC(),
			done:      make(chan struct{}),
		}
		g.pending[fp] = pd
		// Appended before the lock is released: Resolve claims the slot under
		// the same mutex, so no EXIT or APPROVE can be logged ahead of the
		// STOP that parked the request.
		g.log.Append(audit.Event{
			Kind:        audit.EventStop,
			Fingerprint: fp,
			Actor:       req.Requester,
			Reasons:     reasonStrings(verdict.Reasons),
			Preview:     req.Preview(),
		})
	}
	g.mu.Unlock()

	if !exists {
		g.logger.Info("request stopped, awaiting decision",
			zap.String("fingerprint", string(fp)),
			zap.String("preview", req.Preview()),
			zap.Int("reasons", len(verdict.Reasons)),
		)
		if g.source != nil {
			go g.awaitExternal(pd)
		}
	}

	// The interlock. Deliberately not selected against ctx.Done(): a blocked
	// request can only be released through the decision path.
	<-pd.done
	return pd.outcome
}

// Resolve delivers an external decision for a pending fingerprint. The first
// resolution wins: the request is approved (token issued, dispatched exactly
// once — all coalesced submitters share the outcome) or aborted (EXIT logged,
// executor never contacted). A decision for an unknown or already-resolved
// fingerprint is logged as SPURIOUS_DECISION and reported to the resolver.
func (g *Gate) Resolve(fp action.Fingerprint, decision Decision, actor string) error {
	if decision != DecisionApprove && decision != DecisionAbort {
		// Rejected before the slot is claimed, so a typoed verb cannot
		// strand the coalesced waiters.
		return fmt.Errorf("%w: %q", ErrUnknownDecision, decision)
	}

	g.mu.Lock()
	pd, ok := g.pending[fp]
	if ok {
		// Claimed: no second resolution can reach this slot.
		delete(g.pending, fp)
	}
	g.mu.Unlock()

	if !ok {
		g.log.Append(audit.Event{
			Kind:        audit.EventSpuriousDecision,
			Fingerprint: fp,
			Actor:       actor,
		})
		g.logger.Warn("spurious decision ignored",
			zap.String("fingerprint", string(fp)),
			zap.String("actor", actor),
			zap.String("decision", string(decision)),
		)
		return ErrSpuriousDecision
	}

	switch decision {
	case DecisionAbort:
		g.log.Append(audit.Event{
			Kind:        audit.EventExit,
			Fingerprint: fp,
			Actor:       actor,
			Preview:     pd.req.Preview(),
		})
		pd.outcome = Outcome{Status: StatusExited, ExitReason: "aborted by " + actor}
	case DecisionApprove:
		// Dispatch runs on the resolver's context lineage, not a submitter's:
		// submitters cannot cancel an approved execution.
		pd.outcome = g.dispatch(context.Background(), pd.req, fp, actor, true)
	}

	close(pd.done)
	return nil
}

// dispatch issues a token for the fingerprint and hands request plus token to
// the executor boundary. Issuance failures become a Failed outcome — never
// silently retried into an auto-approval.
func (g *Gate) dispatch(ctx context.Context, req *action.Request, fp action.Fingerprint, actor string, approved bool) Outcome {
	token, err := g.authority.Issue(fp)
	if err != nil {
		g.logger.Error("token issuance failed",
			zap.String("fingerprint", string(fp)),
			zap.Error(err),
		)
		return Outcome{Status: StatusFailed, Err: err}
	}

	if approved {
		// Approved path: the decision itself is an audit event.
		g.log.Append(audit.Event{
			Kind:        audit.EventApprove,
			Fingerprint: fp,
			Actor:       actor,
			TokenID:     token.ID,
			Preview:     req.Preview(),
		})
	}

	result, err := g.boundary.Execute(ctx, req, token.Signed, actor)
	if err != nil {
		return Outcome{Status: StatusFailed, Err: err}
	}
	return Outcome{Status: StatusExecuted, Result: result}
}

// awaitExternal runs the blocking decision-source call for one pending
// decision and feeds its answer through the normal resolution path.
func (g *Gate) awaitExternal(pd *pendingDecision) {
	decision, actor, err := g.source.AwaitDecision(pd.fp, pd.reasons, pd.req.Preview())
	if err != nil {
		g.logger.Error("decision source failed, request stays pending",
			zap.String("fingerprint", string(pd.fp)),
			zap.Error(err),
		)
		return
	}
	if err := g.Resolve(pd.fp, decision, actor); err != nil {
		g.logger.Warn("decision source raced an external resolution",
			zap.String("fingerprint", string(pd.fp)),
			zap.Error(err),
		)
	}
}

// Pending returns a snapshot of all pending decisions, for decision UIs and
// the HTTP surface.
func (g *Gate) Pending() []PendingInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]PendingInfo, 0, len(g.pending))
	for _, pd := range g.pending {
		out = append(out, PendingInfo{
			Fingerprint: pd.fp,
			Kind:        pd.req.Kind,
			Preview:     pd.req.Preview(),
			Reasons:     pd.reasons,
			CreatedAt:   pd.createdAt,
		})
	}
	return out
}

func reasonStrings(reasons []rules.Reason) []string {
	out := make([]string, len(reasons))
	for i, r := range reasons {
		out[i] = r.Rule + ": " + r.Explanation
	}
	return out
}
