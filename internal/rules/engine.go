// Package rules holds the rule evaluation engine: an ordered, immutable
// ruleset applied in full to every request. Rules are pure predicates with no
// access to audit history, credentials, or prior decisions, so evaluation can
// never be biased by earlier approvals.
package rules

import (
	"go.uber.org/zap"

	"github.com/kestrel-sec/actiongate/internal/action"
)

// Reason records a single rule trigger: which rule fired and why.
type Reason struct {
	Rule        string `json:"rule"`
	Explanation string `json:"explanation"`
}

// Verdict is the total outcome of evaluation. Safe iff zero rules triggered;
// otherwise Reasons carries every trigger in ruleset order.
type Verdict struct {
	Safe    bool
	Reasons []Reason
}

// Rule is a pure predicate over an action request. Check returns nil for
// "no opinion" or a Reason when the request is unresolvable under this rule.
type Rule interface {
	Name() string
	Check(req *action.Request) *Reason
}

// Engine applies an ordered, immutable ruleset. A request with zero applicable
// rules is vacuously Safe — shipping an empty ruleset is a configuration
// error handled at startup, not here.
type Engine struct {
	rules  []Rule
	logger *zap.Logger
}

// NewEngine creates an engine over the given rules. The slice is copied so
// the ruleset cannot be mutated after construction.
func NewEngine(ruleset []Rule, logger *zap.Logger) *Engine {
	rs := make([]Rule, len(ruleset))
	copy(rs, ruleset)
	return &Engine{rules: rs, logger: logger}
}

// Evaluate runs every rule — no short-circuit on the first hit — and collects
// all triggering reasons, so the audit trail shows every boundary the request
// crossed rather than only the first.
func (e *Engine) Evaluate(req *action.Request) Verdict {
	var reasons []Reason
	for _, r := range e.rules {
		if reason := r.Check(req); reason != nil {
			reasons = append(reasons, *reason)
		}
	}

	if len(reasons) > 0 {
		e.logger.Debug("request unresolvable",
			zap.String("kind", string(req.Kind)),
			zap.Int("triggered_rules", len(reasons)),
		)
		return Verdict{Safe: false, Reasons: reasons}
	}
	return Verdict{Safe: true}
}
