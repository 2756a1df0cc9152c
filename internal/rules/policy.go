package rules

import (
	"errors"
	"fmt"
)

// ErrEmptyRuleset is returned when a ruleset config yields zero enabled rules.
// An empty ruleset makes every request vacuously safe, so it must never ship.
var ErrEmptyRuleset = errors.New("rules: ruleset config enables zero rules")

// Config is the explicit, immutable ruleset configuration. It is constructed
// once (typically from a JSON file at startup) and passed into BuildRules;
// tests build their own per case.
type Config struct {
	Rules map[string]RulePolicy `json:"rules"`
}

// RulePolicy controls one rule. Pointer fields use nil to mean "use the
// built-in default". List fields extend or replace the built-in sets as
// documented per rule.
type RulePolicy struct {
	Enabled          *bool    `json:"enabled"`           // nil = enabled
	DestructiveKinds []string `json:"destructive_kinds"` // destructive_kind only
	ProtectedPaths   []string `json:"protected_paths"`   // protected_path only (additive)
	BlockedCommands  []string `json:"blocked_commands"`  // command_pattern only (additive)
}

// GetRulePolicy returns the policy for a rule by name. A nil Config or a
// missing entry yields the zero policy (rule enabled, built-in defaults).
func (c *Config) GetRulePolicy(ruleName string) RulePolicy {
	if c == nil || c.Rules == nil {
		return RulePolicy{}
	}
	return c.Rules[ruleName]
}

// IsEnabled reports whether the rule is enabled. A nil Enabled field defaults
// to true: every built-in rule is on unless explicitly switched off.
func (rp RulePolicy) IsEnabled() bool {
	if rp.Enabled == nil {
		return true
	}
	return *rp.Enabled
}

// BuildRules constructs the ordered ruleset from the config. Order is fixed so
// reason lists are stable across runs. Returns ErrEmptyRuleset if the config
// disables everything.
func BuildRules(cfg *Config) ([]Rule, error) {
	var ruleset []Rule

	if cfg.GetRulePolicy(RuleDestructiveKind).IsEnabled() {
		ruleset = append(ruleset, NewDestructiveKindRule(cfg.GetRulePolicy(RuleDestructiveKind).DestructiveKinds))
	}
	if cfg.GetRulePolicy(RuleProtectedPath).IsEnabled() {
		ruleset = append(ruleset, NewProtectedPathRule(cfg.GetRulePolicy(RuleProtectedPath).ProtectedPaths))
	}
	if cfg.GetRulePolicy(RuleCommandPattern).IsEnabled() {
		ruleset = append(ruleset, NewCommandPatternRule(cfg.GetRulePolicy(RuleCommandPattern).BlockedCommands))
	}
	if cfg.GetRulePolicy(RuleQueryMutation).IsEnabled() {
		ruleset = append(ruleset, NewQueryMutationRule())
	}

	if len(ruleset) == 0 {
		return nil, ErrEmptyRuleset
	}
	return ruleset, nil
}

// Validate rejects configs that reference unknown rules, so a typoed rule
// name fails at startup instead of silently applying defaults.
func (c *Config) Validate() error {
	known := map[string]bool{
		RuleDestructiveKind: true,
		RuleProtectedPath:   true,
		RuleCommandPattern:  true,
		RuleQueryMutation:   true,
	}
	for name := range c.Rules {
		if !known[name] {
			return fmt.Errorf("rules: unknown rule %q in config", name)
		}
	}
	return nil
}
