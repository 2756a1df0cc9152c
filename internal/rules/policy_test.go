package rules

import (
	"errors"
	"testing"
)

func boolPtr(b bool) *bool { return &b }

func TestBuildRules_NilConfigYieldsAllBuiltins(t *testing.T) {
	ruleset, err := BuildRules(nil)
	if err != nil {
		t.Fatalf("BuildRules: %v", err)
	}
	if len(ruleset) != 4 {
		t.Fatalf("got %d rules, want 4", len(ruleset))
	}
	want := []string{RuleDestructiveKind, RuleProtectedPath, RuleCommandPattern, RuleQueryMutation}
	for i, name := range want {
		if ruleset[i].Name() != name {
			t.Errorf("rule %d = %q, want %q", i, ruleset[i].Name(), name)
		}
	}
}

func TestBuildRules_DisableOne(t *testing.T) {
	cfg := &Config{Rules: map[string]RulePolicy{
		RuleQueryMutation: {Enabled: boolPtr(false)},
	}}
	ruleset, err := BuildRules(cfg)
	if err != nil {
		t.Fatalf("BuildRules: %v", err)
	}
	if len(ruleset) != 3 {
		t.Fatalf("got %d rules, want 3", len(ruleset))
	}
	for _, r := range ruleset {
		if r.Name() == RuleQueryMutation {
			t.Error("disabled rule present in ruleset")
		}
	}
}

func TestBuildRules_AllDisabledIsError(t *testing.T) {
	off := boolPtr(false)
	cfg := &Config{Rules: map[string]RulePolicy{
		RuleDestructiveKind: {Enabled: off},
		RuleProtectedPath:   {Enabled: off},
		RuleCommandPattern:  {Enabled: off},
		RuleQueryMutation:   {Enabled: off},
	}}
	if _, err := BuildRules(cfg); !errors.Is(err, ErrEmptyRuleset) {
		t.Fatalf("got %v, want ErrEmptyRuleset", err)
	}
}

func TestRulePolicy_IsEnabledDefaultsTrue(t *testing.T) {
	if !(RulePolicy{}).IsEnabled() {
		t.Error("zero policy should be enabled")
	}
	if (RulePolicy{Enabled: boolPtr(false)}).IsEnabled() {
		t.Error("explicit false should disable")
	}
}

func TestConfigValidate_UnknownRuleRejected(t *testing.T) {
	cfg := &Config{Rules: map[string]RulePolicy{"no_such_rule": {}}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown rule name should fail validation")
	}
}

func TestConfigValidate_KnownRulesPass(t *testing.T) {
	cfg := &Config{Rules: map[string]RulePolicy{
		RuleDestructiveKind: {},
		RuleProtectedPath:   {ProtectedPaths: []string{"/data/"}},
	}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
