package rules

import (
	"regexp"
	"strings"

	"github.com/kestrel-sec/actiongate/internal/action"
)

// Built-in rule names, used as config keys and audit reason tags.
const (
	RuleDestructiveKind = "destructive_kind"
	RuleProtectedPath   = "protected_path"
	RuleCommandPattern  = "command_pattern"
	RuleQueryMutation   = "query_mutation"
)

// --- destructive_kind ---

// defaultDestructiveKinds are the action families that always require
// external judgment regardless of their parameters.
var defaultDestructiveKinds = map[action.Kind]bool{
	action.KindDelete: true,
	action.KindRun:    true,
}

// DestructiveKindRule triggers on action kinds whose effects cannot be
// certified safe from parameters alone.
type DestructiveKindRule struct {
	kinds map[action.Kind]bool
}

// NewDestructiveKindRule builds the rule. An empty override keeps the
// built-in kind set; a non-empty one replaces it.
func NewDestructiveKindRule(override []string) *DestructiveKindRule {
	kinds := defaultDestructiveKinds
	if len(override) > 0 {
		kinds = make(map[action.Kind]bool, len(override))
		for _, k := range override {
			kinds[action.Kind(k)] = true
		}
	}
	return &DestructiveKindRule{kinds: kinds}
}

func (r *DestructiveKindRule) Name() string { return RuleDestructiveKind }

func (r *DestructiveKindRule) Check(req *action.Request) *Reason {
	if !r.kinds[req.Kind] {
		return nil
	}
	return &Reason{
		Rule:        RuleDestructiveKind,
		Explanation: "destructive action requires judgment",
	}
}

// --- protected_path ---

// defaultProtectedPrefixes cover system and credential locations that no
// automated caller should touch without a decision.
var defaultProtectedPrefixes = []string{
	"/etc/",
	"/boot/",
	"/usr/bin/",
	"/usr/sbin/",
	"/var/lib/",
	"/.ssh/",
	"/.aws/",
	"/.kube/",
}

// ProtectedPathRule triggers when a path parameter reaches into a protected
// location. Config paths are additive to the built-in prefixes.
type ProtectedPathRule struct {
	prefixes []string
}

func NewProtectedPathRule(extra []string) *ProtectedPathRule {
	prefixes := make([]string, 0, len(defaultProtectedPrefixes)+len(extra))
	prefixes = append(prefixes, defaultProtectedPrefixes...)
	prefixes = append(prefixes, extra...)
	return &ProtectedPathRule{prefixes: prefixes}
}

func (r *ProtectedPathRule) Name() string { return RuleProtectedPath }

func (r *ProtectedPathRule) Check(req *action.Request) *Reason {
	path, ok := req.Parameters["path"].(string)
	if !ok || path == "" {
		return nil
	}
	for _, prefix := range r.prefixes {
		if strings.Contains(path, prefix) {
			return &Reason{
				Rule:        RuleProtectedPath,
				Explanation: "path touches protected location " + prefix,
			}
		}
	}
	return nil
}

// --- command_pattern ---

// blockedCommandNames are commands an automated caller must never run
// unattended.
var blockedCommandNames = map[string]bool{
	"rm":       true,
	"rmdir":    true,
	"dd":       true,
	"mkfs":     true,
	"fdisk":    true,
	"shutdown": true,
	"reboot":   true,
	"kill":     true,
	"killall":  true,
	"chmod":    true,
	"chown":    true,
}

// commandInjectionPatterns catch shell constructs that smuggle a second
// command into an otherwise plain invocation.
var commandInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[;&|]\s*(rm|cat|curl|wget|nc|ncat|bash|sh|zsh|python|perl|ruby|php)\b`),
	regexp.MustCompile("`[^`]+`"),            // backtick command substitution
	regexp.MustCompile(`\$\([^)]+\)`),        // $() command substitution
	regexp.MustCompile(`\|\s*(bash|sh|zsh)`), // pipe to shell
	regexp.MustCompile(`>\s*/etc/`),          // write to /etc/
}

// CommandPatternRule triggers on run commands that name a blocked binary or
// contain injection constructs. Config commands extend the built-in blocklist.
type CommandPatternRule struct {
	blocked map[string]bool
}

func NewCommandPatternRule(extra []string) *CommandPatternRule {
	blocked := make(map[string]bool, len(blockedCommandNames)+len(extra))
	for name := range blockedCommandNames {
		blocked[name] = true
	}
	for _, name := range extra {
		blocked[strings.ToLower(name)] = true
	}
	return &CommandPatternRule{blocked: blocked}
}

func (r *CommandPatternRule) Name() string { return RuleCommandPattern }

func (r *CommandPatternRule) Check(req *action.Request) *Reason {
	command, ok := req.Parameters["command"].(string)
	if !ok || command == "" {
		return nil
	}

	fields := strings.Fields(command)
	if len(fields) > 0 && r.blocked[strings.ToLower(fields[0])] {
		return &Reason{
			Rule:        RuleCommandPattern,
			Explanation: "blocked command: " + fields[0],
		}
	}

	for _, p := range commandInjectionPatterns {
		if p.MatchString(command) {
			return &Reason{
				Rule:        RuleCommandPattern,
				Explanation: "command injection pattern: " + p.String(),
			}
		}
	}
	return nil
}

// --- query_mutation ---

// queryMutationPatterns catch statements that alter or destroy data.
var queryMutationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(DROP|TRUNCATE|ALTER)\s+(TABLE|DATABASE|INDEX|SCHEMA)\b`),
	regexp.MustCompile(`(?i)\bDELETE\s+FROM\b`),
	regexp.MustCompile(`(?i)\bUPDATE\s+\S+\s+SET\b`),
	regexp.MustCompile(`(?i);\s*(DROP|DELETE|TRUNCATE|ALTER|INSERT|UPDATE)\b`),
	regexp.MustCompile(`(?i)\bINTO\s+OUTFILE\b`),
}

// QueryMutationRule triggers on query statements that mutate rather than
// read. Read-only statements pass with no opinion.
type QueryMutationRule struct{}

func NewQueryMutationRule() *QueryMutationRule { return &QueryMutationRule{} }

func (r *QueryMutationRule) Name() string { return RuleQueryMutation }

func (r *QueryMutationRule) Check(req *action.Request) *Reason {
	statement, ok := req.Parameters["statement"].(string)
	if !ok || statement == "" {
		return nil
	}
	for _, p := range queryMutationPatterns {
		if p.MatchString(statement) {
			return &Reason{
				Rule:        RuleQueryMutation,
				Explanation: "mutating statement requires judgment",
			}
		}
	}
	return nil
}
