package rules

import (
	"testing"

	"github.com/kestrel-sec/actiongate/internal/action"
)

func TestDestructiveKind_DeleteTriggers(t *testing.T) {
	r := NewDestructiveKindRule(nil)
	reason := r.Check(mustRequest(t, action.KindDelete, map[string]any{"path": "/tmp/a"}))
	if reason == nil {
		t.Fatal("delete should trigger")
	}
	if reason.Explanation != "destructive action requires judgment" {
		t.Errorf("unexpected explanation %q", reason.Explanation)
	}
}

func TestDestructiveKind_ReadDoesNotTrigger(t *testing.T) {
	r := NewDestructiveKindRule(nil)
	if r.Check(mustRequest(t, action.KindRead, map[string]any{"path": "/tmp/a"})) != nil {
		t.Error("read should not trigger")
	}
}

func TestDestructiveKind_OverrideReplacesDefaults(t *testing.T) {
	r := NewDestructiveKindRule([]string{"navigate"})
	if r.Check(mustRequest(t, action.KindDelete, map[string]any{"path": "/tmp/a"})) != nil {
		t.Error("override should drop delete from the set")
	}
	if r.Check(mustRequest(t, action.KindNavigate, map[string]any{"url": "https://x"})) == nil {
		t.Error("override should add navigate to the set")
	}
}

func TestProtectedPath_SystemLocation(t *testing.T) {
	r := NewProtectedPathRule(nil)
	if r.Check(mustRequest(t, action.KindWrite, map[string]any{"path": "/etc/passwd"})) == nil {
		t.Error("/etc/passwd should trigger")
	}
	if r.Check(mustRequest(t, action.KindWrite, map[string]any{"path": "/home/u/.ssh/id_rsa"})) == nil {
		t.Error("a .ssh path should trigger")
	}
	if r.Check(mustRequest(t, action.KindWrite, map[string]any{"path": "/tmp/notes.txt"})) != nil {
		t.Error("/tmp should not trigger")
	}
}

func TestProtectedPath_ConfigPathsAdditive(t *testing.T) {
	r := NewProtectedPathRule([]string{"/data/prod/"})
	if r.Check(mustRequest(t, action.KindWrite, map[string]any{"path": "/data/prod/db"})) == nil {
		t.Error("configured path should trigger")
	}
	if r.Check(mustRequest(t, action.KindWrite, map[string]any{"path": "/etc/hosts"})) == nil {
		t.Error("built-in prefixes should still trigger")
	}
}

func TestProtectedPath_KindWithoutPathIgnored(t *testing.T) {
	r := NewProtectedPathRule(nil)
	if r.Check(mustRequest(t, action.KindNavigate, map[string]any{"url": "https://x/etc/"})) != nil {
		t.Error("rule only inspects the path parameter")
	}
}

func TestCommandPattern_BlockedBinary(t *testing.T) {
	r := NewCommandPatternRule(nil)
	reason := r.Check(mustRequest(t, action.KindRun, map[string]any{"command": "rm -rf /tmp/x"}))
	if reason == nil {
		t.Fatal("rm should trigger")
	}
}

func TestCommandPattern_InjectionConstructs(t *testing.T) {
	r := NewCommandPatternRule(nil)
	for _, cmd := range []string{
		"echo hi; rm -rf /",
		"echo `whoami`",
		"echo $(cat /etc/shadow)",
		"cat data | sh",
	} {
		if r.Check(mustRequest(t, action.KindRun, map[string]any{"command": cmd})) == nil {
			t.Errorf("command %q should trigger", cmd)
		}
	}
}

func TestCommandPattern_PlainCommandPasses(t *testing.T) {
	r := NewCommandPatternRule(nil)
	if r.Check(mustRequest(t, action.KindRun, map[string]any{"command": "ls -la /tmp"})) != nil {
		t.Error("plain ls should not trigger")
	}
}

func TestCommandPattern_ConfigExtendsBlocklist(t *testing.T) {
	r := NewCommandPatternRule([]string{"terraform"})
	if r.Check(mustRequest(t, action.KindRun, map[string]any{"command": "terraform apply"})) == nil {
		t.Error("configured command should trigger")
	}
}

func TestQueryMutation_MutatingStatements(t *testing.T) {
	r := NewQueryMutationRule()
	for _, stmt := range []string{
		"DROP TABLE users",
		"delete from orders where id = 1",
		"UPDATE accounts SET balance = 0",
		"SELECT 1; DROP TABLE users",
	} {
		if r.Check(mustRequest(t, action.KindQuery, map[string]any{"statement": stmt})) == nil {
			t.Errorf("statement %q should trigger", stmt)
		}
	}
}

func TestQueryMutation_ReadOnlyPasses(t *testing.T) {
	r := NewQueryMutationRule()
	if r.Check(mustRequest(t, action.KindQuery, map[string]any{"statement": "SELECT * FROM users"})) != nil {
		t.Error("plain select should not trigger")
	}
}
