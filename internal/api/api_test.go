package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/kestrel-sec/actiongate/internal/action"
	"github.com/kestrel-sec/actiongate/internal/audit"
	"github.com/kestrel-sec/actiongate/internal/boundary"
	"github.com/kestrel-sec/actiongate/internal/chread"
	"github.com/kestrel-sec/actiongate/internal/credential"
	"github.com/kestrel-sec/actiongate/internal/gate"
	"github.com/kestrel-sec/actiongate/internal/rules"
	"github.com/kestrel-sec/actiongate/internal/store"
)

const (
	submitterKey = "agk_submitter_test_key"
	deciderKey   = "agk_decider_test_key"
)

// fakeCallerStore serves callers from memory, keyed by API key prefix.
type fakeCallerStore struct {
	callers map[string]*store.Caller
}

func (f *fakeCallerStore) LookupByPrefix(_ context.Context, prefix string) (*store.Caller, error) {
	return f.callers[prefix], nil
}

// fakeRegistry implements CallerRegistry over a slice.
type fakeRegistry struct {
	mu      sync.Mutex
	callers []store.Caller
}

func (f *fakeRegistry) CreateCaller(_ context.Context, name string, canDecide bool) (*store.Caller, string, error) {
	fullKey, hash, prefix, err := store.GenerateAPIKey()
	if err != nil {
		return nil, "", err
	}
	c := store.Caller{
		ID:           "caller-" + name,
		Name:         name,
		APIKeyHash:   hash,
		APIKeyPrefix: prefix,
		CanDecide:    canDecide,
		CreatedAt:    time.Now().UTC(),
	}
	f.mu.Lock()
	f.callers = append(f.callers, c)
	f.mu.Unlock()
	return &c, fullKey, nil
}

func (f *fakeRegistry) ListCallers(_ context.Context) ([]store.Caller, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Caller, len(f.callers))
	copy(out, f.callers)
	return out, nil
}

// echoExecutor returns the request preview as the result.
type echoExecutor struct{}

func (echoExecutor) Perform(_ context.Context, req *action.Request) ([]byte, error) {
	return []byte("ran: " + req.Preview()), nil
}

type serverFixture struct {
	handler http.Handler
	deps    *Dependencies
	gate    *gate.Gate
	log     *audit.Log
}

func testCaller(t *testing.T, key, name string, canDecide bool) *store.Caller {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return &store.Caller{
		ID:           "caller-" + name,
		Name:         name,
		APIKeyHash:   string(hash),
		APIKeyPrefix: key[:8],
		CanDecide:    canDecide,
		CreatedAt:    time.Now().UTC(),
	}
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	ruleset, err := rules.BuildRules(nil)
	if err != nil {
		t.Fatalf("BuildRules: %v", err)
	}
	authority, err := credential.NewAuthority([]byte("0123456789abcdef0123456789abcdef"), 0, zap.NewNop())
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}
	log := audit.NewLog(nil)
	bdry := boundary.New(authority, echoExecutor{}, log, zap.NewNop())
	g := gate.New(rules.NewEngine(ruleset, zap.NewNop()), authority, bdry, log, nil, zap.NewNop())

	submitter := testCaller(t, submitterKey, "agent-1", false)
	decider := testCaller(t, deciderKey, "decider-1", true)
	deps := &Dependencies{
		Store: &fakeCallerStore{callers: map[string]*store.Caller{
			submitter.APIKeyPrefix: submitter,
			decider.APIKeyPrefix:   decider,
		}},
		Registry: &fakeRegistry{},
		Gate:     g,
		Log:      log,
		Logger:   zap.NewNop(),
		CacheTTL: time.Minute,
	}
	return &serverFixture{handler: NewRouter(deps), deps: deps, gate: g, log: log}
}

func (f *serverFixture) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			// do is also called from non-test goroutines, where Fatalf is
			// unsafe; Errorf+Goexit is the equivalent safe form.
			t.Errorf("encode body: %v", err)
			runtime.Goexit()
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestAuth_MissingHeaderRejected(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/pending", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuth_UnknownKeyRejected(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/pending", "agk_nobody_knows_this_key", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuth_WrongSecretSamePrefixRejected(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/pending", submitterKey+"_tampered", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestSubmitAction_SafeExecutes(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/actions", submitterKey, SubmitActionReq{
		Kind:       "read",
		Parameters: map[string]any{"path": "/tmp/notes.txt"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decode[SubmitActionResp](t, rec)
	if resp.Status != "executed" {
		t.Errorf("status = %q, want executed", resp.Status)
	}
	if resp.Result != "ran: read path=/tmp/notes.txt" {
		t.Errorf("result = %q", resp.Result)
	}
	if resp.Fingerprint == "" {
		t.Error("missing fingerprint")
	}
}

func TestSubmitAction_MalformedRejectedBeforeGate(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/actions", submitterKey, SubmitActionReq{
		Kind:       "teleport",
		Parameters: map[string]any{"path": "/tmp/a"},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	if len(f.gate.Pending()) != 0 {
		t.Error("malformed request reached the gate")
	}
}

func TestSubmitAction_UnsafeBlocksUntilDecision(t *testing.T) {
	f := newServerFixture(t)

	type result struct {
		code int
		resp SubmitActionResp
	}
	done := make(chan result, 1)
	go func() {
		rec := f.do(t, http.MethodPost, "/v1/actions", submitterKey, SubmitActionReq{
			Kind:       "delete",
			Parameters: map[string]any{"path": "/tmp/old.log"},
		})
		done <- result{rec.Code, decode[SubmitActionResp](t, rec)}
	}()

	var fp string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pending := f.gate.Pending(); len(pending) == 1 {
			fp = string(pending[0].Fingerprint)
			break
		}
		time.Sleep(time.Millisecond)
	}
	if fp == "" {
		t.Fatal("submission never became pending")
	}

	select {
	case r := <-done:
		t.Fatalf("submission returned before decision: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	rec := f.do(t, http.MethodPost, "/v1/decisions", deciderKey, DecisionReq{
		Fingerprint: fp,
		Decision:    "approve",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("decision status = %d, body %s", rec.Code, rec.Body.String())
	}

	r := <-done
	if r.code != http.StatusOK || r.resp.Status != "executed" {
		t.Fatalf("submission result = %+v", r)
	}
}

func TestDecision_SubmitterCannotDecide(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/decisions", submitterKey, DecisionReq{
		Fingerprint: "whatever",
		Decision:    "approve",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestDecision_SpuriousConflict(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/decisions", deciderKey, DecisionReq{
		Fingerprint: "never-pending",
		Decision:    "approve",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestDecision_UnknownVerbRejected(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/decisions", deciderKey, DecisionReq{
		Fingerprint: "fp",
		Decision:    "maybe",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestListPending_ShowsBlockedSubmission(t *testing.T) {
	f := newServerFixture(t)

	go f.do(t, http.MethodPost, "/v1/actions", submitterKey, SubmitActionReq{
		Kind:       "run",
		Parameters: map[string]any{"command": "rm -rf /tmp/x"},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(f.gate.Pending()) == 0 {
		time.Sleep(time.Millisecond)
	}

	rec := f.do(t, http.MethodGet, "/v1/pending", deciderKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	pending := decode[[]PendingResp](t, rec)
	if len(pending) != 1 {
		t.Fatalf("%d pending, want 1", len(pending))
	}
	p := pending[0]
	if p.Kind != "run" || len(p.Reasons) == 0 || p.Preview == "" {
		t.Errorf("pending = %+v", p)
	}

	// Release the blocked submitter.
	f.do(t, http.MethodPost, "/v1/decisions", deciderKey, DecisionReq{
		Fingerprint: p.Fingerprint,
		Decision:    "abort",
	})
}

func TestAuditHistory_ReturnsCausalSequence(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/actions", submitterKey, SubmitActionReq{
		Kind:       "read",
		Parameters: map[string]any{"path": "/tmp/notes.txt"},
	})
	resp := decode[SubmitActionResp](t, rec)

	rec = f.do(t, http.MethodGet, "/v1/audit/"+resp.Fingerprint, submitterKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	hist := decode[AuditHistoryResp](t, rec)
	if hist.Fingerprint != resp.Fingerprint {
		t.Errorf("fingerprint = %q, want %q", hist.Fingerprint, resp.Fingerprint)
	}
	if len(hist.Events) != 1 || hist.Events[0].Kind != "EXECUTE_OK" {
		t.Fatalf("events = %+v, want one EXECUTE_OK", hist.Events)
	}
}

// fakeEventReader serves durable audit rows from memory.
type fakeEventReader struct {
	rows []chread.EventRow
}

func (f *fakeEventReader) ListEvents(_ context.Context, _ chread.ListEventsParams) ([]chread.EventRow, int, error) {
	return f.rows, len(f.rows), nil
}

func (f *fakeEventReader) History(_ context.Context, fingerprint string) ([]chread.EventRow, error) {
	var out []chread.EventRow
	for _, r := range f.rows {
		if r.Fingerprint == fingerprint {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestAuditHistory_FallsBackToDurableStore(t *testing.T) {
	f := newServerFixture(t)
	f.deps.Reader = &fakeEventReader{rows: []chread.EventRow{
		{Seq: 7, Kind: "STOP", Fingerprint: "fp-old", Actor: "agent-1"},
		{Seq: 9, Kind: "EXIT", Fingerprint: "fp-old", Actor: "decider-1"},
	}}

	// Nothing in the in-process log for fp-old, so the durable rows serve.
	rec := f.do(t, http.MethodGet, "/v1/audit/fp-old", submitterKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	hist := decode[AuditHistoryResp](t, rec)
	if len(hist.Events) != 2 {
		t.Fatalf("events = %+v, want 2 durable rows", hist.Events)
	}
	if hist.Events[0].Kind != "STOP" || hist.Events[1].Kind != "EXIT" {
		t.Errorf("events = %+v", hist.Events)
	}
}

func TestAuditHistory_InProcessLogTakesPrecedence(t *testing.T) {
	f := newServerFixture(t)
	f.deps.Reader = &fakeEventReader{rows: []chread.EventRow{
		{Seq: 1, Kind: "STOP", Fingerprint: "fp-live"},
	}}
	f.log.Append(audit.Event{Kind: audit.EventExecuteOK, Fingerprint: action.Fingerprint("fp-live")})

	rec := f.do(t, http.MethodGet, "/v1/audit/fp-live", submitterKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	hist := decode[AuditHistoryResp](t, rec)
	if len(hist.Events) != 1 || hist.Events[0].Kind != "EXECUTE_OK" {
		t.Fatalf("events = %+v, want the in-process EXECUTE_OK only", hist.Events)
	}
}

func TestListEvents_ServedFromReader(t *testing.T) {
	f := newServerFixture(t)
	f.deps.Reader = &fakeEventReader{rows: []chread.EventRow{
		{Seq: 3, Kind: "EXECUTE_OK", Fingerprint: "fp-a"},
	}}

	rec := f.do(t, http.MethodGet, "/v1/events", submitterKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[ListEventsResp](t, rec)
	if resp.Total != 1 || len(resp.Events) != 1 || resp.Events[0].Kind != "EXECUTE_OK" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestListEvents_UnavailableWithoutReader(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/events", submitterKey, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestCallers_CreateAndList(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/gate/callers", "", CreateCallerReq{
		Name:      "new-agent",
		CanDecide: false,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	created := decode[CreateCallerResp](t, rec)
	if created.APIKey == "" || created.APIKeyPrefix == "" {
		t.Fatalf("created = %+v, want key material", created)
	}
	if created.Name != "new-agent" {
		t.Errorf("name = %q", created.Name)
	}

	rec = f.do(t, http.MethodGet, "/api/gate/callers", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	callers := decode[[]CallerResp](t, rec)
	if len(callers) != 1 || callers[0].Name != "new-agent" {
		t.Fatalf("callers = %+v", callers)
	}
}

func TestCallers_NameRequired(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodPost, "/api/gate/callers", "", CreateCallerReq{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
