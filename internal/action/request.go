// Package action defines the immutable action request value and its
// deterministic fingerprint. Requests are validated at construction; nothing
// downstream (rules, gate, boundary) ever sees a malformed request.
package action

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Kind identifies the action family. The set is closed: requests with an
// unknown kind are rejected at construction.
type Kind string

const (
	KindRead     Kind = "read"
	KindWrite    Kind = "write"
	KindDelete   Kind = "delete"
	KindNavigate Kind = "navigate"
	KindQuery    Kind = "query"
	KindRun      Kind = "run"
)

var (
	ErrUnknownKind      = errors.New("action: unknown kind")
	ErrInvalidParameter = errors.New("action: invalid parameter")
)

// kindSchemas holds the parameter schema for each kind. Parameters beyond the
// required ones are allowed but must still be scalars.
var kindSchemas = map[Kind]map[string]any{
	KindRead: {
		"type":     "object",
		"required": []any{"path"},
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "minLength": 1},
		},
	},
	KindWrite: {
		"type":     "object",
		"required": []any{"path"},
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "minLength": 1},
		},
	},
	KindDelete: {
		"type":     "object",
		"required": []any{"path"},
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "minLength": 1},
		},
	},
	KindNavigate: {
		"type":     "object",
		"required": []any{"url"},
		"properties": map[string]any{
			"url": map[string]any{"type": "string", "minLength": 1},
		},
	},
	KindQuery: {
		"type":     "object",
		"required": []any{"statement"},
		"properties": map[string]any{
			"statement": map[string]any{"type": "string", "minLength": 1},
		},
	},
	KindRun: {
		"type":     "object",
		"required": []any{"command"},
		"properties": map[string]any{
			"command": map[string]any{"type": "string", "minLength": 1},
		},
	},
}

// compiledSchemas is populated once at package init. Schemas are static, so a
// compile failure is a programming defect and panics.
var compiledSchemas = func() map[Kind]*jsonschema.Schema {
	out := make(map[Kind]*jsonschema.Schema, len(kindSchemas))
	for kind, raw := range kindSchemas {
		rawBytes, err := json.Marshal(raw)
		if err != nil {
			panic(fmt.Sprintf("action: marshal schema for %s: %v", kind, err))
		}
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(rawBytes)))
		if err != nil {
			panic(fmt.Sprintf("action: unmarshal schema for %s: %v", kind, err))
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", doc); err != nil {
			panic(fmt.Sprintf("action: add schema for %s: %v", kind, err))
		}
		sch, err := c.Compile("schema.json")
		if err != nil {
			panic(fmt.Sprintf("action: compile schema for %s: %v", kind, err))
		}
		out[kind] = sch
	}
	return out
}()

// Request is an immutable action request. Construct via New; the zero value
// is not valid.
type Request struct {
	Kind        Kind
	Parameters  map[string]any
	Requester   string
	SubmittedAt time.Time
}

// New validates kind and parameters and returns a Request. Parameter values
// must be byte-comparable scalars (string, bool, or number); the parameter set
// must satisfy the kind's schema.
func New(kind Kind, params map[string]any, requester string) (*Request, error) {
	sch, ok := compiledSchemas[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	normalized := make(map[string]any, len(params))
	for name, value := range params {
		v, err := normalizeScalar(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidParameter, name, err)
		}
		normalized[name] = v
	}

	if err := sch.Validate(toSchemaDoc(normalized)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}

	return &Request{
		Kind:        kind,
		Parameters:  normalized,
		Requester:   requester,
		SubmittedAt: time.Now().UTC(),
	}, nil
}

// normalizeScalar accepts the scalar types a parameter may carry and widens
// integers to int64 so equal values canonicalize identically.
func normalizeScalar(v any) (any, error) {
	switch t := v.(type) {
	case string, bool, int64, float64:
		return t, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case float32:
		return float64(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("unparseable number %q", t.String())
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

// toSchemaDoc converts normalized parameters to the shape the jsonschema
// validator expects (numbers as float64 only).
func toSchemaDoc(params map[string]any) map[string]any {
	doc := make(map[string]any, len(params))
	for k, v := range params {
		if i, ok := v.(int64); ok {
			doc[k] = float64(i)
			continue
		}
		doc[k] = v
	}
	return doc
}

// Preview renders a short human-presentable line for decision prompts and
// audit payloads, e.g. `delete path=/tmp/a`.
func (r *Request) Preview() string {
	keys := make([]string, 0, len(r.Parameters))
	for k := range r.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(string(r.Kind))
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, r.Parameters[k])
	}
	return b.String()
}
