package action

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Fingerprint is a hex-encoded SHA-256 digest identifying an action by its
// kind and canonical parameters. Requester and submission time are excluded:
// the fingerprint names the action, not the event.
type Fingerprint string

// fingerprintPayload is the digested shape. JSON encoding carries type tags
// for free: the string "1" and the number 1 serialize differently.
type fingerprintPayload struct {
	Kind       Kind           `json:"kind"`
	Parameters map[string]any `json:"parameters"`
}

// ComputeFingerprint canonicalizes (kind, parameters) per RFC 8785 and
// digests the result. Requests that passed construction cannot fail here;
// an error indicates a programming defect upstream.
func ComputeFingerprint(r *Request) (Fingerprint, error) {
	raw, err := json.Marshal(fingerprintPayload{Kind: r.Kind, Parameters: r.Parameters})
	if err != nil {
		return "", fmt.Errorf("action: marshal fingerprint payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("action: canonicalize fingerprint payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return Fingerprint(hex.EncodeToString(sum[:])), nil
}

// MustFingerprint computes the fingerprint of a validated request. It panics
// only on requests that bypassed New, which is a programming defect.
func MustFingerprint(r *Request) Fingerprint {
	fp, err := ComputeFingerprint(r)
	if err != nil {
		panic(err)
	}
	return fp
}
