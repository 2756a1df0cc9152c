// Package credential issues and validates single-use approval tokens. A token
// authorizes exactly one execution of exactly one fingerprint. Unforgeability
// comes from an HMAC signature over the token claims; the signing key never
// leaves this package's ownership boundary.
package credential

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kestrel-sec/actiongate/internal/action"
)

var (
	// ErrTokenLive means an unconsumed, unexpired token already exists for
	// the fingerprint. At most one live token per fingerprint prevents
	// silent double-authorization.
	ErrTokenLive = errors.New("credential: live token already exists for fingerprint")

	ErrInvalidToken        = errors.New("credential: invalid token")
	ErrFingerprintMismatch = errors.New("credential: token bound to different fingerprint")
	ErrAlreadyConsumed     = errors.New("credential: token already consumed")
	ErrExpired             = errors.New("credential: token expired")

	errEmptyKey = errors.New("credential: signing key must not be empty")
)

const issuer = "actiongate/credential"

// Token is an issued approval credential. Signed is the only part handed to
// callers; every field in it is recomputed and verified on validation, never
// trusted from the presenter.
type Token struct {
	ID          string
	Fingerprint action.Fingerprint
	IssuedAt    time.Time
	ExpiresAt   time.Time // zero when the authority issues without expiry
	Signed      string
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Fingerprint string `json:"fp"`
}

// Authority is the sole issuer and validator of approval tokens.
type Authority struct {
	key    []byte
	ttl    time.Duration // 0 = tokens never expire
	logger *zap.Logger

	mu       sync.Mutex
	live     map[action.Fingerprint]liveToken
	consumed map[string]struct{} // token IDs
}

type liveToken struct {
	id        string
	expiresAt time.Time
}

// NewAuthority creates an authority with the given signing key and token TTL.
// A zero TTL issues tokens without expiry.
func NewAuthority(key []byte, ttl time.Duration, logger *zap.Logger) (*Authority, error) {
	if len(key) == 0 {
		return nil, errEmptyKey
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Authority{
		key:      k,
		ttl:      ttl,
		logger:   logger,
		live:     make(map[action.Fingerprint]liveToken),
		consumed: make(map[string]struct{}),
	}, nil
}

// Issue creates one token bound to the fingerprint. Fails with ErrTokenLive
// if an unconsumed, unexpired token for that fingerprint already exists.
func (a *Authority) Issue(fp action.Fingerprint) (*Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if lt, ok := a.live[fp]; ok {
		if lt.expiresAt.IsZero() || time.Now().Before(lt.expiresAt) {
			return nil, fmt.Errorf("%w: token %s", ErrTokenLive, lt.id)
		}
		// Expired live token: replaceable.
		delete(a.live, fp)
	}

	now := time.Now().UTC()
	id := uuid.New().String()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       id,
			Subject:  string(fp),
			Issuer:   issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Fingerprint: string(fp),
	}

	var expiresAt time.Time
	if a.ttl > 0 {
		expiresAt = now.Add(a.ttl)
		claims.ExpiresAt = jwt.NewNumericDate(expiresAt)
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
	if err != nil {
		return nil, fmt.Errorf("credential: sign token: %w", err)
	}

	a.live[fp] = liveToken{id: id, expiresAt: expiresAt}
	a.logger.Debug("token issued",
		zap.String("token_id", id),
		zap.String("fingerprint", string(fp)),
	)

	return &Token{
		ID:          id,
		Fingerprint: fp,
		IssuedAt:    now,
		ExpiresAt:   expiresAt,
		Signed:      signed,
	}, nil
}

// ValidateAndConsume atomically checks the signed token against the
// fingerprint and marks it consumed. Two racing presentations of the same
// token cannot both succeed. On success it returns the token's ID for audit
// payloads.
func (a *Authority) ValidateAndConsume(signed string, fp action.Fingerprint) (string, error) {
	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(signed, claims,
		func(t *jwt.Token) (any, error) { return a.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			a.forgetExpired(claims, fp)
			return "", fmt.Errorf("%w: %v", ErrExpired, err)
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ID == "" || claims.Fingerprint == "" {
		return "", fmt.Errorf("%w: missing claims", ErrInvalidToken)
	}
	if action.Fingerprint(claims.Fingerprint) != fp {
		return "", fmt.Errorf("%w: token is for %s", ErrFingerprintMismatch, claims.Fingerprint)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, done := a.consumed[claims.ID]; done {
		return "", fmt.Errorf("%w: token %s", ErrAlreadyConsumed, claims.ID)
	}
	a.consumed[claims.ID] = struct{}{}
	if lt, ok := a.live[fp]; ok && lt.id == claims.ID {
		delete(a.live, fp)
	}

	return claims.ID, nil
}

// forgetExpired releases the live slot when a token expires, so a fresh
// token can be issued for the fingerprint. Signature validity is not known
// at this point, so only an exact ID match clears the slot.
func (a *Authority) forgetExpired(claims *tokenClaims, fp action.Fingerprint) {
	if claims.ID == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if lt, ok := a.live[fp]; ok && lt.id == claims.ID {
		delete(a.live, fp)
	}
}
