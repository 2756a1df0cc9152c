package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Caller represents a row in the callers table: one authenticated identity
// allowed to submit actions or resolve decisions over the HTTP surface.
type Caller struct {
	ID           string
	Name         string
	APIKeyHash   string
	APIKeyPrefix string
	CanDecide    bool // may resolve pending decisions, not only submit
	CreatedAt    time.Time
}

// GenerateAPIKey creates a new agk_ API key with its bcrypt hash and prefix.
// Returns (fullKey, hash, prefix, error). The fullKey is shown to the user once.
func GenerateAPIKey() (string, string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}
	fullKey := "agk_" + hex.EncodeToString(raw) // 68 chars total

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(fullKey), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}

	prefix := fullKey[:8] // "agk_abcd"
	return fullKey, string(hashBytes), prefix, nil
}

// CreateCaller inserts a new caller and returns it together with the
// plaintext API key (shown once).
func (s *Store) CreateCaller(ctx context.Context, name string, canDecide bool) (*Caller, string, error) {
	fullKey, keyHash, keyPrefix, err := GenerateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("CreateCaller: %w", err)
	}

	var c Caller
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO callers (name, api_key_hash, api_key_prefix, can_decide)
		VALUES ($1, $2, $3, $4)
		RETURNING id, name, api_key_hash, api_key_prefix, can_decide, created_at`,
		name, keyHash, keyPrefix, canDecide,
	).Scan(&c.ID, &c.Name, &c.APIKeyHash, &c.APIKeyPrefix, &c.CanDecide, &c.CreatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("CreateCaller: %w", err)
	}

	return &c, fullKey, nil
}

// LookupByPrefix fetches a caller by API key prefix. Returns (nil, nil) when
// no caller matches, so auth can reject without treating it as a DB failure.
func (s *Store) LookupByPrefix(ctx context.Context, prefix string) (*Caller, error) {
	var c Caller
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, api_key_hash, api_key_prefix, can_decide, created_at
		FROM callers
		WHERE api_key_prefix = $1`,
		prefix,
	).Scan(&c.ID, &c.Name, &c.APIKeyHash, &c.APIKeyPrefix, &c.CanDecide, &c.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("LookupByPrefix: %w", err)
	}
	return &c, nil
}

// ListCallers returns all registered callers, newest first.
func (s *Store) ListCallers(ctx context.Context) ([]Caller, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, api_key_hash, api_key_prefix, can_decide, created_at
		FROM callers
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("ListCallers: %w", err)
	}
	defer rows.Close()

	var callers []Caller
	for rows.Next() {
		var c Caller
		if err := rows.Scan(&c.ID, &c.Name, &c.APIKeyHash, &c.APIKeyPrefix, &c.CanDecide, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("ListCallers: %w", err)
		}
		callers = append(callers, c)
	}
	return callers, rows.Err()
}
