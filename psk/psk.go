// Package psk issues, stores and verifies pre-shared keys that authorize
// bundle requests. Only a salted Argon2id hash of each secret is persisted.
package psk

import (
	"errors"
	"fmt"
	"strings"
	"time"

	icrypto "github.com/jmcleod/ironca/internal/crypto"
	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/internal/uuid"
)

// Type gates which issuance flow a key may be used for.
type Type string

const (
	TypeServer   Type = "server"
	TypeComputer Type = "computer"
)

// ParseType validates a key type name.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeServer, TypeComputer:
		return t, nil
	default:
		return "", fmt.Errorf("unknown PSK type %q", s)
	}
}

const (
	secretPrefix = "psk_"
	secretBytes  = 32
	saltBytes    = 16
	// lookupLen covers "psk_" plus eight base58 characters (~46 bits), enough
	// to make index collisions rare without revealing a usable part of the secret.
	lookupLen = len(secretPrefix) + 8
)

var (
	ErrNotFound     = errors.New("pre-shared key not found")
	ErrInvalid      = errors.New("pre-shared key mismatch")
	ErrExpired      = errors.New("pre-shared key expired")
	ErrRevoked      = errors.New("pre-shared key revoked")
	ErrTypeMismatch = errors.New("pre-shared key type mismatch")
	ErrExhausted    = errors.New("pre-shared key use limit reached")
)

// PreSharedKey is the persisted record for a PSK.
type PreSharedKey struct {
	ID          string              `json:"id"`
	Description string              `json:"description"`
	Type        Type                `json:"type"`
	Prefix      string              `json:"prefix"`
	Salt        []byte              `json:"salt"`
	Hash        []byte              `json:"hash"`
	KDF         util.Argon2idParams `json:"kdf"`
	Revoked     bool                `json:"revoked"`
	RevokedAt   *time.Time          `json:"revoked_at,omitempty"`
	ExpiresAt   *time.Time          `json:"expires_at,omitempty"`
	MaxUses     int64               `json:"max_uses,omitempty"`
	UseCount    int64               `json:"use_count"`
	LastUsedAt  *time.Time          `json:"last_used_at,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	CreatedBy   string              `json:"created_by,omitempty"`
}

// Display is the truncated form shown to operators.
func (k *PreSharedKey) Display() string {
	return k.Prefix + "…"
}

// IsValid reports whether the key is usable at now: not revoked and either
// without expiry or expiring strictly after now. Comparison is in UTC.
func (k *PreSharedKey) IsValid(now time.Time) bool {
	if k.Revoked {
		return false
	}
	return k.ExpiresAt == nil || k.ExpiresAt.UTC().After(now.UTC())
}

// Exhausted reports whether a use limit is set and has been reached.
func (k *PreSharedKey) Exhausted() bool {
	return k.MaxUses > 0 && k.UseCount >= k.MaxUses
}

// Verify hashes secret and compares it with the stored hash in constant time.
// The hash input is bound to the record's prefix, so the derivation cost is
// paid even when the presented prefix does not match.
func (k *PreSharedKey) Verify(secret string) bool {
	input := icrypto.PSKHashInput(k.Prefix, []byte(secret))
	defer util.WipeBytes(input)
	ok, err := util.CompareArgon2idKey(input, k.Salt, k.KDF, k.Hash)
	return err == nil && ok
}

// Params describes a key to generate.
type Params struct {
	Description string
	Type        Type
	ExpiresIn   time.Duration
	MaxUses     int64
	CreatedBy   string
	KDF         util.Argon2idParams
}

// Generate creates a new key record and returns it together with the
// plaintext secret. The secret is not retained anywhere.
func Generate(p Params, now time.Time) (*PreSharedKey, string, error) {
	if _, err := ParseType(string(p.Type)); err != nil {
		return nil, "", err
	}
	if p.MaxUses < 0 || p.ExpiresIn < 0 {
		return nil, "", fmt.Errorf("use limit and expiry must not be negative")
	}
	if err := util.ValidateArgon2idParams(p.KDF); err != nil {
		return nil, "", err
	}

	raw, err := util.RandomBytes(secretBytes)
	if err != nil {
		return nil, "", err
	}
	defer util.WipeBytes(raw)
	secret := secretPrefix + util.Base58Encode(raw)

	salt, err := util.RandomBytes(saltBytes)
	if err != nil {
		return nil, "", err
	}

	prefix, _ := prefixOf(secret)
	input := icrypto.PSKHashInput(prefix, []byte(secret))
	defer util.WipeBytes(input)
	hash, err := util.DeriveArgon2idKey(input, salt, p.KDF)
	if err != nil {
		return nil, "", err
	}

	now = now.UTC()
	k := &PreSharedKey{
		ID:          uuid.New(),
		Description: p.Description,
		Type:        p.Type,
		Prefix:      prefix,
		Salt:        salt,
		Hash:        hash,
		KDF:         p.KDF,
		MaxUses:     p.MaxUses,
		CreatedAt:   now,
		CreatedBy:   p.CreatedBy,
	}
	if p.ExpiresIn > 0 {
		exp := now.Add(p.ExpiresIn)
		k.ExpiresAt = &exp
	}
	return k, secret, nil
}

func prefixOf(secret string) (string, bool) {
	if !strings.HasPrefix(secret, secretPrefix) || len(secret) <= lookupLen {
		return "", false
	}
	return secret[:lookupLen], true
}
