// Package translog is the append-only certificate issuance log. Every issued
// certificate is recorded as a hash-chained Record; revocation is the only
// permitted mutation and it does not touch the chained fields.
package translog

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

var (
	ErrNotFound     = errors.New("log entry not found")
	ErrInvalidEntry = errors.New("invalid log entry")
	// ErrDuplicate is returned by a Store when the fingerprint is already logged.
	ErrDuplicate = errors.New("fingerprint already logged")
	// ErrUnavailable is returned by Client when the log could not be reached.
	ErrUnavailable = errors.New("transparency log unavailable")
	// ErrRejected is returned by Client when the log refused the request.
	ErrRejected = errors.New("transparency log rejected request")
)

const (
	maxFieldLen    = 1024
	maxMetadata    = 32
	maxReasonLen   = 128
	fingerprintLen = 64
)

// Entry is what the signing authority submits for every certificate it issues.
type Entry struct {
	Fingerprint     string            `json:"fingerprint"`
	SerialNumber    string            `json:"serial_number"`
	Subject         string            `json:"subject"`
	Issuer          string            `json:"issuer"`
	NotBefore       time.Time         `json:"not_before"`
	NotAfter        time.Time         `json:"not_after"`
	CertificateType string            `json:"certificate_type"`
	ClientIP        string            `json:"client_ip,omitempty"`
	RequesterID     string            `json:"requester_id,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Validate checks the structural constraints of an entry.
func (e *Entry) Validate() error {
	if len(e.Fingerprint) != fingerprintLen {
		return fmt.Errorf("%w: fingerprint must be %d hex characters", ErrInvalidEntry, fingerprintLen)
	}
	if _, err := hex.DecodeString(e.Fingerprint); err != nil {
		return fmt.Errorf("%w: fingerprint is not hex", ErrInvalidEntry)
	}
	if e.SerialNumber == "" {
		return fmt.Errorf("%w: serial number is required", ErrInvalidEntry)
	}
	if e.Subject == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidEntry)
	}
	if e.NotBefore.IsZero() || e.NotAfter.IsZero() || !e.NotAfter.After(e.NotBefore) {
		return fmt.Errorf("%w: validity window is empty", ErrInvalidEntry)
	}
	for name, v := range map[string]string{
		"serial_number":    e.SerialNumber,
		"subject":          e.Subject,
		"issuer":           e.Issuer,
		"certificate_type": e.CertificateType,
		"client_ip":        e.ClientIP,
		"requester_id":     e.RequesterID,
	} {
		if len(v) > maxFieldLen || !utf8.ValidString(v) {
			return fmt.Errorf("%w: %s is too long or not UTF-8", ErrInvalidEntry, name)
		}
	}
	if len(e.Metadata) > maxMetadata {
		return fmt.Errorf("%w: too many metadata keys", ErrInvalidEntry)
	}
	for k, v := range e.Metadata {
		if k == "" || len(k) > maxFieldLen || len(v) > maxFieldLen {
			return fmt.Errorf("%w: metadata key %q", ErrInvalidEntry, k)
		}
	}
	return nil
}

// Record is a logged entry with its chain position and revocation state.
type Record struct {
	ID uint64 `json:"id"`
	Entry
	LoggedAt         time.Time  `json:"logged_at"`
	PrevHash         string     `json:"prev_hash"`
	Hash             string     `json:"hash"`
	Revoked          bool       `json:"revoked"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
	RevokedBy        string     `json:"revoked_by,omitempty"`
}

// Clone returns a copy of r that shares no mutable state with it.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	if r.RevokedAt != nil {
		t := *r.RevokedAt
		c.RevokedAt = &t
	}
	return &c
}

// Ack acknowledges an append. Duplicate is set when the fingerprint was
// already present and no new record was written.
type Ack struct {
	ID        uint64 `json:"id"`
	Hash      string `json:"hash"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// Filter selects records for Query. Results are ordered by ID ascending.
type Filter struct {
	Subject     string
	Fingerprint string
	RevokedOnly bool
	Limit       int
	Offset      int
}

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Normalize clamps Limit and Offset into their accepted ranges.
func (f Filter) Normalize() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

func (f Filter) match(r *Record) bool {
	if f.Subject != "" && r.Subject != f.Subject {
		return false
	}
	if f.Fingerprint != "" && r.Fingerprint != f.Fingerprint {
		return false
	}
	if f.RevokedOnly && !r.Revoked {
		return false
	}
	return true
}

// Page is one window of query results plus the total match count.
type Page struct {
	Records []*Record `json:"records"`
	Total   int       `json:"total"`
	Limit   int       `json:"limit"`
	Offset  int       `json:"offset"`
}

// Revocation carries the reason and actor of a revocation request.
type Revocation struct {
	Reason    string `json:"reason"`
	RevokedBy string `json:"revoked_by"`
}

func (r Revocation) validate() error {
	if r.Reason == "" || len(r.Reason) > maxReasonLen {
		return fmt.Errorf("%w: revocation reason is required", ErrInvalidEntry)
	}
	if len(r.RevokedBy) > maxFieldLen {
		return fmt.Errorf("%w: revoked_by is too long", ErrInvalidEntry)
	}
	return nil
}
