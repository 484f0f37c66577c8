package issuance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmcleod/ironca/internal/uuid"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
)

const (
	requestNamespace = "issuance"
	kindRequest      = "REQUEST"
)

// RequestStatus is the outcome recorded for a certificate request.
type RequestStatus string

const (
	StatusAttempted RequestStatus = "attempted"
	StatusSucceeded RequestStatus = "succeeded"
	StatusFailed    RequestStatus = "failed"
)

var ErrRequestNotFound = errors.New("certificate request not found")

// CertificateAuditRequest is written before the signing call and completed
// after it, so a crash in between leaves an "attempted" record behind.
type CertificateAuditRequest struct {
	ID              string              `json:"id"`
	PSKID           string              `json:"psk_id,omitempty"`
	UserID          string              `json:"user_id,omitempty"`
	CertificateType pki.CertificateType `json:"certificate_type"`
	CommonName      string              `json:"common_name"`
	ClientIP        string              `json:"client_ip,omitempty"`
	Status          RequestStatus       `json:"status"`
	Error           string              `json:"error,omitempty"`
	Fingerprint     string              `json:"fingerprint,omitempty"`
	SerialNumber    string              `json:"serial_number,omitempty"`
	LogStatus       pki.LogStatus       `json:"log_status,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
}

// RequestStore persists audit requests in a storage.Repository.
type RequestStore struct {
	repo storage.Repository
}

func NewRequestStore(repo storage.Repository) *RequestStore {
	return &RequestStore{repo: repo}
}

// Create stores r in the attempted state, assigning an ID if it has none.
func (s *RequestStore) Create(ctx context.Context, r *CertificateAuditRequest) error {
	if r.ID == "" {
		r.ID = uuid.New()
	}
	r.Status = StatusAttempted
	if err := storage.Create(ctx, s.repo, requestNamespace, kindRequest, r.ID, r); err != nil {
		return fmt.Errorf("recording certificate request: %w", err)
	}
	return nil
}

// Succeed completes a request with the issued certificate.
func (s *RequestStore) Succeed(ctx context.Context, id string, now time.Time, info pki.CertificateInfo, logStatus pki.LogStatus) error {
	return s.complete(ctx, id, func(r *CertificateAuditRequest) {
		at := now.UTC()
		r.Status = StatusSucceeded
		r.CompletedAt = &at
		r.Fingerprint = info.Fingerprint
		r.SerialNumber = info.SerialNumber
		r.LogStatus = logStatus
	})
}

// Fail completes a request with the failure detail.
func (s *RequestStore) Fail(ctx context.Context, id string, now time.Time, cause error) error {
	return s.complete(ctx, id, func(r *CertificateAuditRequest) {
		at := now.UTC()
		r.Status = StatusFailed
		r.CompletedAt = &at
		r.Error = cause.Error()
	})
}

func (s *RequestStore) complete(ctx context.Context, id string, fn func(*CertificateAuditRequest)) error {
	_, err := storage.Update(ctx, s.repo, requestNamespace, kindRequest, id, func(r *CertificateAuditRequest) error {
		if r.Status != StatusAttempted {
			return nil
		}
		fn(r)
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return ErrRequestNotFound
	}
	if err != nil {
		return fmt.Errorf("completing certificate request %s: %w", id, err)
	}
	return nil
}

// Get loads a request by ID.
func (s *RequestStore) Get(ctx context.Context, id string) (*CertificateAuditRequest, error) {
	r, _, err := storage.Load[CertificateAuditRequest](ctx, s.repo, requestNamespace, kindRequest, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrRequestNotFound
	}
	return r, err
}

// List returns every request, oldest first.
func (s *RequestStore) List(ctx context.Context) ([]*CertificateAuditRequest, error) {
	ids, err := s.repo.List(ctx, requestNamespace, kindRequest)
	if err != nil {
		return nil, err
	}
	out := make([]*CertificateAuditRequest, 0, len(ids))
	for _, id := range ids {
		r, err := s.Get(ctx, id)
		if errors.Is(err, ErrRequestNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListStale returns requests still in the attempted state that were
// created before the cutoff. They mark a signing call whose outcome was
// never recorded.
func (s *RequestStore) ListStale(ctx context.Context, before time.Time) ([]*CertificateAuditRequest, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var stale []*CertificateAuditRequest
	for _, r := range all {
		if r.Status == StatusAttempted && r.CreatedAt.Before(before) {
			stale = append(stale, r)
		}
	}
	return stale, nil
}
