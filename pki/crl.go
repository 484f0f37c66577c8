package pki

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/jmcleod/ironca/fault"
	"github.com/jmcleod/ironca/storage"
	"github.com/jmcleod/ironca/translog"
)

const (
	kindCRLNumber = "CRL_NUMBER"
	kindCRL       = "CRL"
	crlCounterID  = "counter"
	crlLatestID   = "latest"
)

type crlCounter struct {
	Number int64 `json:"number"`
}

// CRLInfo is the most recently generated CRL.
type CRLInfo struct {
	Number     int64     `json:"number"`
	ThisUpdate time.Time `json:"this_update"`
	NextUpdate time.Time `json:"next_update"`
	Entries    int       `json:"entries"`
	PEM        []byte    `json:"pem"`
}

// GenerateCRL builds and signs a CRL from the log's full revoked set. Each
// generation takes the next CRL number before reading the log, so a
// revocation that lands mid-build is picked up by the next one at the
// latest.
func (a *Authority) GenerateCRL(ctx context.Context) (*CRLInfo, error) {
	const op = "pki.crl"

	number, err := a.nextCRLNumber(ctx)
	if err != nil {
		return nil, fault.E(op, fault.PersistenceFailure, err)
	}

	queryCtx, cancel := context.WithTimeout(ctx, DefaultCRLLogTimeout)
	defer cancel()
	revoked, err := translog.All(queryCtx, a.log, translog.Filter{RevokedOnly: true})
	if err != nil {
		return nil, fault.E(op, fault.LoggingUnavailable, err)
	}

	entries := make([]x509.RevocationListEntry, 0, len(revoked))
	for _, r := range revoked {
		serial, err := hex.DecodeString(r.SerialNumber)
		if err != nil || len(serial) == 0 {
			return nil, fault.E(op, fault.Internal, fmt.Errorf("record %d has unparseable serial %q", r.ID, r.SerialNumber))
		}
		revokedAt := r.LoggedAt
		if r.RevokedAt != nil {
			revokedAt = *r.RevokedAt
		}
		code, err := ReasonCode(r.RevocationReason)
		if err != nil {
			code = 0
		}
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   new(big.Int).SetBytes(serial),
			RevocationTime: revokedAt.UTC(),
			ReasonCode:     code,
		})
	}

	sigAlg, err := SignatureAlgorithm(a.ca.Family())
	if err != nil {
		return nil, fault.E(op, fault.Internal, err)
	}
	now := a.now().UTC().Truncate(time.Second)
	tmpl := &x509.RevocationList{
		SignatureAlgorithm:        sigAlg,
		Number:                    big.NewInt(number),
		ThisUpdate:                now,
		NextUpdate:                now.Add(a.crlValidity),
		RevokedCertificateEntries: entries,
	}

	var der []byte
	err = a.ca.Keys.WithSigner(ctx, func(signer crypto.Signer) error {
		var cerr error
		der, cerr = x509.CreateRevocationList(a.rand, tmpl, a.ca.Certificate, signer)
		return cerr
	})
	if err != nil {
		return nil, fault.E(op, fault.SigningUnavailable, fmt.Errorf("signing CRL: %w", err))
	}

	info := &CRLInfo{
		Number:     number,
		ThisUpdate: tmpl.ThisUpdate,
		NextUpdate: tmpl.NextUpdate,
		Entries:    len(entries),
		PEM:        pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der}),
	}
	if err := a.storeLatestCRL(ctx, info); err != nil {
		return nil, fault.E(op, fault.PersistenceFailure, err)
	}
	a.logger.Info("CRL generated",
		slog.Int64("number", number),
		slog.Int("entries", len(entries)),
		slog.Time("next_update", info.NextUpdate),
	)
	a.observer.CRLGenerated(ctx, number, len(entries))
	return info, nil
}

// LatestCRL returns the most recently generated CRL.
func (a *Authority) LatestCRL(ctx context.Context) (*CRLInfo, error) {
	info, _, err := storage.Load[CRLInfo](ctx, a.repo, namespace, kindCRL, crlLatestID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fault.E("pki.latest_crl", fault.NotFound, ErrNoCRL)
	}
	if err != nil {
		return nil, fault.E("pki.latest_crl", fault.PersistenceFailure, err)
	}
	return info, nil
}

func (a *Authority) nextCRLNumber(ctx context.Context) (int64, error) {
	for range storage.MaxUpdateAttempts {
		c, err := storage.Update(ctx, a.repo, namespace, kindCRLNumber, crlCounterID, func(c *crlCounter) error {
			c.Number++
			return nil
		})
		if err == nil {
			return c.Number, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return 0, err
		}
		err = storage.Create(ctx, a.repo, namespace, kindCRLNumber, crlCounterID, crlCounter{Number: 1})
		if err == nil {
			return 1, nil
		}
		if !errors.Is(err, storage.ErrCASFailed) {
			return 0, err
		}
	}
	return 0, storage.ErrTooMuchContention
}

// storeLatestCRL replaces the stored CRL unless a higher-numbered one got
// there first.
func (a *Authority) storeLatestCRL(ctx context.Context, info *CRLInfo) error {
	for range storage.MaxUpdateAttempts {
		_, err := storage.Update(ctx, a.repo, namespace, kindCRL, crlLatestID, func(cur *CRLInfo) error {
			if cur.Number < info.Number {
				*cur = *info
			}
			return nil
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		err = storage.Create(ctx, a.repo, namespace, kindCRL, crlLatestID, info)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrCASFailed) {
			return err
		}
	}
	return storage.ErrTooMuchContention
}
