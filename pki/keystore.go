package pki

import (
	"context"
	"crypto"
	"errors"
	"fmt"

	"github.com/jmcleod/ironca/key"
)

// KeyStore abstracts access to the CA signing key so the authority never
// holds decrypted key material outside a single signing scope.
type KeyStore interface {
	// Public returns the CA public key. It must not require decryption.
	Public() crypto.PublicKey

	// Family is the CA key family. It is constant for the life of the store.
	Family() key.Family

	// WithSigner runs fn with a signer for the CA key. The signer is valid
	// only for the duration of fn.
	WithSigner(ctx context.Context, fn func(crypto.Signer) error) error
}

// ErrKeyMismatch is returned when a CA certificate and its key do not pair.
var ErrKeyMismatch = errors.New("CA certificate does not match key")

// SealedKeyStore serves a passphrase-sealed key through a key.Manager. Only
// the sealed form is held between calls.
type SealedKeyStore struct {
	sealed *key.Sealed
	pass   *key.Passphrase
	mgr    *key.Manager
	pub    crypto.PublicKey
	family key.Family
}

var _ KeyStore = (*SealedKeyStore)(nil)

// NewSealedKeyStore opens sealed once to read and classify its public key.
func NewSealedKeyStore(ctx context.Context, mgr *key.Manager, sealed *key.Sealed, pass *key.Passphrase) (*SealedKeyStore, error) {
	pub, err := mgr.PublicKey(ctx, sealed, pass)
	if err != nil {
		return nil, fmt.Errorf("opening CA key: %w", err)
	}
	family, err := key.FamilyOf(pub)
	if err != nil {
		return nil, err
	}
	return &SealedKeyStore{sealed: sealed, pass: pass, mgr: mgr, pub: pub, family: family}, nil
}

func (s *SealedKeyStore) Public() crypto.PublicKey { return s.pub }

func (s *SealedKeyStore) Family() key.Family { return s.family }

func (s *SealedKeyStore) WithSigner(ctx context.Context, fn func(crypto.Signer) error) error {
	return s.mgr.WithDecrypted(ctx, s.sealed, s.pass, fn)
}
