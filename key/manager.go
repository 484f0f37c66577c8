package key

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
)

// ErrNoKeyMaterial is returned when WithDecrypted is called without a sealed
// key or passphrase.
var ErrNoKeyMaterial = errors.New("no key material")

// Manager hands out scoped access to decrypted private keys. Scopes are not
// serialized; each one decrypts into its own locked buffers.
type Manager struct {
	active atomic.Int64
	opened atomic.Int64
}

// NewManager returns a Manager.
func NewManager() *Manager {
	return &Manager{}
}

// Active reports how many decryption scopes are currently open.
func (m *Manager) Active() int64 {
	return m.active.Load()
}

// Opened reports how many decryption scopes have been opened in total.
func (m *Manager) Opened() int64 {
	return m.opened.Load()
}

// WithDecrypted decrypts sealed with pass and calls fn with the resulting
// signer. On every exit path, including a panic in fn, the parsed key is
// wiped, the locked buffers are destroyed and a GC is requested so any
// runtime-held copies become collectable. fn must not retain the signer.
func (m *Manager) WithDecrypted(ctx context.Context, sealed *Sealed, pass *Passphrase, fn func(crypto.Signer) error) error {
	if sealed == nil || pass == nil {
		return ErrNoKeyMaterial
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.active.Add(1)
	m.opened.Add(1)
	defer m.active.Add(-1)
	defer runtime.GC()

	der, err := sealed.openDER(pass)
	if err != nil {
		return err
	}
	defer der.Destroy()

	// Argon2id is slow enough that the caller may have given up meanwhile.
	if err := ctx.Err(); err != nil {
		return err
	}

	priv, err := x509.ParsePKCS8PrivateKey(der.Bytes())
	if err != nil {
		return fmt.Errorf("%w: parsing PKCS#8: %v", ErrMalformedSealed, err)
	}
	defer WipePrivateKey(priv)

	signer, ok := priv.(crypto.Signer)
	if !ok {
		return fmt.Errorf("%w: %T is not a signer", ErrUnknownFamily, priv)
	}
	return fn(signer)
}

// PublicKey decrypts sealed just long enough to read its public half.
func (m *Manager) PublicKey(ctx context.Context, sealed *Sealed, pass *Passphrase) (crypto.PublicKey, error) {
	var pub crypto.PublicKey
	err := m.WithDecrypted(ctx, sealed, pass, func(s crypto.Signer) error {
		pub = s.Public()
		return nil
	})
	return pub, err
}
