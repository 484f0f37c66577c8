package psk

import (
	"context"
	"errors"
	"time"

	"github.com/jmcleod/ironca/fault"
	"github.com/jmcleod/ironca/internal/util"
)

// Finder resolves a lookup prefix to a stored key.
type Finder interface {
	FindByPrefix(ctx context.Context, prefix string) (*PreSharedKey, error)
}

// Authenticator runs the ordered capability checks on a presented secret:
// lookup, hash comparison, revocation, expiry, use limit, then type.
type Authenticator struct {
	keys  Finder
	clock func() time.Time
	dummy *PreSharedKey
}

// AuthOption configures an Authenticator.
type AuthOption func(*Authenticator)

// WithClock overrides time.Now.
func WithClock(fn func() time.Time) AuthOption {
	return func(a *Authenticator) { a.clock = fn }
}

// NewAuthenticator returns an Authenticator. kdf should match the parameters
// new keys are created with, so that unknown prefixes cost the same as known
// ones.
func NewAuthenticator(keys Finder, kdf util.Argon2idParams, opts ...AuthOption) (*Authenticator, error) {
	dummy, _, err := Generate(Params{Type: TypeServer, KDF: kdf}, time.Now())
	if err != nil {
		return nil, err
	}
	a := &Authenticator{keys: keys, clock: time.Now, dummy: dummy}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Authenticate returns the key matching secret if it may be used for want.
// Unknown and mismatching secrets fail with AuthenticationFailure; known keys
// that are revoked, expired, exhausted or of the wrong type fail with
// AuthorizationFailure. Exactly one hash derivation runs on every path that
// reaches the store, so response time does not reveal which check failed.
// Authenticate does not record usage.
func (a *Authenticator) Authenticate(ctx context.Context, secret string, want Type) (*PreSharedKey, error) {
	const op = "psk.authenticate"

	var rec *PreSharedKey
	if prefix, ok := prefixOf(secret); ok {
		found, err := a.keys.FindByPrefix(ctx, prefix)
		switch {
		case err == nil:
			rec = found
		case !errors.Is(err, ErrNotFound):
			return nil, fault.E(op, fault.PersistenceFailure, err)
		}
	}

	target := rec
	if target == nil {
		target = a.dummy
	}
	match := target.Verify(secret)

	now := a.clock().UTC()
	switch {
	case rec == nil:
		return nil, fault.E(op, fault.AuthenticationFailure, ErrNotFound)
	case !match:
		return nil, fault.E(op, fault.AuthenticationFailure, ErrInvalid)
	case rec.Revoked:
		return nil, fault.E(op, fault.AuthorizationFailure, ErrRevoked)
	case !rec.IsValid(now):
		return nil, fault.E(op, fault.AuthorizationFailure, ErrExpired)
	case rec.Exhausted():
		return nil, fault.E(op, fault.AuthorizationFailure, ErrExhausted)
	case rec.Type != want:
		return nil, fault.E(op, fault.AuthorizationFailure, ErrTypeMismatch)
	}
	return rec, nil
}
