package pki

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/jmcleod/ironca/storage"
)

const (
	serialBytes       = 16
	maxSerialAttempts = 5

	namespace  = "pki"
	kindSerial = "SERIAL"
)

// ErrSerialExhausted is returned when every serial candidate collided.
var ErrSerialExhausted = errors.New("could not allocate a unique serial number")

// randomSerial draws 127 random bits, never zero, so the DER encoding is
// always a positive INTEGER of at most 16 bytes.
func randomSerial(r io.Reader) (*big.Int, error) {
	for {
		b := make([]byte, serialBytes)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, fmt.Errorf("reading serial entropy: %w", err)
		}
		b[0] &= 0x7f
		n := new(big.Int).SetBytes(b)
		if n.Sign() > 0 {
			return n, nil
		}
	}
}

type serialReservation struct {
	ReservedAt time.Time `json:"reserved_at"`
	Subject    string    `json:"subject"`
}

// SerialRegistry remembers every serial the CA has handed out so a
// collision is detected before signing rather than after.
type SerialRegistry struct {
	repo storage.Repository
	rand io.Reader
	now  func() time.Time
}

// NewSerialRegistry returns a registry over repo.
func NewSerialRegistry(repo storage.Repository) *SerialRegistry {
	return &SerialRegistry{repo: repo, rand: rand.Reader, now: time.Now}
}

// Reserve allocates a fresh serial for subject.
func (s *SerialRegistry) Reserve(ctx context.Context, subject string) (*big.Int, error) {
	for range maxSerialAttempts {
		n, err := randomSerial(s.rand)
		if err != nil {
			return nil, err
		}
		err = storage.Create(ctx, s.repo, namespace, kindSerial, SerialHex(n),
			serialReservation{ReservedAt: s.now().UTC(), Subject: subject})
		if errors.Is(err, storage.ErrCASFailed) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reserving serial: %w", err)
		}
		return n, nil
	}
	return nil, ErrSerialExhausted
}

// Reserved reports whether n has been handed out.
func (s *SerialRegistry) Reserved(ctx context.Context, n *big.Int) (bool, error) {
	_, err := s.repo.Get(ctx, namespace, kindSerial, SerialHex(n))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}
