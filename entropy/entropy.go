// Package entropy gates key generation on the host's randomness pool.
//
// The check is advisory: crypto/rand never returns weak bytes on a seeded
// Linux kernel, but a freshly booted VM can still report a starved pool and
// operators want issuance to fail fast rather than stall.
package entropy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jmcleod/ironca/fault"
)

// DefaultProcPath is where Linux reports the estimated pool size in bits.
const DefaultProcPath = "/proc/sys/kernel/random/entropy_avail"

var (
	// ErrLowEntropy is returned when the pool is below the configured minimum.
	ErrLowEntropy = errors.New("insufficient system entropy")
	// ErrUnsupported is returned by sources that cannot measure the pool.
	ErrUnsupported = errors.New("entropy measurement unsupported")
)

// Source reports the available entropy in bits.
type Source interface {
	Available() (int, error)
}

// ProcSource reads the estimate from procfs.
type ProcSource struct {
	Path string
}

func (s ProcSource) Available() (int, error) {
	path := s.Path
	if path == "" {
		path = DefaultProcPath
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, ErrUnsupported
	}
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", path, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", path, err)
	}
	return n, nil
}

// StaticSource always reports the same value. Useful in tests.
type StaticSource int

func (s StaticSource) Available() (int, error) { return int(s), nil }

// Validator checks a Source against a minimum.
type Validator struct {
	source       Source
	minBits      int
	pollInterval time.Duration
}

// Option configures a Validator.
type Option func(*Validator)

// WithSource overrides the default procfs source.
func WithSource(s Source) Option {
	return func(v *Validator) { v.source = s }
}

// WithPollInterval sets how often WaitFor re-reads the source.
func WithPollInterval(d time.Duration) Option {
	return func(v *Validator) {
		if d > 0 {
			v.pollInterval = d
		}
	}
}

// NewValidator returns a Validator requiring at least minBits.
func NewValidator(minBits int, opts ...Option) *Validator {
	v := &Validator{
		source:       ProcSource{},
		minBits:      minBits,
		pollInterval: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Check returns nil when the pool holds enough entropy. Hosts without a
// measurable pool pass, since getrandom(2) blocks until the CRNG is seeded.
func (v *Validator) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bits, err := v.source.Available()
	if errors.Is(err, ErrUnsupported) {
		return nil
	}
	if err != nil {
		return fault.E("entropy.check", fault.LowEntropy, err)
	}
	if bits < v.minBits {
		return fault.E("entropy.check", fault.LowEntropy,
			fmt.Errorf("%w: %d bits available, %d required", ErrLowEntropy, bits, v.minBits))
	}
	return nil
}

// WaitFor polls until Check passes or max elapses. It never waits
// indefinitely: a non-positive max behaves like Check.
func (v *Validator) WaitFor(ctx context.Context, max time.Duration) error {
	err := v.Check(ctx)
	if err == nil || max <= 0 || !errors.Is(err, ErrLowEntropy) {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, max)
	defer cancel()
	ticker := time.NewTicker(v.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return err
		case <-ticker.C:
			if err = v.Check(context.WithoutCancel(ctx)); err == nil || !errors.Is(err, ErrLowEntropy) {
				return err
			}
		}
	}
}
