package key

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/ironca/internal/util"
)

// ErrEmptyPassphrase is returned when a passphrase source yields nothing.
var ErrEmptyPassphrase = errors.New("empty passphrase")

const redacted = "[REDACTED]"

// Passphrase holds a secret in an encrypted memguard enclave. It renders as
// [REDACTED] through fmt, slog and encoding/json.
type Passphrase struct {
	enclave *memguard.Enclave
}

// NewPassphrase takes ownership of b, NFKD-normalizes it and wipes every
// intermediate copy, including b itself.
func NewPassphrase(b []byte) (*Passphrase, error) {
	defer util.WipeBytes(b)
	if len(b) == 0 {
		return nil, ErrEmptyPassphrase
	}
	normalized := util.NormalizeBytes(b)
	if len(normalized) == 0 {
		return nil, ErrEmptyPassphrase
	}
	// NewEnclave wipes normalized.
	return &Passphrase{enclave: memguard.NewEnclave(normalized)}, nil
}

// PassphraseFromFile reads a passphrase, dropping one trailing newline.
func PassphraseFromFile(path string) (*Passphrase, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase file: %w", err)
	}
	trimmed := bytes.TrimSuffix(bytes.TrimSuffix(raw, []byte("\n")), []byte("\r"))
	p, err := NewPassphrase(util.CopyBytes(trimmed))
	util.WipeBytes(raw)
	return p, err
}

// PassphraseFromEnv reads and unsets an environment variable so child
// processes do not inherit it.
func PassphraseFromEnv(name string) (*Passphrase, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil, fmt.Errorf("%s: %w", name, ErrEmptyPassphrase)
	}
	_ = os.Unsetenv(name)
	return NewPassphrase([]byte(v))
}

func (p *Passphrase) open() (*memguard.LockedBuffer, error) {
	if p == nil || p.enclave == nil {
		return nil, ErrEmptyPassphrase
	}
	buf, err := p.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("opening passphrase enclave: %w", err)
	}
	return buf, nil
}

func (p *Passphrase) String() string               { return redacted }
func (p *Passphrase) GoString() string             { return redacted }
func (p *Passphrase) LogValue() slog.Value         { return slog.StringValue(redacted) }
func (p *Passphrase) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }
