package key

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/awnumar/memguard"

	icrypto "github.com/jmcleod/ironca/internal/crypto"
	"github.com/jmcleod/ironca/internal/util"
)

const (
	// SealedPEMType is the PEM block type of a sealed private key.
	SealedPEMType = "IRONCA SEALED KEY"

	sealedVersion = 1
	saltSize      = 16
)

var (
	// ErrDecrypt covers both a wrong passphrase and a tampered ciphertext;
	// GCM cannot tell them apart.
	ErrDecrypt = errors.New("cannot decrypt sealed key")
	// ErrMalformedSealed is returned for PEM data that is not a sealed key.
	ErrMalformedSealed = errors.New("malformed sealed key")
)

// Sealed is a PKCS#8 private key encrypted with AES-256-GCM under a key
// derived from a passphrase with Argon2id. It is the only form in which CA
// key material is persisted.
type Sealed struct {
	Label      string
	KDF        util.Argon2idParams
	Salt       []byte
	Ciphertext []byte
}

// Seal encrypts priv under pass. label is bound into the ciphertext.
func Seal(priv crypto.PrivateKey, pass *Passphrase, label string, params util.Argon2idParams) (*Sealed, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}
	defer util.WipeBytes(der)
	return sealDER(der, pass, label, params)
}

func sealDER(der []byte, pass *Passphrase, label string, params util.Argon2idParams) (*Sealed, error) {
	if err := util.ValidateArgon2idParams(params); err != nil {
		return nil, err
	}
	salt, err := util.RandomBytes(saltSize)
	if err != nil {
		return nil, err
	}
	s := &Sealed{Label: label, KDF: params, Salt: salt}

	kek, err := s.deriveKEK(pass)
	if err != nil {
		return nil, err
	}
	defer kek.Destroy()

	ct, err := util.SealGCM(kek.Bytes(), der, icrypto.AADSealedKey(label, sealedVersion))
	if err != nil {
		return nil, fmt.Errorf("encrypting private key: %w", err)
	}
	s.Ciphertext = ct
	return s, nil
}

func (s *Sealed) deriveKEK(pass *Passphrase) (*memguard.LockedBuffer, error) {
	pb, err := pass.open()
	if err != nil {
		return nil, err
	}
	defer pb.Destroy()

	k, err := util.DeriveArgon2idKey(pb.Bytes(), s.Salt, s.KDF)
	if err != nil {
		return nil, fmt.Errorf("deriving key encryption key: %w", err)
	}
	// NewBufferFromBytes wipes k.
	return memguard.NewBufferFromBytes(k), nil
}

// openDER decrypts the PKCS#8 body into a locked buffer owned by the caller.
func (s *Sealed) openDER(pass *Passphrase) (*memguard.LockedBuffer, error) {
	kek, err := s.deriveKEK(pass)
	if err != nil {
		return nil, err
	}
	defer kek.Destroy()

	plain, err := util.OpenGCM(kek.Bytes(), s.Ciphertext, icrypto.AADSealedKey(s.Label, sealedVersion))
	if err != nil {
		return nil, ErrDecrypt
	}
	return memguard.NewBufferFromBytes(plain), nil
}

// MarshalPEM encodes s with its KDF parameters in the PEM headers.
func (s *Sealed) MarshalPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type: SealedPEMType,
		Headers: map[string]string{
			"Version":    strconv.Itoa(sealedVersion),
			"Label":      s.Label,
			"KDF":        "argon2id",
			"KDF-Params": s.KDF.String(),
			"Salt":       util.HexEncode(s.Salt),
		},
		Bytes: s.Ciphertext,
	})
}

// ParseSealedPEM decodes the first sealed key block in data.
func ParseSealedPEM(data []byte) (*Sealed, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != SealedPEMType {
		return nil, fmt.Errorf("%w: no %s block", ErrMalformedSealed, SealedPEMType)
	}
	if v := block.Headers["Version"]; v != strconv.Itoa(sealedVersion) {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrMalformedSealed, v)
	}
	if kdf := block.Headers["KDF"]; kdf != "argon2id" {
		return nil, fmt.Errorf("%w: unsupported KDF %q", ErrMalformedSealed, kdf)
	}
	params, err := util.ParseArgon2idParams(block.Headers["KDF-Params"])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSealed, err)
	}
	salt, err := util.HexDecode(block.Headers["Salt"])
	if err != nil || len(salt) != saltSize {
		return nil, fmt.Errorf("%w: bad salt", ErrMalformedSealed)
	}
	return &Sealed{
		Label:      block.Headers["Label"],
		KDF:        params,
		Salt:       salt,
		Ciphertext: block.Bytes,
	}, nil
}

// ReadSealedFile loads a sealed key from disk.
func ReadSealedFile(path string) (*Sealed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sealed key: %w", err)
	}
	return ParseSealedPEM(data)
}

// WriteFile stores s with owner-only permissions.
func (s *Sealed) WriteFile(path string) error {
	return os.WriteFile(path, s.MarshalPEM(), 0o600)
}
