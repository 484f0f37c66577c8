package key

import "fmt"

// Reseal re-encrypts the key under a new passphrase with a fresh salt. The
// key itself is unchanged, so certificates issued under it stay valid.
func (s *Sealed) Reseal(oldPass, newPass *Passphrase) (*Sealed, error) {
	der, err := s.openDER(oldPass)
	if err != nil {
		return nil, fmt.Errorf("opening sealed key for rotation: %w", err)
	}
	defer der.Destroy()

	rotated, err := sealDER(der.Bytes(), newPass, s.Label, s.KDF)
	if err != nil {
		return nil, fmt.Errorf("resealing key: %w", err)
	}
	return rotated, nil
}
