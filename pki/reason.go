package pki

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidReason = errors.New("invalid revocation reason")

// RFC 5280 section 5.3.1 reason names. removeFromCRL is not accepted
// because revocation is irreversible.
var reasonNames = []string{
	0:  "unspecified",
	1:  "keyCompromise",
	2:  "cACompromise",
	3:  "affiliationChanged",
	4:  "superseded",
	5:  "cessationOfOperation",
	6:  "certificateHold",
	9:  "privilegeWithdrawn",
	10: "aACompromise",
}

var reasonCodes = func() map[string]int {
	m := make(map[string]int, len(reasonNames))
	for code, name := range reasonNames {
		if name != "" {
			m[normalizeReason(name)] = code
		}
	}
	return m
}()

func normalizeReason(s string) string {
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.ToLower(strings.TrimSpace(s)))
}

// ReasonCode maps a reason name to its CRL reason code. Matching ignores
// case, underscores, hyphens and spaces so "key_compromise" and
// "keyCompromise" are the same reason.
func ReasonCode(reason string) (int, error) {
	code, ok := reasonCodes[normalizeReason(reason)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidReason, reason)
	}
	return code, nil
}

// CanonicalReason returns the RFC 5280 spelling of reason.
func CanonicalReason(reason string) (string, error) {
	code, err := ReasonCode(reason)
	if err != nil {
		return "", err
	}
	return reasonNames[code], nil
}
