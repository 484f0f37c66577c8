package issuance

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/awnumar/memguard"

	icrypto "github.com/jmcleod/ironca/internal/crypto"
	"github.com/jmcleod/ironca/internal/util"
)

const (
	tunnelKeyVersion = 1
	// TunnelKeySize is the size of an OpenVPN static key (2048 bits).
	TunnelKeySize = 256
	minMasterSize = 32
)

var ErrWeakMaster = errors.New("tunnel master secret is shorter than 32 bytes")

// TunnelKeyDeriver derives a distinct tls-crypt key for every server
// issuance from one master secret. The master is held in a memguard
// enclave and never leaves the process.
type TunnelKeyDeriver struct {
	master *memguard.Enclave
}

// NewTunnelKeyDeriver seals master into an enclave. master is wiped.
func NewTunnelKeyDeriver(master []byte) (*TunnelKeyDeriver, error) {
	if len(master) < minMasterSize {
		util.WipeBytes(master)
		return nil, ErrWeakMaster
	}
	return &TunnelKeyDeriver{master: memguard.NewEnclave(master)}, nil
}

// TunnelKeyDeriverFromFile reads a master secret written as hex.
func TunnelKeyDeriverFromFile(path string) (*TunnelKeyDeriver, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tunnel master secret: %w", err)
	}
	defer util.WipeBytes(raw)
	master, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("tunnel master secret is not hex: %w", err)
	}
	return NewTunnelKeyDeriver(master)
}

// Derive returns the OpenVPN static key file for the issuance identified
// by salt. The same salt and type always yield the same key.
func (d *TunnelKeyDeriver) Derive(salt, certType string) ([]byte, error) {
	if salt == "" {
		return nil, errors.New("tunnel key salt is required")
	}
	lb, err := d.master.Open()
	if err != nil {
		return nil, fmt.Errorf("opening tunnel master secret: %w", err)
	}
	defer lb.Destroy()

	raw, err := util.HKDFExpand(lb.Bytes(), []byte(salt), icrypto.TunnelKeyInfo(certType, tunnelKeyVersion), TunnelKeySize)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(raw)
	return formatStaticKey(raw), nil
}

// formatStaticKey renders key in the OpenVPN "Static key V1" layout:
// sixteen lines of 32 hex digits between the BEGIN/END markers.
func formatStaticKey(key []byte) []byte {
	var b strings.Builder
	b.WriteString("#\n# 2048 bit OpenVPN static key\n#\n")
	b.WriteString("-----BEGIN OpenVPN Static key V1-----\n")
	for i := 0; i < len(key); i += 16 {
		end := min(i+16, len(key))
		b.WriteString(hex.EncodeToString(key[i:end]))
		b.WriteByte('\n')
	}
	b.WriteString("-----END OpenVPN Static key V1-----\n")
	return []byte(b.String())
}

// ParseStaticKey extracts the raw key bytes from an OpenVPN static key file.
func ParseStaticKey(data []byte) ([]byte, error) {
	var (
		in      bool
		hexData strings.Builder
	)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "-----BEGIN OpenVPN Static key V1-----":
			in = true
		case line == "-----END OpenVPN Static key V1-----":
			in = false
		case in:
			hexData.WriteString(line)
		}
	}
	key, err := hex.DecodeString(hexData.String())
	if err != nil {
		return nil, fmt.Errorf("malformed static key: %w", err)
	}
	if len(key) != TunnelKeySize {
		return nil, fmt.Errorf("static key is %d bytes, want %d", len(key), TunnelKeySize)
	}
	return key, nil
}
