package issuance

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/awnumar/memguard"
	"github.com/klauspost/compress/zip"

	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/pki"
)

// Bundle is everything delivered to a requester: certificate, private key,
// CA chain and, for servers, the derived tls-crypt key. Secret parts live
// in locked memory until Destroy.
type Bundle struct {
	RequestID      string
	Type           pki.CertificateType
	CommonName     string
	CertificatePEM []byte
	CAChainPEM     []byte
	Info           pki.CertificateInfo
	LogStatus      pki.LogStatus
	IssuedAt       time.Time

	privateKey *memguard.LockedBuffer
	tunnelKey  *memguard.LockedBuffer
}

// PrivateKeyPEM returns the subscriber key. It is invalid after Destroy.
func (b *Bundle) PrivateKeyPEM() []byte {
	if b.privateKey == nil {
		return nil
	}
	return b.privateKey.Bytes()
}

// TunnelKey returns the OpenVPN static key, or nil for non-server bundles.
func (b *Bundle) TunnelKey() []byte {
	if b.tunnelKey == nil {
		return nil
	}
	return b.tunnelKey.Bytes()
}

// Destroy wipes the secret parts.
func (b *Bundle) Destroy() {
	if b.privateKey != nil {
		b.privateKey.Destroy()
	}
	if b.tunnelKey != nil {
		b.tunnelKey.Destroy()
	}
}

// FileNames lists the archive entries in the order WriteZip writes them.
func (b *Bundle) FileNames() []string {
	names := []string{string(b.Type) + ".crt", string(b.Type) + ".key", "ca.crt"}
	if b.tunnelKey != nil {
		names = append(names, "ta.key")
	}
	return names
}

// WriteZip writes the bundle as a zip archive.
func (b *Bundle) WriteZip(w io.Writer) error {
	zw := zip.NewWriter(w)
	contents := [][]byte{b.CertificatePEM, b.PrivateKeyPEM(), b.CAChainPEM}
	if b.tunnelKey != nil {
		contents = append(contents, b.TunnelKey())
	}
	modified := b.IssuedAt
	if modified.IsZero() {
		modified = time.Now()
	}
	for i, name := range b.FileNames() {
		hdr := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: modified}
		if i == 1 || name == "ta.key" {
			hdr.SetMode(0o600)
		} else {
			hdr.SetMode(0o644)
		}
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return fmt.Errorf("adding %s: %w", name, err)
		}
		if _, err := fw.Write(contents[i]); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return zw.Close()
}

// ZipFileName is the suggested download name.
func (b *Bundle) ZipFileName() string {
	return fmt.Sprintf("%s-%s.zip", b.Type, b.CommonName)
}

type bundleJSON struct {
	RequestID   string              `json:"request_id"`
	Type        pki.CertificateType `json:"certificate_type"`
	CommonName  string              `json:"common_name"`
	Certificate string              `json:"certificate"`
	PrivateKey  string              `json:"private_key"`
	CAChain     string              `json:"ca_chain"`
	TunnelKey   string              `json:"tls_crypt_key,omitempty"`
	Fingerprint string              `json:"fingerprint"`
	Serial      string              `json:"serial_number"`
	NotAfter    time.Time           `json:"not_after"`
	LogStatus   pki.LogStatus       `json:"log_status"`
}

// MarshalJSON renders the bundle including its secrets. It exists for the
// format=json download only.
func (b *Bundle) MarshalJSON() ([]byte, error) {
	out := bundleJSON{
		RequestID:   b.RequestID,
		Type:        b.Type,
		CommonName:  b.CommonName,
		Certificate: string(b.CertificatePEM),
		PrivateKey:  string(b.PrivateKeyPEM()),
		CAChain:     string(b.CAChainPEM),
		TunnelKey:   string(b.TunnelKey()),
		Fingerprint: b.Info.Fingerprint,
		Serial:      b.Info.SerialNumber,
		NotAfter:    b.Info.NotAfter,
		LogStatus:   b.LogStatus,
	}
	return json.Marshal(out)
}

func lockedCopy(b []byte) *memguard.LockedBuffer {
	if len(b) == 0 {
		return nil
	}
	c := util.CopyBytes(b)
	return memguard.NewBufferFromBytes(c)
}
