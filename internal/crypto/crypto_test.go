package icrypto

import (
	"bytes"
	"testing"
)

func TestAAD(t *testing.T) {
	aad1 := AADSealedKey("intermediate", 1)
	aad2 := AADSealedKey("intermediate", 1)
	if !bytes.Equal(aad1, aad2) {
		t.Error("AADSealedKey should be deterministic")
	}

	if bytes.Equal(aad1, AADSealedKey("root", 1)) {
		t.Error("AADSealedKey should differ for different labels")
	}
	if bytes.Equal(aad1, AADSealedKey("intermediate", 2)) {
		t.Error("AADSealedKey should differ for different versions")
	}

	if bytes.Equal(TunnelKeyInfo("server", 1), TunnelKeyInfo("computer", 1)) {
		t.Error("TunnelKeyInfo should differ per certificate type")
	}
}

func TestPSKHashInput(t *testing.T) {
	a := PSKHashInput("psk_abc", []byte("secret"))
	b := PSKHashInput("psk_abd", []byte("secret"))
	if bytes.Equal(a, b) {
		t.Error("PSKHashInput should bind the prefix")
	}

	// Length prefixes keep the boundary between prefix and secret unambiguous.
	c := PSKHashInput("psk_ab", []byte("csecret"))
	d := PSKHashInput("psk_abc", []byte("secret"))
	if bytes.Equal(c, d) {
		t.Error("PSKHashInput should not be ambiguous across the prefix boundary")
	}
}
