package csr_test

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/csr"
	"github.com/jmcleod/ironca/entropy"
	"github.com/jmcleod/ironca/fault"
)

func plenty() *entropy.Validator {
	return entropy.NewValidator(256, entropy.WithSource(entropy.StaticSource(4096)))
}

func TestBuild(t *testing.T) {
	specs := map[string]csr.KeySpec{
		"rsa":      {Algorithm: csr.RSA, RSABits: 2048},
		"p256":     {Algorithm: csr.ECDSA, Curve: "P-256"},
		"p384":     {Algorithm: csr.ECDSA, Curve: "P-384"},
		"ed25519":  {Algorithm: csr.Ed25519},
		"defaults": csr.DefaultKeySpec(),
	}
	for name, spec := range specs {
		t.Run(name, func(t *testing.T) {
			b, err := csr.NewBuilder(spec, plenty())
			require.NoError(t, err)

			req, err := b.Build(t.Context(), "vpn.example.com")
			require.NoError(t, err)
			defer req.Destroy()

			block, _ := pem.Decode(req.CSRPEM)
			require.NotNil(t, block)
			assert.Equal(t, "CERTIFICATE REQUEST", block.Type)
			parsed, err := x509.ParseCertificateRequest(block.Bytes)
			require.NoError(t, err)
			require.NoError(t, parsed.CheckSignature())

			assert.Equal(t, "vpn.example.com", parsed.Subject.CommonName)
			assert.Empty(t, parsed.Subject.Organization)
			assert.Empty(t, parsed.DNSNames)
			assert.Empty(t, parsed.IPAddresses)
			assert.Empty(t, parsed.EmailAddresses)

			keyBlock, _ := pem.Decode(req.PrivateKeyPEM())
			require.NotNil(t, keyBlock)
			assert.Equal(t, "PRIVATE KEY", keyBlock.Type)
			priv, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
			require.NoError(t, err)

			type equaler interface{ Equal(crypto.PublicKey) bool }
			pub := priv.(crypto.Signer).Public().(equaler)
			assert.True(t, pub.Equal(parsed.PublicKey))
			assert.True(t, pub.Equal(req.PublicKey))
		})
	}
}

func TestDestroy(t *testing.T) {
	b, err := csr.NewBuilder(csr.DefaultKeySpec(), plenty())
	require.NoError(t, err)
	req, err := b.Build(t.Context(), "laptop-42")
	require.NoError(t, err)

	req.Destroy()
	req.Destroy()
	assert.Empty(t, req.PrivateKeyPEM())
}

func TestKeySpecValidate(t *testing.T) {
	bad := []csr.KeySpec{
		{Algorithm: csr.RSA, RSABits: 1024},
		{Algorithm: csr.RSA, RSABits: 3000},
		{Algorithm: csr.ECDSA, Curve: "P-224"},
		{Algorithm: "dsa"},
	}
	for _, spec := range bad {
		assert.ErrorIs(t, spec.Validate(), csr.ErrInvalidKeySpec, "%+v", spec)
		_, err := csr.NewBuilder(spec, plenty())
		assert.Error(t, err)
	}
	_, err := csr.NewBuilder(csr.DefaultKeySpec(), nil)
	assert.Error(t, err)
}

func TestBuildRejectsSubjectInjection(t *testing.T) {
	b, err := csr.NewBuilder(csr.DefaultKeySpec(), plenty())
	require.NoError(t, err)

	for _, cn := range []string{"", "   ", "a,O=Evil Corp", "cn/OU=x", "line\nbreak", string(make([]byte, 65))} {
		_, err := b.Build(t.Context(), cn)
		assert.Equal(t, fault.MalformedRequest, fault.KindOf(err), "%q", cn)
		assert.ErrorIs(t, err, csr.ErrInvalidCommonName)
	}
}

func TestBuildLowEntropy(t *testing.T) {
	starved := entropy.NewValidator(256, entropy.WithSource(entropy.StaticSource(8)))
	b, err := csr.NewBuilder(csr.DefaultKeySpec(), starved)
	require.NoError(t, err)

	_, err = b.Build(t.Context(), "vpn.example.com")
	assert.Equal(t, fault.LowEntropy, fault.KindOf(err))
	assert.ErrorIs(t, err, entropy.ErrLowEntropy)
}

type filling struct{ reads atomic.Int32 }

func (f *filling) Available() (int, error) {
	if f.reads.Add(1) > 2 {
		return 4096, nil
	}
	return 8, nil
}

func TestBuildWaitsForEntropyWhenAsked(t *testing.T) {
	v := entropy.NewValidator(256, entropy.WithSource(&filling{}), entropy.WithPollInterval(time.Millisecond))
	b, err := csr.NewBuilder(csr.DefaultKeySpec(), v, csr.WithEntropyWait(time.Second))
	require.NoError(t, err)

	req, err := b.Build(t.Context(), "vpn.example.com")
	require.NoError(t, err)
	req.Destroy()
}
