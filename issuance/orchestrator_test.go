package issuance_test

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/csr"
	"github.com/jmcleod/ironca/entropy"
	"github.com/jmcleod/ironca/fault"
	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/issuance"
	"github.com/jmcleod/ironca/key"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/psk"
	"github.com/jmcleod/ironca/storage/memory"
	"github.com/jmcleod/ironca/translog"
)

var issuedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func clock() time.Time { return issuedAt }

func kdf(t *testing.T) util.Argon2idParams {
	t.Helper()
	p, err := util.Argon2idProfile(util.KDFProfileInteractive)
	require.NoError(t, err)
	return p
}

func passphrase(t *testing.T, s string) *key.Passphrase {
	t.Helper()
	p, err := key.NewPassphrase([]byte(s))
	require.NoError(t, err)
	return p
}

type env struct {
	orch     *issuance.Orchestrator
	keys     *psk.Store
	requests *issuance.RequestStore
	log      *translog.Log
	ca       *pki.CA
	root     *x509.Certificate
	obs      *recordingObserver
}

type options struct {
	signer  issuance.Signer
	builder issuance.CSRBuilder
	enabled []pki.CertificateType
	entropy int
}

func newEnv(t *testing.T, o options) *env {
	t.Helper()
	res, err := pki.InitCA(t.Context(), pki.InitRequest{
		RootSubject:          pkix.Name{CommonName: "ironca test root"},
		IntermediateSubject:  pkix.Name{CommonName: "ironca test intermediate"},
		Family:               key.FamilyECDSAP256,
		RootValidity:         20 * 365 * 24 * time.Hour,
		IntermediateValidity: 10 * 365 * 24 * time.Hour,
		Passphrase:           passphrase(t, "intermediate passphrase"),
		RootPassphrase:       passphrase(t, "root passphrase"),
		KDF:                  kdf(t),
		Now:                  issuedAt.Add(-time.Hour),
	})
	require.NoError(t, err)

	ks, err := pki.NewSealedKeyStore(t.Context(), key.NewManager(), res.IntermediateKey, passphrase(t, "intermediate passphrase"))
	require.NoError(t, err)
	ca, err := pki.NewCA(res.Intermediate, []*x509.Certificate{res.Intermediate, res.Root}, ks)
	require.NoError(t, err)

	log := translog.New(translog.NewMemoryStore())
	authority, err := pki.NewAuthority(ca, memory.NewRepository(), log, pki.WithClock(clock))
	require.NoError(t, err)

	repo := memory.NewRepository()
	keys := psk.NewStore(repo)
	auth, err := psk.NewAuthenticator(keys, kdf(t), psk.WithClock(clock))
	require.NoError(t, err)

	bits := o.entropy
	if bits == 0 {
		bits = 4096
	}
	builder := o.builder
	if builder == nil {
		b, err := csr.NewBuilder(csr.DefaultKeySpec(), entropy.NewValidator(256, entropy.WithSource(entropy.StaticSource(bits))))
		require.NoError(t, err)
		builder = b
	}
	signer := o.signer
	if signer == nil {
		signer = issuance.LocalSigner{Authority: authority}
	}
	chain := ca.ChainPEM()
	tunnel, err := issuance.NewTunnelKeyDeriver(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)

	requests := issuance.NewRequestStore(repo)
	obs := &recordingObserver{}
	orch, err := issuance.New(issuance.Config{
		Auth:     auth,
		Usage:    keys,
		Builder:  builder,
		Signer:   signer,
		Chain:    issuance.StaticChain(chain),
		Tunnel:   tunnel,
		Requests: requests,
		Enabled:  o.enabled,
		Clock:    clock,
		Observer: obs,
	})
	require.NoError(t, err)
	return &env{orch: orch, keys: keys, requests: requests, log: log, ca: ca, root: res.Root, obs: obs}
}

func (e *env) newKey(t *testing.T, typ psk.Type, maxUses int64) (*psk.PreSharedKey, string) {
	t.Helper()
	k, secret, err := psk.Generate(psk.Params{Type: typ, MaxUses: maxUses, KDF: kdf(t)}, issuedAt.Add(-time.Hour))
	require.NoError(t, err)
	require.NoError(t, e.keys.Create(t.Context(), k))
	return k, secret
}

func (e *env) useCount(t *testing.T, id string) int64 {
	t.Helper()
	k, err := e.keys.Get(t.Context(), id)
	require.NoError(t, err)
	return k.UseCount
}

type recordingObserver struct {
	mu       sync.Mutex
	issued   []pki.CertificateType
	failed   []fault.Kind
	auditErr int
}

func (r *recordingObserver) BundleIssued(_ context.Context, t pki.CertificateType, _ pki.LogStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.issued = append(r.issued, t)
}

func (r *recordingObserver) IssueFailed(_ context.Context, _ pki.CertificateType, k fault.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, k)
}

func (r *recordingObserver) AuditWriteFailed(context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auditErr++
}

type failingSigner struct{ calls int }

func (s *failingSigner) Sign(context.Context, pki.SignRequest) (*issuance.Signed, error) {
	s.calls++
	return nil, fault.E("test.sign", fault.SigningUnavailable, errors.New("connection refused"))
}

// cancelingBuilder cancels the request context while the CSR is built.
type cancelingBuilder struct {
	inner  issuance.CSRBuilder
	cancel context.CancelFunc
}

func (b cancelingBuilder) Build(ctx context.Context, cn string) (*csr.Request, error) {
	req, err := b.inner.Build(context.WithoutCancel(ctx), cn)
	b.cancel()
	return req, err
}

func readZip(t *testing.T, b *issuance.Bundle) map[string][]byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, b.WriteZip(&buf))
	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	files := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		files[f.Name] = data
	}
	return files
}

func TestIssueServerBundle(t *testing.T) {
	e := newEnv(t, options{})
	k, secret := e.newKey(t, psk.TypeServer, 0)

	b, err := e.orch.Issue(t.Context(), issuance.IssueRequest{
		Secret:     secret,
		CommonName: "vpn.example.com",
		Type:       pki.TypeServer,
		ClientIP:   "192.0.2.10",
	})
	require.NoError(t, err)
	defer b.Destroy()

	assert.Equal(t, pki.LogStatusLogged, b.LogStatus)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), b.Info.NotAfter.UTC())
	assert.Equal(t, int64(1), e.useCount(t, k.ID))

	files := readZip(t, b)
	require.Len(t, files, 4)
	for _, name := range []string{"server.crt", "server.key", "ca.crt", "ta.key"} {
		assert.Contains(t, files, name)
	}

	certBlock, _ := pem.Decode(files["server.crt"])
	require.NotNil(t, certBlock)
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	require.NoError(t, err)
	assert.Equal(t, "vpn.example.com", cert.Subject.CommonName)
	assert.Equal(t, e.ca.Certificate.Subject.String(), cert.Issuer.String())

	keyBlock, _ := pem.Decode(files["server.key"])
	require.NotNil(t, keyBlock)
	priv, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	require.NoError(t, err)
	signer, ok := priv.(crypto.Signer)
	require.True(t, ok)
	pub, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	require.True(t, ok)
	assert.True(t, pub.Equal(cert.PublicKey), "bundle key must match certificate")

	chain, err := pki.ParseCertificatesPEM(files["ca.crt"])
	require.NoError(t, err)
	require.Len(t, chain, 2)
	roots := x509.NewCertPool()
	roots.AddCert(e.root)
	inter := x509.NewCertPool()
	inter.AddCert(chain[0])
	_, err = cert.Verify(x509.VerifyOptions{Roots: roots, Intermediates: inter, CurrentTime: issuedAt.Add(time.Hour)})
	require.NoError(t, err)

	ta, err := issuance.ParseStaticKey(files["ta.key"])
	require.NoError(t, err)
	assert.Len(t, ta, issuance.TunnelKeySize)

	req, err := e.requests.Get(t.Context(), b.RequestID)
	require.NoError(t, err)
	assert.Equal(t, issuance.StatusSucceeded, req.Status)
	assert.Equal(t, k.ID, req.PSKID)
	assert.Equal(t, b.Info.Fingerprint, req.Fingerprint)
	assert.Equal(t, "192.0.2.10", req.ClientIP)

	rec, err := e.log.Get(t.Context(), b.Info.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10", rec.ClientIP)
	assert.Equal(t, []pki.CertificateType{pki.TypeServer}, e.obs.issued)
}

func TestIssueComputerBundleHasNoTunnelKey(t *testing.T) {
	e := newEnv(t, options{})
	_, secret := e.newKey(t, psk.TypeComputer, 0)

	b, err := e.orch.Issue(t.Context(), issuance.IssueRequest{Secret: secret, CommonName: "laptop-01", Type: pki.TypeComputer})
	require.NoError(t, err)
	defer b.Destroy()

	assert.Nil(t, b.TunnelKey())
	assert.Equal(t, []string{"computer.crt", "computer.key", "ca.crt"}, b.FileNames())
	files := readZip(t, b)
	assert.NotContains(t, files, "ta.key")
}

func TestIssueTunnelKeysDifferPerRequest(t *testing.T) {
	e := newEnv(t, options{})
	_, secret := e.newKey(t, psk.TypeServer, 0)

	a, err := e.orch.Issue(t.Context(), issuance.IssueRequest{Secret: secret, CommonName: "vpn1.example.com", Type: pki.TypeServer})
	require.NoError(t, err)
	defer a.Destroy()
	b, err := e.orch.Issue(t.Context(), issuance.IssueRequest{Secret: secret, CommonName: "vpn2.example.com", Type: pki.TypeServer})
	require.NoError(t, err)
	defer b.Destroy()

	assert.NotEqual(t, a.RequestID, b.RequestID)
	assert.NotEqual(t, a.TunnelKey(), b.TunnelKey())
}

func TestIssueAuthFailures(t *testing.T) {
	e := newEnv(t, options{})
	k, secret := e.newKey(t, psk.TypeComputer, 0)

	_, err := e.orch.Issue(t.Context(), issuance.IssueRequest{Secret: "psk_notarealsecretatallnope", CommonName: "x", Type: pki.TypeServer})
	assert.Equal(t, fault.AuthenticationFailure, fault.KindOf(err))

	_, err = e.orch.Issue(t.Context(), issuance.IssueRequest{Secret: secret, CommonName: "x", Type: pki.TypeServer})
	assert.Equal(t, fault.AuthorizationFailure, fault.KindOf(err), "computer key on the server flow")

	_, err = e.orch.Issue(t.Context(), issuance.IssueRequest{Secret: secret, CommonName: "x", Type: "router"})
	assert.Equal(t, fault.MalformedRequest, fault.KindOf(err))

	assert.Equal(t, int64(0), e.useCount(t, k.ID))
	reqs, err := e.requests.List(t.Context())
	require.NoError(t, err)
	assert.Empty(t, reqs, "rejected requests leave no audit record")
}

func TestIssueUseLimit(t *testing.T) {
	e := newEnv(t, options{})
	k, secret := e.newKey(t, psk.TypeServer, 1)

	b, err := e.orch.Issue(t.Context(), issuance.IssueRequest{Secret: secret, CommonName: "vpn.example.com", Type: pki.TypeServer})
	require.NoError(t, err)
	b.Destroy()

	_, err = e.orch.Issue(t.Context(), issuance.IssueRequest{Secret: secret, CommonName: "vpn.example.com", Type: pki.TypeServer})
	assert.Equal(t, fault.AuthorizationFailure, fault.KindOf(err))
	assert.Equal(t, int64(1), e.useCount(t, k.ID))
}

func TestIssueConcurrentUseLimit(t *testing.T) {
	e := newEnv(t, options{})
	k, secret := e.newKey(t, psk.TypeComputer, 3)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ok  int
		bad int
	)
	for i := 0; i < 6; i++ {
		wg.Go(func() {
			b, err := e.orch.Issue(t.Context(), issuance.IssueRequest{Secret: secret, CommonName: "laptop", Type: pki.TypeComputer})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.Equal(t, fault.AuthorizationFailure, fault.KindOf(err))
				bad++
				return
			}
			b.Destroy()
			ok++
		})
	}
	wg.Wait()
	assert.Equal(t, 3, ok)
	assert.Equal(t, 3, bad)
	assert.Equal(t, int64(3), e.useCount(t, k.ID))
}

func TestIssueServiceModeGate(t *testing.T) {
	e := newEnv(t, options{enabled: []pki.CertificateType{pki.TypeComputer}})
	k, secret := e.newKey(t, psk.TypeServer, 0)

	assert.False(t, e.orch.Enabled(pki.TypeServer))
	_, err := e.orch.Issue(t.Context(), issuance.IssueRequest{Secret: secret, CommonName: "vpn.example.com", Type: pki.TypeServer})
	assert.Equal(t, fault.AuthorizationFailure, fault.KindOf(err))
	assert.Equal(t, int64(0), e.useCount(t, k.ID))
}

func TestIssueClientRequiresIdentity(t *testing.T) {
	e := newEnv(t, options{})

	_, err := e.orch.Issue(t.Context(), issuance.IssueRequest{CommonName: "alice", Type: pki.TypeClient})
	assert.Equal(t, fault.AuthenticationFailure, fault.KindOf(err))

	b, err := e.orch.Issue(t.Context(), issuance.IssueRequest{
		Identity:   &issuance.Identity{UserID: "alice@example.com"},
		CommonName: "alice",
		Type:       pki.TypeClient,
	})
	require.NoError(t, err)
	defer b.Destroy()
	assert.Nil(t, b.TunnelKey())

	req, err := e.requests.Get(t.Context(), b.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", req.UserID)

	rec, err := e.log.Get(t.Context(), b.Info.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", rec.RequesterID)
}

func TestIssueLowEntropyReleasesUse(t *testing.T) {
	e := newEnv(t, options{entropy: 64})
	k, secret := e.newKey(t, psk.TypeServer, 0)

	_, err := e.orch.Issue(t.Context(), issuance.IssueRequest{Secret: secret, CommonName: "vpn.example.com", Type: pki.TypeServer})
	assert.Equal(t, fault.LowEntropy, fault.KindOf(err))
	assert.Equal(t, 503, fault.KindOf(err).HTTPStatus())
	assert.Equal(t, int64(0), e.useCount(t, k.ID))
	assert.Equal(t, []fault.Kind{fault.LowEntropy}, e.obs.failed)
}

func TestIssueCancelledBeforeSigning(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	inner, err := csr.NewBuilder(csr.DefaultKeySpec(), entropy.NewValidator(256, entropy.WithSource(entropy.StaticSource(4096))))
	require.NoError(t, err)
	signer := &failingSigner{}
	e := newEnv(t, options{builder: cancelingBuilder{inner: inner, cancel: cancel}, signer: signer})
	k, secret := e.newKey(t, psk.TypeServer, 0)

	_, err = e.orch.Issue(ctx, issuance.IssueRequest{Secret: secret, CommonName: "vpn.example.com", Type: pki.TypeServer})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, signer.calls)
	assert.Equal(t, int64(0), e.useCount(t, k.ID))
	reqs, err := e.requests.List(t.Context())
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestIssueSigningUnavailable(t *testing.T) {
	signer := &failingSigner{}
	e := newEnv(t, options{signer: signer})
	k, secret := e.newKey(t, psk.TypeServer, 0)

	_, err := e.orch.Issue(t.Context(), issuance.IssueRequest{Secret: secret, CommonName: "vpn.example.com", Type: pki.TypeServer})
	assert.Equal(t, fault.SigningUnavailable, fault.KindOf(err))
	assert.Equal(t, "service unavailable", fault.KindOf(err).PublicMessage())
	assert.Equal(t, 1, signer.calls)
	assert.Equal(t, int64(1), e.useCount(t, k.ID), "an attempted signing spends the use")

	reqs, err := e.requests.List(t.Context())
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, issuance.StatusFailed, reqs[0].Status)
	assert.Contains(t, reqs[0].Error, "connection refused")
	require.NotNil(t, reqs[0].CompletedAt)
}

func TestIssueRevokedKey(t *testing.T) {
	e := newEnv(t, options{})
	k, secret := e.newKey(t, psk.TypeServer, 0)
	_, err := e.keys.Revoke(t.Context(), k.ID, issuedAt)
	require.NoError(t, err)

	_, err = e.orch.Issue(t.Context(), issuance.IssueRequest{Secret: secret, CommonName: "vpn.example.com", Type: pki.TypeServer})
	assert.Equal(t, fault.AuthorizationFailure, fault.KindOf(err))
	assert.Equal(t, "forbidden", fault.KindOf(err).PublicMessage())
}

func TestNewRequiresTunnelForServer(t *testing.T) {
	_, err := issuance.New(issuance.Config{
		Auth:     nil,
		Builder:  cancelingBuilder{},
		Signer:   &failingSigner{},
		Chain:    issuance.StaticChain("x"),
		Requests: issuance.NewRequestStore(memory.NewRepository()),
		Enabled:  []pki.CertificateType{pki.TypeClient},
	})
	require.NoError(t, err, "client-only deployments need no PSK store")

	_, err = issuance.New(issuance.Config{
		Auth:     &psk.Authenticator{},
		Usage:    psk.NewStore(memory.NewRepository()),
		Builder:  cancelingBuilder{},
		Signer:   &failingSigner{},
		Chain:    issuance.StaticChain("x"),
		Requests: issuance.NewRequestStore(memory.NewRepository()),
	})
	require.Error(t, err)
}
