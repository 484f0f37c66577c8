package psk_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/psk"
)

func kdf(t *testing.T) util.Argon2idParams {
	t.Helper()
	p, err := util.Argon2idProfile(util.KDFProfileInteractive)
	require.NoError(t, err)
	return p
}

var now = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestGenerate(t *testing.T) {
	k, secret, err := psk.Generate(psk.Params{
		Description: "vpn-gw-01",
		Type:        psk.TypeServer,
		ExpiresIn:   30 * 24 * time.Hour,
		KDF:         kdf(t),
	}, now)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(secret, "psk_"))
	assert.True(t, strings.HasPrefix(secret, k.Prefix))
	assert.Equal(t, k.Prefix+"…", k.Display())
	assert.NotContains(t, string(k.Hash), secret)
	assert.Equal(t, now.Add(30*24*time.Hour), *k.ExpiresAt)
	assert.Len(t, k.Salt, 16)

	_, other, err := psk.Generate(psk.Params{Type: psk.TypeServer, KDF: kdf(t)}, now)
	require.NoError(t, err)
	assert.NotEqual(t, secret, other)

	_, _, err = psk.Generate(psk.Params{Type: "router", KDF: kdf(t)}, now)
	assert.Error(t, err)
	_, _, err = psk.Generate(psk.Params{Type: psk.TypeServer, MaxUses: -1, KDF: kdf(t)}, now)
	assert.Error(t, err)
}

func TestVerify(t *testing.T) {
	k, secret, err := psk.Generate(psk.Params{Type: psk.TypeComputer, KDF: kdf(t)}, now)
	require.NoError(t, err)

	assert.True(t, k.Verify(secret))
	assert.False(t, k.Verify(secret+"x"))
	assert.False(t, k.Verify(secret[:len(secret)-1]+"1"))
	assert.False(t, k.Verify(""))
}

func TestIsValid(t *testing.T) {
	past := now.Add(-time.Second)
	future := now.Add(time.Hour)

	cases := []struct {
		name    string
		revoked bool
		expires *time.Time
		want    bool
	}{
		{"no expiry", false, nil, true},
		{"future expiry", false, &future, true},
		{"expired", false, &past, false},
		{"expired and revoked", true, &past, false},
		{"expires exactly now", false, &now, false},
		{"revoked", true, nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			k := &psk.PreSharedKey{Revoked: tc.revoked, ExpiresAt: tc.expires}
			assert.Equal(t, tc.want, k.IsValid(now))
		})
	}

	// Expiry is compared as an instant, not a wall clock.
	local := time.FixedZone("UTC+10", 10*60*60)
	k := &psk.PreSharedKey{ExpiresAt: &future}
	assert.True(t, k.IsValid(now.In(local)))
}

func TestParseType(t *testing.T) {
	typ, err := psk.ParseType(" Server ")
	require.NoError(t, err)
	assert.Equal(t, psk.TypeServer, typ)

	_, err = psk.ParseType("client")
	assert.Error(t, err)
}
