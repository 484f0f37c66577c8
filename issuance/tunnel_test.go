package issuance

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMaster() []byte { return bytes.Repeat([]byte{0x5a}, 32) }

func TestTunnelKeyDeterministic(t *testing.T) {
	d, err := NewTunnelKeyDeriver(testMaster())
	require.NoError(t, err)

	a, err := d.Derive("req-1", "server")
	require.NoError(t, err)
	b, err := d.Derive("req-1", "server")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := d.Derive("req-2", "server")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	e, err := d.Derive("req-1", "computer")
	require.NoError(t, err)
	assert.NotEqual(t, a, e)

	_, err = d.Derive("", "server")
	assert.Error(t, err)
}

func TestTunnelKeyFormat(t *testing.T) {
	d, err := NewTunnelKeyDeriver(testMaster())
	require.NoError(t, err)
	out, err := d.Derive("req-1", "server")
	require.NoError(t, err)

	text := string(out)
	assert.True(t, strings.HasPrefix(text, "#\n# 2048 bit OpenVPN static key\n#\n-----BEGIN OpenVPN Static key V1-----\n"))
	assert.True(t, strings.HasSuffix(text, "-----END OpenVPN Static key V1-----\n"))

	lines := strings.Split(strings.TrimSpace(text), "\n")
	body := lines[4 : len(lines)-1]
	require.Len(t, body, 16)
	for _, l := range body {
		assert.Len(t, l, 32)
	}

	raw, err := ParseStaticKey(out)
	require.NoError(t, err)
	assert.Len(t, raw, TunnelKeySize)
	assert.NotContains(t, text, hex.EncodeToString(testMaster()))
}

func TestTunnelKeyWeakMaster(t *testing.T) {
	short := bytes.Repeat([]byte{1}, 16)
	_, err := NewTunnelKeyDeriver(short)
	assert.ErrorIs(t, err, ErrWeakMaster)
	assert.Equal(t, make([]byte, 16), short, "rejected master is wiped")
}

func TestTunnelKeyDeriverFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tls-crypt.master")
	require.NoError(t, os.WriteFile(path, []byte(hex.EncodeToString(testMaster())+"\n"), 0o600))

	fromFile, err := TunnelKeyDeriverFromFile(path)
	require.NoError(t, err)
	direct, err := NewTunnelKeyDeriver(testMaster())
	require.NoError(t, err)

	a, err := fromFile.Derive("salt", "server")
	require.NoError(t, err)
	b, err := direct.Derive("salt", "server")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	bad := filepath.Join(dir, "bad")
	require.NoError(t, os.WriteFile(bad, []byte("not hex"), 0o600))
	_, err = TunnelKeyDeriverFromFile(bad)
	assert.Error(t, err)

	_, err = TunnelKeyDeriverFromFile(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestParseStaticKeyRejectsShortKey(t *testing.T) {
	_, err := ParseStaticKey(formatStaticKey(make([]byte, 64)))
	assert.Error(t, err)
	_, err = ParseStaticKey([]byte("-----BEGIN OpenVPN Static key V1-----\nzz\n-----END OpenVPN Static key V1-----\n"))
	assert.Error(t, err)
}
