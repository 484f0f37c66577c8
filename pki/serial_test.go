package pki

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/storage/memory"
)

type repeatReader byte

func (r repeatReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(r)
	}
	return len(p), nil
}

func TestRandomSerialShape(t *testing.T) {
	n, err := randomSerial(repeatReader(0xff))
	require.NoError(t, err)
	assert.Equal(t, 127, n.BitLen())
	assert.Positive(t, n.Sign())
}

func TestRandomSerialSkipsZero(t *testing.T) {
	src := bytes.NewReader(append(make([]byte, serialBytes), bytes.Repeat([]byte{1}, serialBytes)...))
	n, err := randomSerial(src)
	require.NoError(t, err)
	assert.Positive(t, n.Sign())
}

func TestSerialRegistryDetectsCollision(t *testing.T) {
	reg := NewSerialRegistry(memory.NewRepository())
	reg.rand = repeatReader(0x42)

	n, err := reg.Reserve(t.Context(), "a")
	require.NoError(t, err)
	ok, err := reg.Reserved(t.Context(), n)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = reg.Reserve(t.Context(), "b")
	assert.ErrorIs(t, err, ErrSerialExhausted)
}
