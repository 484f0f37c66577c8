package translog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildChain(t *testing.T, n int) []*Record {
	t.Helper()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	prev := GenesisHash
	out := make([]*Record, 0, n)
	for i := range n {
		sum := sha256.Sum256(fmt.Appendf(nil, "cert-%d", i))
		r := &Record{
			ID: uint64(i + 1),
			Entry: Entry{
				Fingerprint:  hex.EncodeToString(sum[:]),
				SerialNumber: fmt.Sprintf("%x", i+1),
				Subject:      fmt.Sprintf("CN=host-%d", i),
				NotBefore:    base,
				NotAfter:     base.Add(time.Hour),
			},
			LoggedAt: base.Add(time.Duration(i) * time.Second),
			PrevHash: prev,
		}
		r.Hash = ChainHash(prev, r)
		prev = r.Hash
		out = append(out, r)
	}
	return out
}

func checkStatus(v Verification, name string) string {
	for _, c := range v.Checks {
		if c.Name == name {
			return c.Status
		}
	}
	return ""
}

func TestVerifyChainValid(t *testing.T) {
	v := VerifyChain(buildChain(t, 4))
	assert.True(t, v.Valid)
	assert.Equal(t, 4, v.Entries)
	for _, c := range v.Checks {
		assert.Equal(t, CheckPass, c.Status, c.Name)
	}
}

func TestVerifyChainEmpty(t *testing.T) {
	v := VerifyChain(nil)
	assert.True(t, v.Valid)
	assert.Zero(t, v.Entries)
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	t.Run("edited field", func(t *testing.T) {
		chain := buildChain(t, 3)
		chain[1].Subject = "CN=attacker"
		v := VerifyChain(chain)
		assert.False(t, v.Valid)
		assert.Equal(t, CheckFail, checkStatus(v, "record_hashes"))
	})
	t.Run("removed record", func(t *testing.T) {
		chain := buildChain(t, 3)
		chain = append(chain[:1], chain[2:]...)
		v := VerifyChain(chain)
		assert.False(t, v.Valid)
		assert.Equal(t, CheckFail, checkStatus(v, "chain_continuity"))
		assert.Equal(t, CheckFail, checkStatus(v, "sequential_ids"))
	})
	t.Run("bad anchor", func(t *testing.T) {
		chain := buildChain(t, 2)
		v := VerifyChain(chain[1:])
		assert.Equal(t, CheckFail, checkStatus(v, "genesis_anchor"))
	})
	t.Run("revocation is not tampering", func(t *testing.T) {
		chain := buildChain(t, 2)
		now := time.Now()
		chain[0].Revoked = true
		chain[0].RevokedAt = &now
		chain[0].RevocationReason = "keyCompromise"
		assert.True(t, VerifyChain(chain).Valid)
	})
	t.Run("clock regression warns", func(t *testing.T) {
		chain := buildChain(t, 2)
		chain[1].LoggedAt = chain[0].LoggedAt.Add(-time.Minute)
		chain[1].Hash = ChainHash(chain[1].PrevHash, chain[1])
		v := VerifyChain(chain)
		require.Equal(t, CheckWarn, checkStatus(v, "monotonic_timestamps"))
		assert.True(t, v.Valid)
	})
}

func TestChainHashCoversMetadataDeterministically(t *testing.T) {
	r := buildChain(t, 1)[0]
	r.Metadata = map[string]string{"b": "2", "a": "1"}
	h1 := ChainHash(GenesisHash, r)
	r.Metadata = map[string]string{"a": "1", "b": "2"}
	assert.Equal(t, h1, ChainHash(GenesisHash, r))
	r.Metadata["a"] = "changed"
	assert.NotEqual(t, h1, ChainHash(GenesisHash, r))
}
