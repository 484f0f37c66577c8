package translog

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"slices"
	"time"
)

// GenesisHash is the PrevHash of the first record in the log.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ChainHash computes the hash of r over prevHash and the immutable fields.
// Revocation fields are excluded so revoking does not break the chain.
func ChainHash(prevHash string, r *Record) string {
	h := sha256.New()
	writeField(h, "ironca:translog:v1")
	writeField(h, prevHash)
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], r.ID)
	h.Write(id[:])
	writeField(h, r.Fingerprint)
	writeField(h, r.SerialNumber)
	writeField(h, r.Subject)
	writeField(h, r.Issuer)
	writeField(h, r.NotBefore.UTC().Format(time.RFC3339Nano))
	writeField(h, r.NotAfter.UTC().Format(time.RFC3339Nano))
	writeField(h, r.CertificateType)
	writeField(h, r.ClientIP)
	writeField(h, r.RequesterID)
	keys := make([]string, 0, len(r.Metadata))
	for k := range r.Metadata {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		writeField(h, k)
		writeField(h, r.Metadata[k])
	}
	writeField(h, r.LoggedAt.UTC().Format(time.RFC3339Nano))
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, s string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}

// Check status values.
const (
	CheckPass = "pass"
	CheckFail = "fail"
	CheckWarn = "warn"
)

// Check is the outcome of one verification rule.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Verification is the result of walking the chain.
type Verification struct {
	Valid   bool    `json:"valid"`
	Entries int     `json:"entries"`
	Head    string  `json:"head,omitempty"`
	Checks  []Check `json:"checks"`
}

// VerifyChain checks records, which must be in ID order, for a genesis
// anchor, intact hash links, recomputable hashes, unique IDs and
// fingerprints, and non-decreasing timestamps. Timestamp regressions are
// reported as warnings only.
func VerifyChain(records []*Record) Verification {
	v := Verification{Valid: true, Entries: len(records)}
	add := func(name, status, detail string) {
		v.Checks = append(v.Checks, Check{Name: name, Status: status, Detail: detail})
		if status == CheckFail {
			v.Valid = false
		}
	}

	if len(records) == 0 {
		add("genesis_anchor", CheckPass, "log is empty")
		return v
	}
	v.Head = records[len(records)-1].Hash

	if records[0].PrevHash == GenesisHash {
		add("genesis_anchor", CheckPass, "")
	} else {
		add("genesis_anchor", CheckFail, fmt.Sprintf("first record %d does not link to genesis", records[0].ID))
	}

	linkErr, hashErr := "", ""
	prev := GenesisHash
	for _, r := range records {
		if linkErr == "" && r.PrevHash != prev {
			linkErr = fmt.Sprintf("record %d: prev_hash does not match predecessor", r.ID)
		}
		if hashErr == "" && ChainHash(r.PrevHash, r) != r.Hash {
			hashErr = fmt.Sprintf("record %d: hash does not match contents", r.ID)
		}
		prev = r.Hash
	}
	status := func(detail string) string {
		if detail == "" {
			return CheckPass
		}
		return CheckFail
	}
	add("chain_continuity", status(linkErr), linkErr)
	add("record_hashes", status(hashErr), hashErr)

	seqErr := ""
	ids := make(map[uint64]bool, len(records))
	fps := make(map[string]bool, len(records))
	dupErr := ""
	for i, r := range records {
		if seqErr == "" && r.ID != records[0].ID+uint64(i) {
			seqErr = fmt.Sprintf("record %d out of sequence at position %d", r.ID, i)
		}
		if dupErr == "" && (ids[r.ID] || fps[r.Fingerprint]) {
			dupErr = fmt.Sprintf("record %d duplicates an earlier id or fingerprint", r.ID)
		}
		ids[r.ID] = true
		fps[r.Fingerprint] = true
	}
	add("sequential_ids", status(seqErr), seqErr)
	add("no_duplicates", status(dupErr), dupErr)

	tsWarn := ""
	for i := 1; i < len(records); i++ {
		if records[i].LoggedAt.Before(records[i-1].LoggedAt) {
			tsWarn = fmt.Sprintf("record %d logged before its predecessor", records[i].ID)
			break
		}
	}
	if tsWarn == "" {
		add("monotonic_timestamps", CheckPass, "")
	} else {
		add("monotonic_timestamps", CheckWarn, tsWarn)
	}
	return v
}
