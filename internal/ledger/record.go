// Package ledger implements the tamper-evident audit ledger.
//
// Every decision is sealed into a LedgerRecord: a hash-linked, signed,
// append-only entry. Each record's hash is computed over fields that
// include the previous record's hash, so a retroactive edit to record k
// invalidates the hash of every record after k. Record 0's previous hash
// is a fixed genesis constant.
//
// Appends are serialized by a single writer goroutine draining a queue —
// sequence numbers are gapless and exactly the arrival order onto that
// queue. Reads run concurrently with appends and only ever observe a
// prefix of durable records.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// GenesisHash is the fixed previous-hash constant for record 0.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// Entry is what the decision engine hands the ledger for sealing: the
// full decision document plus the typed summary fields the index and the
// hash chain need.
type Entry struct {
	CorrelationID    string   `json:"correlation_id"`
	Verdict          string   `json:"verdict"`
	Category         string   `json:"category"`
	Actor            string   `json:"actor"`
	DataJurisdiction string   `json:"data_jurisdiction"`
	RuleSetVersion   uint64   `json:"ruleset_version"`
	MatchedRules     []string `json:"matched_rules,omitempty"`
	LatencyUs        int64    `json:"latency_us"`

	// Decision is the complete decision document. It is digested
	// canonically, so the record is verifiable independently of field
	// ordering in storage.
	Decision json.RawMessage `json:"decision"`
}

// Record is one sealed ledger entry. Records are self-describing: the
// ruleset version, hash chain fields, and signature travel with the
// record so it can be verified outside the live system.
type Record struct {
	Seq       uint64 `json:"seq"`
	Timestamp string `json:"ts"`
	Entry
	// DecisionDigest is sha256 over the canonical form of Decision.
	DecisionDigest string `json:"decision_digest"`
	PrevHash       string `json:"prev_hash"`
	Hash           string `json:"hash"`
	// Signature is the signer's signature over the hash bytes, hex
	// encoded. Empty when signing is disabled.
	Signature string `json:"sig,omitempty"`
}

// digestDecision computes the canonical sha256 digest of a decision
// document.
func digestDecision(doc json.RawMessage) (string, error) {
	if len(doc) == 0 {
		return "", fmt.Errorf("empty decision document")
	}
	canon, err := canonicalizeJSON(doc)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// computeHash calculates the record hash. It covers the previous hash,
// the sequence number, the timestamp, the decision digest, and the
// summary fields, so modifying any of them — or any record before this
// one — invalidates it.
func computeHash(r *Record) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s|%s|%s|%s|%d",
		r.PrevHash, r.Seq, r.Timestamp,
		r.DecisionDigest, r.Verdict, r.CorrelationID,
		strings.Join(r.MatchedRules, ","), r.RuleSetVersion)
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// hashBytes returns the raw digest bytes of a prefixed hash string, for
// signing and signature verification.
func hashBytes(prefixed string) ([]byte, error) {
	raw, ok := strings.CutPrefix(prefixed, "sha256:")
	if !ok {
		return nil, fmt.Errorf("hash %q missing sha256 prefix", prefixed)
	}
	return hex.DecodeString(raw)
}

// verifyRecord checks a record's internal consistency: decision digest,
// record hash, and signature (when present and a signer is supplied).
func verifyRecord(r *Record, signer Signer) error {
	digest, err := digestDecision(r.Decision)
	if err != nil {
		return fmt.Errorf("record %d: %w", r.Seq, err)
	}
	if digest != r.DecisionDigest {
		return fmt.Errorf("record %d: decision digest mismatch", r.Seq)
	}
	if computeHash(r) != r.Hash {
		return fmt.Errorf("record %d: hash mismatch", r.Seq)
	}
	if r.Signature != "" && signer != nil {
		data, err := hashBytes(r.Hash)
		if err != nil {
			return fmt.Errorf("record %d: %w", r.Seq, err)
		}
		sig, err := hex.DecodeString(r.Signature)
		if err != nil {
			return fmt.Errorf("record %d: malformed signature", r.Seq)
		}
		if !signer.Verify(data, sig) {
			return fmt.Errorf("record %d: signature invalid", r.Seq)
		}
	}
	return nil
}
