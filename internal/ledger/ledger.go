package ledger

import (
	"context"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned for appends submitted after Close.
var ErrClosed = errors.New("ledger closed")

// WriteError reports that an append did not durably complete. The
// decision is not final until durably recorded; the caller must retry the
// whole submission. The sequence number is not advanced and the same
// number is used for the next append attempt.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string { return fmt.Sprintf("ledger write failed: %v", e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }

// ChainIntegrityError reports the first discontinuity found by Verify.
// It is read-only — verification never blocks new appends — but indicates
// tampering or storage corruption upstream of the gate.
type ChainIntegrityError struct {
	Seq    uint64
	Reason string
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("ledger chain broken at seq %d: %s", e.Seq, e.Reason)
}

// VerifyResult is the outcome of a chain verification.
type VerifyResult struct {
	Intact   bool    `json:"intact"`
	Checked  int     `json:"checked"`
	BrokenAt *uint64 `json:"broken_at,omitempty"`
	Reason   string  `json:"reason,omitempty"`
}

// Options configures Open.
type Options struct {
	// Dir is the ledger state directory, used for the default file store
	// (records.jsonl) and the SQLite index (index.db).
	Dir string

	// Store overrides the default file store.
	Store Store

	// Signer signs record hashes. Nil disables signing.
	Signer Signer

	// DisableIndex skips the SQLite projection (queries fall back to
	// scanning the store).
	DisableIndex bool

	// QueueDepth bounds pending appends. Default 64.
	QueueDepth int

	// OnAppend is called from the writer goroutine after each durable
	// append. Used for the live feed and metrics; must not block.
	OnAppend func(Record)
}

type appendResult struct {
	rec *Record
	err error
}

type appendRequest struct {
	entry Entry
	reply chan appendResult
}

// Ledger is an append-only, hash-chained decision ledger. One instance
// owns one ledger segment; there is no cross-instance coordination.
type Ledger struct {
	store    Store
	signer   Signer
	index    *sqliteIndex
	onAppend func(Record)

	queue chan appendRequest
	done  chan struct{}
	wg    sync.WaitGroup

	// mu guards closed; appendWG tracks in-flight Appends so Close stops
	// the writer only after every accepted append has its reply.
	mu       sync.Mutex
	closed   bool
	appendWG sync.WaitGroup

	// nextSeq and lastHash are owned by the writer goroutine between
	// Open and Close. seqMirror lets readers observe progress cheaply.
	nextSeq   uint64
	lastHash  string
	seqMirror atomic.Uint64

	closeOnce sync.Once
}

// Open opens or creates a ledger and starts the writer goroutine. On
// open, the store is scanned to recover the last sequence number and
// hash, so the chain continues correctly after a restart, and records
// missing from the SQLite index are re-indexed.
func Open(opts Options) (*Ledger, error) {
	l := &Ledger{
		store:    opts.Store,
		signer:   opts.Signer,
		onAppend: opts.OnAppend,
		done:     make(chan struct{}),
		lastHash: GenesisHash,
	}
	if l.signer == nil {
		l.signer = noopSigner{}
	}

	if l.store == nil {
		if opts.Dir == "" {
			return nil, fmt.Errorf("ledger: either Dir or Store is required")
		}
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating ledger directory %s: %w", opts.Dir, err)
		}
		fs, err := OpenFileStore(filepath.Join(opts.Dir, "records.jsonl"))
		if err != nil {
			return nil, err
		}
		l.store = fs
	}

	if !opts.DisableIndex && opts.Dir != "" {
		idx, err := openIndex(filepath.Join(opts.Dir, "index.db"))
		if err != nil {
			l.store.Close()
			return nil, err
		}
		l.index = idx
	}

	if err := l.recoverState(); err != nil {
		l.closeBackends()
		return nil, err
	}

	depth := opts.QueueDepth
	if depth <= 0 {
		depth = 64
	}
	l.queue = make(chan appendRequest, depth)

	l.wg.Add(1)
	go l.run()

	slog.Info("ledger opened", "next_seq", l.nextSeq, "dir", opts.Dir)
	return l, nil
}

// recoverState scans the store for the last record and re-indexes
// anything the SQLite projection is missing (a crash between store write
// and index insert leaves the index behind).
func (l *Ledger) recoverState() error {
	indexLast := int64(-1)
	if l.index != nil {
		indexLast = l.index.lastSeq()
	}

	err := l.store.Scan(func(_ int64, raw []byte) error {
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			slog.Warn("skipping undecodable ledger record during recovery", "error", err)
			return nil
		}
		l.nextSeq = rec.Seq + 1
		l.lastHash = rec.Hash
		if l.index != nil && int64(rec.Seq) > indexLast {
			l.index.insert(&rec)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("recovering ledger state: %w", err)
	}
	l.seqMirror.Store(l.nextSeq)
	return nil
}

// run is the single writer. Only this goroutine assigns sequence numbers
// and touches lastHash, so appends are strictly ordered by queue arrival
// with no lock that can deadlock. done closes only after every in-flight
// Append has received its reply, so the queue is empty on exit.
func (l *Ledger) run() {
	defer l.wg.Done()
	for {
		select {
		case req := <-l.queue:
			req.reply <- l.handleAppend(req.entry)
		case <-l.done:
			return
		}
	}
}

// handleAppend seals one entry. On store failure the sequence number is
// not advanced; the next append reuses it.
func (l *Ledger) handleAppend(e Entry) appendResult {
	digest, err := digestDecision(e.Decision)
	if err != nil {
		return appendResult{err: &WriteError{Err: err}}
	}

	rec := Record{
		Seq:            l.nextSeq,
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		Entry:          e,
		DecisionDigest: digest,
		PrevHash:       l.lastHash,
	}
	rec.Hash = computeHash(&rec)

	hb, err := hashBytes(rec.Hash)
	if err != nil {
		return appendResult{err: &WriteError{Err: err}}
	}
	sig, err := l.signer.Sign(hb)
	if err != nil {
		return appendResult{err: &WriteError{Err: fmt.Errorf("signing record: %w", err)}}
	}
	if len(sig) > 0 {
		rec.Signature = hex.EncodeToString(sig)
	}

	raw, err := json.Marshal(&rec)
	if err != nil {
		return appendResult{err: &WriteError{Err: fmt.Errorf("marshaling record: %w", err)}}
	}

	if _, err := l.store.Append(raw); err != nil {
		return appendResult{err: &WriteError{Err: err}}
	}

	// The record is durable; advance the chain.
	l.nextSeq++
	l.lastHash = rec.Hash
	l.seqMirror.Store(l.nextSeq)

	if l.index != nil {
		l.index.insert(&rec)
	}
	if l.onAppend != nil {
		l.onAppend(rec)
	}

	return appendResult{rec: &rec}
}

// Append seals a decision into the ledger and returns the record once it
// is durable. Concurrent submissions are serialized by the writer queue;
// the assigned sequence numbers are exactly the arrival order. ctx bounds
// only the wait for a queue slot — once enqueued, the append runs to
// completion so a decision is never half-recorded. An Append submitted
// after Close returns ErrClosed; one accepted before Close completes
// normally, because Close waits for it.
func (l *Ledger) Append(ctx context.Context, e Entry) (*Record, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	l.appendWG.Add(1)
	l.mu.Unlock()
	defer l.appendWG.Done()

	req := appendRequest{entry: e, reply: make(chan appendResult, 1)}

	select {
	case l.queue <- req:
	case <-ctx.Done():
		return nil, &WriteError{Err: ctx.Err()}
	}

	res := <-req.reply
	return res.rec, res.err
}

// Seq returns the next sequence number to be assigned (equivalently, the
// number of durable records).
func (l *Ledger) Seq() uint64 {
	return l.seqMirror.Load()
}

// errStopScan ends a store scan early once the requested range is read.
var errStopScan = errors.New("stop scan")

// Records returns durable records with from <= seq <= to, in order.
// to < 0 means "through the end of the ledger". Records are stored in
// sequence order, so the scan stops at the first record past the range.
func (l *Ledger) Records(from, to int64) ([]Record, error) {
	var out []Record
	err := l.store.Scan(func(_ int64, raw []byte) error {
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			slog.Warn("skipping undecodable ledger record", "error", err)
			return nil
		}
		if int64(rec.Seq) < from {
			return nil
		}
		if to >= 0 && int64(rec.Seq) > to {
			return errStopScan
		}
		out = append(out, rec)
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return nil, err
	}
	return out, nil
}

// Query returns records matching the filter, oldest first. Uses the
// SQLite index when available, otherwise filters a store scan.
func (l *Ledger) Query(params QueryParams) ([]Record, error) {
	if params.Since != "" && !strings.Contains(params.Since, "T") {
		d, err := time.ParseDuration(params.Since)
		if err != nil {
			return nil, fmt.Errorf("invalid since duration %q: %w", params.Since, err)
		}
		params.Since = time.Now().UTC().Add(-d).Format(time.RFC3339Nano)
	}

	if l.index != nil {
		seqs, err := l.index.seqs(params)
		if err != nil {
			return nil, err
		}
		if len(seqs) == 0 {
			return nil, nil
		}
		// Resolve only the matched window of the store, not the whole
		// file.
		lo, hi := seqs[0], seqs[0]
		want := make(map[uint64]bool, len(seqs))
		for _, s := range seqs {
			want[s] = true
			if s < lo {
				lo = s
			}
			if s > hi {
				hi = s
			}
		}
		window, err := l.Records(int64(lo), int64(hi))
		if err != nil {
			return nil, err
		}
		out := make([]Record, 0, len(seqs))
		for _, rec := range window {
			if want[rec.Seq] {
				out = append(out, rec)
			}
		}
		return out, nil
	}

	all, err := l.Records(0, -1)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, rec := range all {
		if params.Verdict != "" && rec.Verdict != params.Verdict {
			continue
		}
		if params.Category != "" && rec.Category != params.Category {
			continue
		}
		if params.Actor != "" && rec.Actor != params.Actor {
			continue
		}
		if params.Since != "" && rec.Timestamp < params.Since {
			continue
		}
		out = append(out, rec)
	}
	if params.Limit > 0 && len(out) > params.Limit {
		out = out[len(out)-params.Limit:]
	}
	return out, nil
}

// Tail returns the n most recent records, oldest first.
func (l *Ledger) Tail(n int) ([]Record, error) {
	return l.Query(QueryParams{Limit: n})
}

// Verify recomputes the hash chain over [from, to] and reports the first
// discontinuity. to < 0 means "through the end". The returned error is a
// *ChainIntegrityError when the chain is broken, nil when intact;
// verification is read-only and runs concurrently with appends.
//
// Verifying a range that does not start at record 0 seeds the chain from
// the first record's own previous_hash — each record is self-describing,
// so a segment can be checked without the records before it.
func (l *Ledger) Verify(from, to int64) (VerifyResult, error) {
	recs, err := l.Records(from, to)
	if err != nil {
		return VerifyResult{}, err
	}
	if len(recs) == 0 {
		return VerifyResult{Intact: true}, nil
	}

	broken := func(seq uint64, checked int, reason string) (VerifyResult, error) {
		s := seq
		res := VerifyResult{Checked: checked, BrokenAt: &s, Reason: reason}
		return res, &ChainIntegrityError{Seq: seq, Reason: reason}
	}

	if recs[0].Seq == 0 && recs[0].PrevHash != GenesisHash {
		return broken(0, 1, "record 0 previous hash is not the genesis constant")
	}

	for i := range recs {
		rec := &recs[i]
		if err := verifyRecord(rec, l.signer); err != nil {
			return broken(rec.Seq, i+1, err.Error())
		}
		if i > 0 {
			prev := &recs[i-1]
			if rec.Seq != prev.Seq+1 {
				return broken(rec.Seq, i+1, fmt.Sprintf("sequence gap: %d follows %d", rec.Seq, prev.Seq))
			}
			if rec.PrevHash != prev.Hash {
				return broken(rec.Seq, i+1, "previous hash does not match prior record")
			}
		}
	}

	return VerifyResult{Intact: true, Checked: len(recs)}, nil
}

// Export writes records in [from, to] to w. Formats: jsonl (default),
// json, csv. Each record is self-describing, so exported segments can be
// verified independently of the live system.
func (l *Ledger) Export(w io.Writer, format string, from, to int64) error {
	recs, err := l.Records(from, to)
	if err != nil {
		return fmt.Errorf("reading records for export: %w", err)
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)

	case "csv":
		cw := csv.NewWriter(w)
		defer cw.Flush()
		if err := cw.Write([]string{"seq", "ts", "correlation_id", "actor", "category", "data_jurisdiction", "verdict", "ruleset_version", "matched_rules", "latency_us", "prev_hash", "hash"}); err != nil {
			return err
		}
		for _, r := range recs {
			if err := cw.Write([]string{
				fmt.Sprintf("%d", r.Seq),
				r.Timestamp,
				r.CorrelationID,
				r.Actor,
				r.Category,
				r.DataJurisdiction,
				r.Verdict,
				fmt.Sprintf("%d", r.RuleSetVersion),
				strings.Join(r.MatchedRules, " "),
				fmt.Sprintf("%d", r.LatencyUs),
				r.PrevHash,
				r.Hash,
			}); err != nil {
				return err
			}
		}
		return nil

	case "jsonl", "":
		enc := json.NewEncoder(w)
		for _, r := range recs {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unsupported export format: %s (use json, jsonl, or csv)", format)
	}
}

// Close stops accepting appends, waits for in-flight ones to complete
// durably, then stops the writer goroutine and closes the store and
// index.
func (l *Ledger) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		l.appendWG.Wait()
		close(l.done)
	})
	l.wg.Wait()
	return l.closeBackends()
}

func (l *Ledger) closeBackends() error {
	var errs []error
	if err := l.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if l.index != nil {
		if err := l.index.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing ledger: %v", errs)
	}
	return nil
}
