package ledger

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/glebarez/go-sqlite"
)

// sqliteIndex provides fast filtered queries over the ledger. The store
// is the source of truth; the SQLite index is a queryable projection that
// can be rebuilt from the store at any time.
type sqliteIndex struct {
	db *sql.DB
}

// QueryParams filters ledger queries. Empty/zero values mean "no filter".
type QueryParams struct {
	Verdict  string // PERMIT, BLOCK, or INDETERMINATE (exact match).
	Category string // Action category (exact match).
	Actor    string // Actor identity (exact match).
	Since    string // RFC 3339 timestamp lower bound.
	Limit    int    // Maximum records to return (most recent first).
}

// openIndex opens (or creates) the SQLite index database. WAL mode is
// used so CLI reads can run alongside the writer goroutine.
func openIndex(path string) (*sqliteIndex, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite index %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			seq               INTEGER PRIMARY KEY,
			ts                TEXT NOT NULL,
			correlation_id    TEXT NOT NULL DEFAULT '',
			actor             TEXT NOT NULL DEFAULT '',
			category          TEXT NOT NULL DEFAULT '',
			data_jurisdiction TEXT NOT NULL DEFAULT '',
			verdict           TEXT NOT NULL DEFAULT '',
			ruleset_version   INTEGER NOT NULL DEFAULT 0,
			matched_rules     TEXT NOT NULL DEFAULT '',
			latency_us        INTEGER NOT NULL DEFAULT 0,
			hash              TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_verdict ON records(verdict);
		CREATE INDEX IF NOT EXISTS idx_actor ON records(actor);
		CREATE INDEX IF NOT EXISTS idx_category ON records(category);
		CREATE INDEX IF NOT EXISTS idx_ts ON records(ts);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}

	return &sqliteIndex{db: db}, nil
}

// insert adds a record to the index. Best-effort: errors are logged and
// never affect the primary store, which the index can be rebuilt from.
func (idx *sqliteIndex) insert(r *Record) {
	_, err := idx.db.Exec(
		`INSERT OR REPLACE INTO records
		 (seq, ts, correlation_id, actor, category, data_jurisdiction, verdict, ruleset_version, matched_rules, latency_us, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Seq, r.Timestamp, r.CorrelationID, r.Actor, r.Category,
		r.DataJurisdiction, r.Verdict, r.RuleSetVersion,
		strings.Join(r.MatchedRules, ","), r.LatencyUs, r.Hash,
	)
	if err != nil {
		slog.Error("sqlite index insert failed", "seq", r.Seq, "error", err)
	}
}

// lastSeq returns the highest indexed sequence number, or -1 when empty.
func (idx *sqliteIndex) lastSeq() int64 {
	var seq sql.NullInt64
	if err := idx.db.QueryRow(`SELECT MAX(seq) FROM records`).Scan(&seq); err != nil || !seq.Valid {
		return -1
	}
	return seq.Int64
}

// seqs queries matching sequence numbers, most recent first. The caller
// resolves the full records from the store.
func (idx *sqliteIndex) seqs(params QueryParams) ([]uint64, error) {
	query := "SELECT seq FROM records WHERE 1=1"
	var args []any

	if params.Verdict != "" {
		query += " AND verdict = ?"
		args = append(args, params.Verdict)
	}
	if params.Category != "" {
		query += " AND category = ?"
		args = append(args, params.Category)
	}
	if params.Actor != "" {
		query += " AND actor = ?"
		args = append(args, params.Actor)
	}
	if params.Since != "" {
		query += " AND ts >= ?"
		args = append(args, params.Since)
	}

	query += " ORDER BY seq DESC"
	if params.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, params.Limit)
	}

	rows, err := idx.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sqlite index: %w", err)
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var seq uint64
		if err := rows.Scan(&seq); err != nil {
			return nil, fmt.Errorf("scanning sqlite row: %w", err)
		}
		out = append(out, seq)
	}
	return out, rows.Err()
}

func (idx *sqliteIndex) close() error {
	return idx.db.Close()
}
