package ledger

import (
	"bufio"
	"fmt"
	"os"
	"sync"
)

// Store is the abstract durable append-only collaborator behind the
// ledger. The ledger defines the record format and ordering contract;
// the store owns the medium. Append must not return until the record is
// durable — the ledger reports an append as successful only after the
// store does.
type Store interface {
	// Append writes one record and returns its byte offset.
	Append(rec []byte) (offset int64, err error)
	// Scan calls fn for every record in append order. fn returning an
	// error stops the scan.
	Scan(fn func(offset int64, rec []byte) error) error
	Close() error
}

// FileStore is a line-oriented append-only file. Each record is one line;
// every append is fsynced before returning, so a record the store
// acknowledged survives a crash.
type FileStore struct {
	mu   sync.Mutex
	path string
	f    *os.File
	size int64
}

// OpenFileStore opens or creates the store file at path.
func OpenFileStore(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening ledger store %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat ledger store %s: %w", path, err)
	}
	return &FileStore{path: path, f: f, size: info.Size()}, nil
}

// Append implements Store. The offset is the byte position of the record
// line within the file.
func (s *FileStore) Append(rec []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	offset := s.size
	line := append(append([]byte(nil), rec...), '\n')
	n, err := s.f.Write(line)
	if err != nil {
		// A short write leaves a torn line at the tail; recovery skips
		// lines that fail to decode, so the next append after reopen
		// must start clean. Truncate back to the last good offset.
		if n > 0 {
			_ = s.f.Truncate(offset)
		}
		return 0, fmt.Errorf("writing ledger record: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return 0, fmt.Errorf("syncing ledger store: %w", err)
	}
	s.size += int64(n)
	return offset, nil
}

// Scan implements Store.
func (s *FileStore) Scan(fn func(offset int64, rec []byte) error) error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening ledger store for scan: %w", err)
	}
	defer f.Close()

	var offset int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		lineLen := int64(len(line)) + 1
		if len(line) > 0 {
			rec := append([]byte(nil), line...)
			if err := fn(offset, rec); err != nil {
				return err
			}
		}
		offset += lineLen
	}
	return scanner.Err()
}

// Close implements Store.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// MemStore is an in-memory Store for tests and ephemeral gates.
type MemStore struct {
	mu   sync.Mutex
	recs [][]byte

	// FailNext forces the next Append to fail, for exercising the
	// ledger's no-sequence-advance-on-write-failure contract.
	FailNext bool
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore { return &MemStore{} }

// Append implements Store; the offset is the record index.
func (s *MemStore) Append(rec []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNext {
		s.FailNext = false
		return 0, fmt.Errorf("simulated store failure")
	}
	s.recs = append(s.recs, append([]byte(nil), rec...))
	return int64(len(s.recs) - 1), nil
}

// Scan implements Store.
func (s *MemStore) Scan(fn func(offset int64, rec []byte) error) error {
	s.mu.Lock()
	recs := make([][]byte, len(s.recs))
	copy(recs, s.recs)
	s.mu.Unlock()

	for i, rec := range recs {
		if err := fn(int64(i), rec); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Store.
func (s *MemStore) Close() error { return nil }
