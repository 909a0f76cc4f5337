// SPDX-License-Identifier: Apache-2.0
package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// StoredSource is an ingested record plus what ingestion derived from it.
type StoredSource struct {
	Record Record `json:"record"`
	Digest string `json:"digest"`
	// Scenarios maps chunk id to the detected scenario type for records
	// ingested without scenario tags.
	Scenarios  map[string]string `json:"scenarios,omitempty"`
	IngestedAt time.Time         `json:"ingested_at"`
}

// SourceStore persists source records so the index can be rebuilt.
type SourceStore interface {
	Get(ctx context.Context, sourceID string) (StoredSource, bool, error)
	Put(ctx context.Context, src StoredSource) error
	Delete(ctx context.Context, sourceID string) error
	List(ctx context.Context) ([]StoredSource, error)
}

// MemorySourceStore keeps sources in memory.
type MemorySourceStore struct {
	mu      sync.RWMutex
	sources map[string]StoredSource
}

// NewMemorySourceStore creates an empty store.
func NewMemorySourceStore() *MemorySourceStore {
	return &MemorySourceStore{sources: make(map[string]StoredSource)}
}

// Get returns a stored source.
func (s *MemorySourceStore) Get(_ context.Context, sourceID string) (StoredSource, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[sourceID]
	return src, ok, nil
}

// Put stores src by source id.
func (s *MemorySourceStore) Put(_ context.Context, src StoredSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[src.Record.SourceID] = src
	return nil
}

// Delete removes a source.
func (s *MemorySourceStore) Delete(_ context.Context, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sources, sourceID)
	return nil
}

// List returns sources sorted by id.
func (s *MemorySourceStore) List(_ context.Context) ([]StoredSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StoredSource, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Record.SourceID < out[j].Record.SourceID })
	return out, nil
}

// SQLiteSourceStore persists sources in SQLite as JSON documents.
type SQLiteSourceStore struct {
	db *sql.DB
}

// NewSQLiteSourceStore creates the store and ensures schema.
func NewSQLiteSourceStore(db *sql.DB) (*SQLiteSourceStore, error) {
	if db == nil {
		return nil, stderrors.New("db is nil")
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS knowledge_sources (
			source_id TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			document TEXT NOT NULL,
			ingested_at TIMESTAMP
		);
	`); err != nil {
		return nil, err
	}
	return &SQLiteSourceStore{db: db}, nil
}

// Get returns a stored source.
func (s *SQLiteSourceStore) Get(ctx context.Context, sourceID string) (StoredSource, bool, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM knowledge_sources WHERE source_id = ?`, sourceID).Scan(&doc)
	if stderrors.Is(err, sql.ErrNoRows) {
		return StoredSource{}, false, nil
	}
	if err != nil {
		return StoredSource{}, false, err
	}
	var src StoredSource
	if err := json.Unmarshal([]byte(doc), &src); err != nil {
		return StoredSource{}, false, err
	}
	return src, true, nil
}

// Put upserts src.
func (s *SQLiteSourceStore) Put(ctx context.Context, src StoredSource) error {
	doc, err := json.Marshal(src)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO knowledge_sources (source_id, digest, document, ingested_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			digest = excluded.digest,
			document = excluded.document,
			ingested_at = excluded.ingested_at
	`, src.Record.SourceID, src.Digest, string(doc), src.IngestedAt.UTC())
	return err
}

// Delete removes a source.
func (s *SQLiteSourceStore) Delete(ctx context.Context, sourceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_sources WHERE source_id = ?`, sourceID)
	return err
}

// List returns sources sorted by id.
func (s *SQLiteSourceStore) List(ctx context.Context) ([]StoredSource, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document FROM knowledge_sources ORDER BY source_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredSource
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var src StoredSource
		if err := json.Unmarshal([]byte(doc), &src); err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}
