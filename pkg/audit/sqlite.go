// SPDX-License-Identifier: Apache-2.0
package audit

import (
	"context"
	"database/sql"
	"errors"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists audit records in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed audit store and ensures schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Record stores a single audit record.
func (s *SQLiteStore) Record(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_records (kind, turn_id, role_id, outcome, payload_json, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		string(rec.Kind),
		rec.TurnID,
		rec.RoleID,
		rec.Outcome,
		string(rec.Payload),
		normalizeTime(rec.RecordedAt),
	)
	return err
}

// List returns audit records matching the filter, oldest first.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]Record, error) {
	query := `SELECT kind, turn_id, role_id, outcome, payload_json, recorded_at FROM audit_records`
	var args []any
	where := ""
	addFilter := func(clause string, value any) {
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
		args = append(args, value)
	}
	if filter.Kind != "" {
		addFilter("kind = ?", string(filter.Kind))
	}
	if filter.TurnID != "" {
		addFilter("turn_id = ?", filter.TurnID)
	}
	if filter.RoleID != "" {
		addFilter("role_id = ?", filter.RoleID)
	}
	if filter.Outcome != "" {
		addFilter("outcome = ?", filter.Outcome)
	}
	query += where + " ORDER BY recorded_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec      Record
			kind     string
			payload  sql.NullString
			recorded sql.NullTime
		)
		if err := rows.Scan(&kind, &rec.TurnID, &rec.RoleID, &rec.Outcome, &payload, &recorded); err != nil {
			return nil, err
		}
		rec.Kind = Kind(kind)
		if payload.Valid && payload.String != "" {
			rec.Payload = []byte(payload.String)
		}
		if recorded.Valid {
			rec.RecordedAt = recorded.Time
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			role_id TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			payload_json TEXT,
			recorded_at TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_audit_turn ON audit_records(turn_id);
		CREATE INDEX IF NOT EXISTS idx_audit_role ON audit_records(role_id);
		CREATE INDEX IF NOT EXISTS idx_audit_outcome ON audit_records(outcome);
	`)
	return err
}
