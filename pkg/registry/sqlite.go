// SPDX-License-Identifier: Apache-2.0
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jllopis/ipcollab/pkg/core"
	"github.com/jllopis/ipcollab/pkg/errors"
)

// SQLiteStore persists roles in SQLite as JSON documents.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a SQLite-backed role store and ensures schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, stderrors.New("db is nil")
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS roles (
			id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			document TEXT NOT NULL,
			updated_at TIMESTAMP
		);
	`); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Get loads one role.
func (s *SQLiteStore) Get(ctx context.Context, id string) (core.RoleIdentity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT version, document, updated_at FROM roles WHERE id = ?`, id)
	role, err := scanRole(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return core.RoleIdentity{}, errors.UnknownRole(id)
	}
	return role, err
}

// List returns all roles sorted by id.
func (s *SQLiteStore) List(ctx context.Context) ([]core.RoleIdentity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version, document, updated_at FROM roles ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.RoleIdentity
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

// Put upserts role and bumps its version in one transaction.
func (s *SQLiteStore) Put(ctx context.Context, role core.RoleIdentity) (core.RoleIdentity, error) {
	role = normalize(role)
	if err := role.Validate(); err != nil {
		return core.RoleIdentity{}, errors.InvalidInput(err.Error())
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.RoleIdentity{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var current int
	err = tx.QueryRowContext(ctx, `SELECT version FROM roles WHERE id = ?`, role.ID).Scan(&current)
	if err != nil && !stderrors.Is(err, sql.ErrNoRows) {
		return core.RoleIdentity{}, err
	}
	role.Version = current + 1
	role.UpdatedAt = s.now().UTC()

	doc, err := json.Marshal(role)
	if err != nil {
		return core.RoleIdentity{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO roles (id, version, document, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version, document = excluded.document, updated_at = excluded.updated_at
	`, role.ID, role.Version, string(doc), role.UpdatedAt); err != nil {
		return core.RoleIdentity{}, err
	}
	if err := tx.Commit(); err != nil {
		return core.RoleIdentity{}, err
	}
	return role, nil
}

// Delete removes a role.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM roles WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.UnknownRole(id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRole(row scanner) (core.RoleIdentity, error) {
	var (
		role    core.RoleIdentity
		version int
		doc     string
		updated sql.NullTime
	)
	if err := row.Scan(&version, &doc, &updated); err != nil {
		return core.RoleIdentity{}, err
	}
	if err := json.Unmarshal([]byte(doc), &role); err != nil {
		return core.RoleIdentity{}, err
	}
	role.Version = version
	if updated.Valid {
		role.UpdatedAt = updated.Time
	}
	return role, nil
}
