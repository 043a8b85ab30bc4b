// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package rbac

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/stacklok/authd/pkg/authserver/storage"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// searchColumns maps search fields to their column. Only these names are
// ever interpolated into SQL.
var searchColumns = map[SearchField]string{
	SearchByUserID: "user_id",
	SearchByEmail:  "email",
	SearchByName:   "name",
}

// SQLiteBackend stores role assignments in a SQLite database. The full
// record is kept as JSON next to the indexed columns used for listing, and
// every audit entry is also written to the role_mutations table.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens the database at path and applies pending
// migrations.
func NewSQLiteBackend(ctx context.Context, path string) (*SQLiteBackend, error) {
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteBackend{db: db}, nil
}

// runMigrations applies all pending database migrations using goose.
func runMigrations(ctx context.Context, db *sql.DB) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Create implements Backend.
func (s *SQLiteBackend) Create(ctx context.Context, rec *RoleAssignment) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal role assignment: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO role_assignments (user_id, provider, email, name, status, requested_at, version, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.UserID, rec.Provider, rec.Email, rec.Name, string(rec.Status),
		rec.RequestedAt.UnixNano(), rec.Version, string(data),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("inserting role assignment: %w", err)
	}

	if err := insertMutations(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing role assignment: %w", err)
	}
	return nil
}

// Get implements Backend.
func (s *SQLiteBackend) Get(ctx context.Context, userID string) (*RoleAssignment, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM role_assignments WHERE user_id = ?`, userID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying role assignment: %w", err)
	}
	return decodeRecord([]byte(data))
}

// Update implements Backend.
func (s *SQLiteBackend) Update(ctx context.Context, rec *RoleAssignment, expectedVersion int64) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal role assignment: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `
		UPDATE role_assignments
		SET email = ?, name = ?, status = ?, version = ?, data = ?
		WHERE user_id = ? AND version = ?`,
		rec.Email, rec.Name, string(rec.Status), rec.Version, string(data),
		rec.UserID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("updating role assignment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking updated rows: %w", err)
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM role_assignments WHERE user_id = ?`, rec.UserID,
		).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("querying role assignment: %w", err)
		}
		return ErrConflict
	}

	if err := insertMutations(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing role assignment: %w", err)
	}
	return nil
}

// List implements Backend.
func (s *SQLiteBackend) List(ctx context.Context, q Query) ([]*RoleAssignment, error) {
	var (
		where []string
		args  []any
	)
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}
	if q.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, q.Provider)
	}
	if q.Term != "" {
		col, ok := searchColumns[q.Field]
		if !ok {
			return nil, invalid("search_by", "must be one of user_id, email, name")
		}
		where = append(where, "LOWER("+col+`) LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(strings.ToLower(q.Term))+"%")
	}

	query := "SELECT data FROM role_assignments"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY requested_at, user_id"
	if q.Page.Limit > 0 || q.Page.Skip > 0 {
		limit := q.Page.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, q.Page.Skip)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing role assignments: %w", err)
	}
	defer rows.Close()

	recs := make([]*RoleAssignment, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning role assignment: %w", err)
		}
		rec, err := decodeRecord([]byte(data))
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating role assignments: %w", err)
	}
	return recs, nil
}

// Close implements Backend.
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

// insertMutations writes audit entries not yet recorded for rec.
func insertMutations(ctx context.Context, tx *sql.Tx, rec *RoleAssignment) error {
	for _, m := range rec.History {
		roles, err := json.Marshal(m.Roles)
		if err != nil {
			return fmt.Errorf("encoding mutation roles: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO role_mutations (id, user_id, action, roles, admin, at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, rec.UserID, string(m.Action), string(roles), m.Admin, m.At.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("inserting role mutation: %w", err)
		}
	}
	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// isUniqueViolation checks for a SQLite PRIMARY KEY or UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }
