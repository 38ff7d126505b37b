// Package sqlite provides the embedded credential store.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/relaymeter/relaymeter-gateway/internal/credential"
)

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
    id             TEXT PRIMARY KEY,
    owner          TEXT NOT NULL,
    provider       TEXT NOT NULL,
    ciphertext     TEXT NOT NULL,
    fingerprint    TEXT NOT NULL,
    status         TEXT NOT NULL,
    last_tested_at TIMESTAMP,
    enabled        INTEGER NOT NULL DEFAULT 1,
    created_at     TIMESTAMP NOT NULL,
    UNIQUE (owner, provider)
);
CREATE TABLE IF NOT EXISTS credential_audit (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    owner      TEXT NOT NULL,
    provider   TEXT NOT NULL,
    action     TEXT NOT NULL,
    detail     TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credential_audit_owner ON credential_audit(owner, created_at);
`

// Store keeps credentials in a local sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_txlock=immediate&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open credential db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply credential schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Insert(ctx context.Context, cred credential.Credential) error {
	var tested interface{}
	if cred.LastTestedAt != nil {
		tested = cred.LastTestedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO credentials (id, owner, provider, ciphertext, fingerprint, status, last_tested_at, enabled, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cred.ID.String(), cred.Owner, cred.Provider, cred.Ciphertext, cred.Fingerprint,
		string(cred.Status), tested, boolToInt(cred.Enabled), cred.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (credential.Credential, bool, error) {
	row := s.db.QueryRowContext(ctx, selectCols+` WHERE id = ?`, id.String())
	return scanOne(row)
}

func (s *Store) Get(ctx context.Context, owner, provider string) (credential.Credential, bool, error) {
	row := s.db.QueryRowContext(ctx, selectCols+` WHERE owner = ? AND provider = ?`, owner, provider)
	return scanOne(row)
}

func (s *Store) List(ctx context.Context, owner string) ([]credential.Credential, error) {
	rows, err := s.db.QueryContext(ctx, selectCols+` WHERE owner = ? ORDER BY provider`, owner)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()
	var out []credential.Credential
	for rows.Next() {
		cred, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cred)
	}
	return out, rows.Err()
}

func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, status credential.Status, testedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET status = ?, last_tested_at = ? WHERE id = ?`,
		string(status), testedAt.UTC(), id.String())
	if err != nil {
		return fmt.Errorf("update credential status: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, owner, provider string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE owner = ? AND provider = ?`, owner, provider)
	if err != nil {
		return false, fmt.Errorf("delete credential: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) AppendAudit(ctx context.Context, event credential.AuditEvent) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO credential_audit (owner, provider, action, detail, created_at)
        VALUES (?, ?, ?, ?, ?)`,
		event.Owner, event.Provider, event.Action, event.Detail, event.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("append credential audit: %w", err)
	}
	return nil
}

func (s *Store) AuditTrail(ctx context.Context, owner string, limit int) ([]credential.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, owner, provider, action, detail, created_at
        FROM credential_audit WHERE owner = ? ORDER BY id DESC LIMIT ?`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("credential audit trail: %w", err)
	}
	defer rows.Close()
	var out []credential.AuditEvent
	for rows.Next() {
		var ev credential.AuditEvent
		if err := rows.Scan(&ev.ID, &ev.Owner, &ev.Provider, &ev.Action, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) Close() error { return s.db.Close() }

const selectCols = `SELECT id, owner, provider, ciphertext, fingerprint, status, last_tested_at, enabled, created_at FROM credentials`

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanOne(row *sql.Row) (credential.Credential, bool, error) {
	cred, err := scanRow(row)
	if err == sql.ErrNoRows {
		return credential.Credential{}, false, nil
	}
	if err != nil {
		return credential.Credential{}, false, err
	}
	return cred, true, nil
}

func scanRow(row scannable) (credential.Credential, error) {
	var (
		cred    credential.Credential
		id      string
		status  string
		tested  sql.NullTime
		enabled int
	)
	err := row.Scan(&id, &cred.Owner, &cred.Provider, &cred.Ciphertext, &cred.Fingerprint,
		&status, &tested, &enabled, &cred.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return credential.Credential{}, err
		}
		return credential.Credential{}, fmt.Errorf("scan credential: %w", err)
	}
	cred.ID, err = uuid.Parse(id)
	if err != nil {
		return credential.Credential{}, fmt.Errorf("parse credential id: %w", err)
	}
	cred.Status = credential.Status(status)
	if tested.Valid {
		t := tested.Time
		cred.LastTestedAt = &t
	}
	cred.Enabled = enabled != 0
	return cred, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
