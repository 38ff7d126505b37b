// Package postgres provides the shared credential store for multi-node
// deployments.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/relaymeter/relaymeter-gateway/internal/credential"
)

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
    id             UUID PRIMARY KEY,
    owner          TEXT NOT NULL,
    provider       TEXT NOT NULL,
    ciphertext     TEXT NOT NULL,
    fingerprint    TEXT NOT NULL,
    status         TEXT NOT NULL,
    last_tested_at TIMESTAMPTZ,
    enabled        BOOLEAN NOT NULL DEFAULT TRUE,
    created_at     TIMESTAMPTZ NOT NULL,
    UNIQUE (owner, provider)
);
CREATE TABLE IF NOT EXISTS credential_audit (
    id         BIGSERIAL PRIMARY KEY,
    owner      TEXT NOT NULL,
    provider   TEXT NOT NULL,
    action     TEXT NOT NULL,
    detail     TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credential_audit_owner ON credential_audit(owner, created_at);
`

// Store keeps credentials in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to the database named by dsn and applies the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open credential db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping credential db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply credential schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Insert(ctx context.Context, cred credential.Credential) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO credentials (id, owner, provider, ciphertext, fingerprint, status, last_tested_at, enabled, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		cred.ID, cred.Owner, cred.Provider, cred.Ciphertext, cred.Fingerprint,
		string(cred.Status), cred.LastTestedAt, cred.Enabled, cred.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (credential.Credential, bool, error) {
	row := s.db.QueryRowContext(ctx, selectCols+` WHERE id = $1`, id)
	return scanOne(row)
}

func (s *Store) Get(ctx context.Context, owner, provider string) (credential.Credential, bool, error) {
	row := s.db.QueryRowContext(ctx, selectCols+` WHERE owner = $1 AND provider = $2`, owner, provider)
	return scanOne(row)
}

func (s *Store) List(ctx context.Context, owner string) ([]credential.Credential, error) {
	rows, err := s.db.QueryContext(ctx, selectCols+` WHERE owner = $1 ORDER BY provider`, owner)
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
		`UPDATE credentials SET status = $1, last_tested_at = $2 WHERE id = $3`,
		string(status), testedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("update credential status: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, owner, provider string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE owner = $1 AND provider = $2`, owner, provider)
	if err != nil {
		return false, fmt.Errorf("delete credential: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) AppendAudit(ctx context.Context, event credential.AuditEvent) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO credential_audit (owner, provider, action, detail, created_at)
        VALUES ($1, $2, $3, $4, $5)`,
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
        FROM credential_audit WHERE owner = $1 ORDER BY id DESC LIMIT $2`, owner, limit)
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
		cred   credential.Credential
		status string
		tested sql.NullTime
	)
	err := row.Scan(&cred.ID, &cred.Owner, &cred.Provider, &cred.Ciphertext, &cred.Fingerprint,
		&status, &tested, &cred.Enabled, &cred.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return credential.Credential{}, err
		}
		return credential.Credential{}, fmt.Errorf("scan credential: %w", err)
	}
	cred.Status = credential.Status(status)
	if tested.Valid {
		t := tested.Time
		cred.LastTestedAt = &t
	}
	return cred, nil
}
