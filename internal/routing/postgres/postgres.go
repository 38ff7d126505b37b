// Package postgres stores routing rules in a shared database so multi-node
// deployments can manage the routing table centrally instead of shipping a
// YAML file to every node.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/relaymeter/relaymeter-gateway/internal/routing"
)

const schema = `
CREATE TABLE IF NOT EXISTS routing_tiers (
    rank INT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS routing_rules (
    purpose     TEXT NOT NULL,
    power_level TEXT NOT NULL,
    tier        TEXT NOT NULL,
    preferences TEXT[] NOT NULL,
    fallbacks   TEXT[] NOT NULL DEFAULT '{}',
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (purpose, power_level, tier)
);
`

// Store reads and writes the shared routing table. Model refs are stored in
// their "provider:model" wire form.
type Store struct {
	db *sql.DB
}

// Open connects to dsn and applies the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open routing db: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping routing db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply routing schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Load reads the full routing table and validates it against providers,
// returning a ready RuleSet.
func (s *Store) Load(ctx context.Context, providers []string) (*routing.RuleSet, error) {
	tiers, err := s.loadTiers(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT purpose, power_level, tier, preferences, fallbacks
        FROM routing_rules ORDER BY purpose, power_level, tier`)
	if err != nil {
		return nil, fmt.Errorf("load routing rules: %w", err)
	}
	defer rows.Close()

	var rules []routing.Rule
	for rows.Next() {
		var (
			rule  routing.Rule
			prefs pq.StringArray
			falls pq.StringArray
		)
		if err := rows.Scan(&rule.Purpose, &rule.PowerLevel, &rule.Tier, &prefs, &falls); err != nil {
			return nil, fmt.Errorf("scan routing rule: %w", err)
		}
		if rule.Preferences, err = parseRefs(prefs); err != nil {
			return nil, err
		}
		if rule.Fallbacks, err = parseRefs(falls); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return routing.Build(tiers, rules, providers)
}

// Put upserts one rule.
func (s *Store) Put(ctx context.Context, rule routing.Rule) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO routing_rules (purpose, power_level, tier, preferences, fallbacks, updated_at)
        VALUES ($1, $2, $3, $4, $5, now())
        ON CONFLICT (purpose, power_level, tier)
        DO UPDATE SET preferences = EXCLUDED.preferences,
                      fallbacks   = EXCLUDED.fallbacks,
                      updated_at  = now()`,
		rule.Purpose, rule.PowerLevel, rule.Tier,
		pq.Array(formatRefs(rule.Preferences)), pq.Array(formatRefs(rule.Fallbacks)))
	if err != nil {
		return fmt.Errorf("put routing rule: %w", err)
	}
	return nil
}

// SetTiers replaces the tier ordering.
func (s *Store) SetTiers(ctx context.Context, tiers []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set tiers: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM routing_tiers`); err != nil {
		return fmt.Errorf("clear tiers: %w", err)
	}
	for i, name := range tiers {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO routing_tiers (rank, name) VALUES ($1, $2)`, i, name); err != nil {
			return fmt.Errorf("insert tier %q: %w", name, err)
		}
	}
	return tx.Commit()
}

func (s *Store) loadTiers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM routing_tiers ORDER BY rank`)
	if err != nil {
		return nil, fmt.Errorf("load tiers: %w", err)
	}
	defer rows.Close()
	var tiers []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan tier: %w", err)
		}
		tiers = append(tiers, name)
	}
	return tiers, rows.Err()
}

func (s *Store) Close() error { return s.db.Close() }

func parseRefs(raw []string) ([]routing.ModelRef, error) {
	out := make([]routing.ModelRef, 0, len(raw))
	for _, s := range raw {
		ref, err := routing.ParseModelRef(s)
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, nil
}

func formatRefs(refs []routing.ModelRef) []string {
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		out = append(out, ref.String())
	}
	return out
}
