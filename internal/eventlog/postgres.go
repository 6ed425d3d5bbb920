package eventlog

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresMirror durably persists appended events to a Postgres table,
// best-effort, write-behind (SPEC_FULL.md §4.1 expansion). It is never
// consulted for reads during normal operation — the in-memory EventLog
// is always authoritative; the mirror exists for crash recovery and
// offline analysis.
type PostgresMirror struct {
	db *sqlx.DB
}

// OpenPostgresMirror connects to dsn, runs embedded migrations, and
// returns a ready mirror. Grounded on the teacher's
// internal/platform/database.Open (dial+ping) combined with its
// internal/app/jam.PGStore sqlx usage.
func OpenPostgresMirror(ctx context.Context, dsn string) (*PostgresMirror, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := runMigrations(db.DB, dsn); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate eventlog schema: %w", err)
	}

	return &PostgresMirror{db: db}, nil
}

func runMigrations(db *sql.DB, dsn string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}
	target, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", target)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// WriteEvent inserts one event row. Implements Mirror.
func (p *PostgresMirror) WriteEvent(ctx context.Context, e Event) error {
	var extra []byte
	if e.Extra != nil {
		b, err := json.Marshal(e.Extra)
		if err != nil {
			return err
		}
		extra = b
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO kernel_events
			(event_number, ts, event_type, principal_id, artifact_id, action_type, reasoning, reward, error, extra)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (event_number) DO NOTHING
	`, e.EventNumber, e.Timestamp, string(e.EventType), e.PrincipalID, e.ArtifactID,
		e.ActionType, e.Reasoning, e.Reward, e.Error, extra)
	return err
}

// Close closes the underlying connection pool.
func (p *PostgresMirror) Close() error { return p.db.Close() }
