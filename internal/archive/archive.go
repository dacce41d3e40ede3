// Package archive persists finished calls to a write-only log in Postgres
// or embedded SQLite. The voice path never reads it back; it exists for
// operators and offline analysis.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/ringdown/ringdown/internal/config"
	"github.com/ringdown/ringdown/internal/observability"
	"github.com/ringdown/ringdown/pkg/models"
)

const (
	connectTimeout = 10 * time.Second

	// Postgres pool sizing. SQLite runs a single writer instead: the
	// embedded engine serializes writes anyway.
	pgMaxOpenConns = 25
	pgMaxIdleConns = 5
)

// DriverPostgres and DriverSQLite are the accepted config values.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Store is the call log. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	driver string
	logger *observability.Logger

	stmtInsertCall *sql.Stmt
	stmtInsertLine *sql.Stmt
}

// Open connects, creates the schema if missing, and prepares the insert
// statements. The caller owns Close.
func Open(ctx context.Context, cfg config.ArchiveConfig, logger *observability.Logger) (*Store, error) {
	switch cfg.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("archive: unsupported driver %q", cfg.Driver)
	}
	if cfg.DSN == "" {
		return nil, errors.New("archive: dsn required")
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", cfg.Driver, err)
	}

	if cfg.Driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(pgMaxOpenConns)
		db.SetMaxIdleConns(pgMaxIdleConns)
		db.SetConnMaxLifetime(5 * time.Minute)
		db.SetConnMaxIdleTime(2 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}

	store, err := newStore(ctx, db, cfg.Driver, logger, true)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// newStore finishes construction over an open handle. Tests inject mocked
// handles here with ensureSchema disabled.
func newStore(ctx context.Context, db *sql.DB, driver string, logger *observability.Logger, createSchema bool) (*Store, error) {
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}
	s := &Store{
		db:     db,
		driver: driver,
		logger: logger.WithComponent("archive"),
	}

	if createSchema {
		if err := s.ensureSchema(ctx); err != nil {
			return nil, fmt.Errorf("archive: ensure schema: %w", err)
		}
	}
	if err := s.prepareStatements(ctx); err != nil {
		return nil, fmt.Errorf("archive: prepare statements: %w", err)
	}
	return s, nil
}

// placeholderRe rewrites $N params into SQLite's ?N form. Queries are
// authored for Postgres.
var placeholderRe = regexp.MustCompile(`\$(\d+)`)

func (s *Store) rebind(query string) string {
	if s.driver != DriverSQLite {
		return query
	}
	return placeholderRe.ReplaceAllString(query, `?$1`)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	var ddl []string
	if s.driver == DriverSQLite {
		ddl = []string{
			`CREATE TABLE IF NOT EXISTS calls (
				call_sid   TEXT PRIMARY KEY,
				caller_id  TEXT NOT NULL,
				agent_id   TEXT NOT NULL,
				started_at TIMESTAMP NOT NULL,
				ended_at   TIMESTAMP NOT NULL,
				reconnects INTEGER NOT NULL DEFAULT 0,
				end_reason TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS call_transcripts (
				call_sid  TEXT NOT NULL REFERENCES calls(call_sid) ON DELETE CASCADE,
				seq       INTEGER NOT NULL,
				speaker   TEXT NOT NULL,
				line      TEXT NOT NULL,
				spoken_at TIMESTAMP NOT NULL,
				PRIMARY KEY (call_sid, seq)
			)`,
			`CREATE INDEX IF NOT EXISTS calls_started_at_idx ON calls (started_at)`,
		}
	} else {
		ddl = []string{
			`CREATE TABLE IF NOT EXISTS calls (
				call_sid   TEXT PRIMARY KEY,
				caller_id  TEXT NOT NULL,
				agent_id   TEXT NOT NULL,
				started_at TIMESTAMPTZ NOT NULL,
				ended_at   TIMESTAMPTZ NOT NULL,
				reconnects INTEGER NOT NULL DEFAULT 0,
				end_reason TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE TABLE IF NOT EXISTS call_transcripts (
				call_sid  TEXT NOT NULL REFERENCES calls(call_sid) ON DELETE CASCADE,
				seq       INTEGER NOT NULL,
				speaker   TEXT NOT NULL,
				line      TEXT NOT NULL,
				spoken_at TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (call_sid, seq)
			)`,
			`CREATE INDEX IF NOT EXISTS calls_started_at_idx ON calls (started_at)`,
		}
	}

	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const (
	insertCallSQL = `INSERT INTO calls (call_sid, caller_id, agent_id, started_at, ended_at, reconnects, end_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	insertLineSQL = `INSERT INTO call_transcripts (call_sid, seq, speaker, line, spoken_at)
		VALUES ($1, $2, $3, $4, $5)`
)

func (s *Store) prepareStatements(ctx context.Context) error {
	var err error
	s.stmtInsertCall, err = s.db.PrepareContext(ctx, s.rebind(insertCallSQL))
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	s.stmtInsertLine, err = s.db.PrepareContext(ctx, s.rebind(insertLineSQL))
	if err != nil {
		return fmt.Errorf("insert transcript line: %w", err)
	}
	return nil
}

// SaveCall writes one finished call and its transcript atomically.
func (s *Store) SaveCall(ctx context.Context, rec *models.CallRecord) error {
	if rec == nil || rec.CallSid == "" {
		return errors.New("archive: call record missing call sid")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("archive: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.StmtContext(ctx, s.stmtInsertCall).ExecContext(ctx,
		rec.CallSid,
		rec.CallerID,
		rec.AgentID,
		rec.StartedAt.UTC(),
		rec.EndedAt.UTC(),
		rec.Reconnects,
		rec.EndReason,
	); err != nil {
		return fmt.Errorf("archive: insert call %s: %w", rec.CallSid, err)
	}

	lineStmt := tx.StmtContext(ctx, s.stmtInsertLine)
	for i, entry := range rec.Transcript {
		if _, err := lineStmt.ExecContext(ctx,
			rec.CallSid,
			i,
			entry.Speaker,
			entry.Text,
			entry.At.UTC(),
		); err != nil {
			return fmt.Errorf("archive: insert transcript line %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("archive: commit: %w", err)
	}

	s.logger.Debug(ctx, "call archived",
		"call_sid", rec.CallSid,
		"agent_id", rec.AgentID,
		"transcript_lines", len(rec.Transcript),
		"end_reason", rec.EndReason,
	)
	return nil
}

// PruneOlderThan deletes calls (and their transcripts) that started before
// cutoff, returning the number of calls removed.
func (s *Store) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("archive: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		s.rebind(`DELETE FROM call_transcripts WHERE call_sid IN (SELECT call_sid FROM calls WHERE started_at < $1)`),
		cutoff.UTC(),
	); err != nil {
		return 0, fmt.Errorf("archive: prune transcripts: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		s.rebind(`DELETE FROM calls WHERE started_at < $1`),
		cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("archive: prune calls: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("archive: commit: %w", err)
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	if removed > 0 {
		s.logger.Info(ctx, "archive pruned", "calls_removed", removed, "cutoff", cutoff)
	}
	return removed, nil
}

// Close releases the prepared statements and the pool.
func (s *Store) Close() error {
	var errs []error
	if s.stmtInsertCall != nil {
		if err := s.stmtInsertCall.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.stmtInsertLine != nil {
		if err := s.stmtInsertLine.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
