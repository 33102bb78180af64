package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/syncguard/internal/history"
)

// Sink writes run history to a SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}

	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// an in-memory database exists per connection
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + history.DefaultTable + `(
		timestamp TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
		run_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		pid INTEGER NOT NULL,
		started_at TIMESTAMP NOT NULL,
		stopped_at TIMESTAMP NOT NULL,
		status TEXT NOT NULL,
		best INTEGER NOT NULL,
		idle INTEGER NOT NULL,
		lines INTEGER NOT NULL,
		error TEXT
	);`,
		`CREATE INDEX IF NOT EXISTS idx_run_history_status ON ` + history.DefaultTable + `(status);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rec := e.Record
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+history.DefaultTable+`(timestamp, run_id, name, pid, started_at, stopped_at, status, best, idle, lines, error)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), int64(rec.RunID), rec.Name, rec.PID, rec.StartedAt.UTC(), rec.StoppedAt.UTC(),
		rec.Status, int64(rec.Best), int64(rec.Idle), int64(rec.Lines), rec.NullableError())
	return err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
