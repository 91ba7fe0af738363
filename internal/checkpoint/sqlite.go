package checkpoint

import (
	"context"
	"database/sql"
	"errors"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// SQLiteStore keeps checkpoints in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoint_status (
	stream     TEXT PRIMARY KEY,
	stage      INTEGER NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS checkpoint_artifact (
	stream     TEXT NOT NULL,
	stage      INTEGER NOT NULL,
	kind       TEXT NOT NULL,
	body       BLOB NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (stream, stage)
);
`

// NewSQLite opens (or creates) the checkpoint database at dsn.
func NewSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "checkpoint: sqlite open")
	}
	// Pragmas are per connection; one connection also serializes writers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, eris.Wrapf(err, "checkpoint: sqlite exec %s", pragma)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, eris.Wrap(err, "checkpoint: sqlite migrate")
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) status(ctx context.Context, stream Stream) (Stage, bool, error) {
	var rank int
	err := s.db.QueryRowContext(ctx,
		`SELECT stage FROM checkpoint_status WHERE stream = ?`, string(stream),
	).Scan(&rank)
	if errors.Is(err, sql.ErrNoRows) {
		return None, false, nil
	}
	if err != nil {
		return None, false, eris.Wrapf(err, "checkpoint: read status of %s", stream)
	}
	return Stage(rank), true, nil
}

// Bypass reports whether stream already completed stage or a later one.
func (s *SQLiteStore) Bypass(ctx context.Context, stream Stream, stage Stage) (bool, error) {
	last, ok, err := s.status(ctx, stream)
	if err != nil || !ok {
		return false, err
	}
	return last >= stage, nil
}

// Snapshot persists the artifact, then the status.
func (s *SQLiteStore) Snapshot(ctx context.Context, stream Stream, stage Stage, a *Artifact) error {
	if err := validate(stream, stage); err != nil {
		return err
	}
	kind, body, err := encodeArtifact(a)
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoint_artifact (stream, stage, kind, body, created_at)
		 VALUES (?, ?, ?, ?, datetime('now'))
		 ON CONFLICT (stream, stage) DO UPDATE SET kind = excluded.kind, body = excluded.body, created_at = excluded.created_at`,
		string(stream), int(stage), string(kind), body,
	); err != nil {
		return eris.Wrapf(err, "checkpoint: write artifact %s/%s", stream, stage)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoint_status (stream, stage, updated_at)
		 VALUES (?, ?, datetime('now'))
		 ON CONFLICT (stream) DO UPDATE SET stage = excluded.stage, updated_at = excluded.updated_at`,
		string(stream), int(stage),
	); err != nil {
		return eris.Wrapf(err, "checkpoint: write status %s/%s", stream, stage)
	}
	return nil
}

// Resume loads the artifact snapshotted for (stream, stage).
func (s *SQLiteStore) Resume(ctx context.Context, stream Stream, stage Stage) (*Artifact, error) {
	if err := validate(stream, stage); err != nil {
		return nil, err
	}
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM checkpoint_artifact WHERE stream = ? AND stage = ?`,
		string(stream), int(stage),
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		last, _, serr := s.status(ctx, stream)
		if serr != nil {
			return nil, serr
		}
		return nil, missing(stream, stage, last)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "checkpoint: read artifact %s/%s", stream, stage)
	}
	return decodeArtifact(stream, stage, body)
}

// Status returns the last completed stage of every stream.
func (s *SQLiteStore) Status(ctx context.Context) (map[Stream]Stage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stream, stage FROM checkpoint_status`)
	if err != nil {
		return nil, eris.Wrap(err, "checkpoint: list status")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[Stream]Stage)
	for rows.Next() {
		var stream string
		var rank int
		if err := rows.Scan(&stream, &rank); err != nil {
			return nil, eris.Wrap(err, "checkpoint: scan status")
		}
		out[Stream(stream)] = Stage(rank)
	}
	return out, rows.Err()
}

// ResetStream clears the status and artifacts of one stream.
func (s *SQLiteStore) ResetStream(ctx context.Context, stream Stream) error {
	return s.clear(ctx, ` WHERE stream = ?`, string(stream))
}

// Reset clears every stream.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	return s.clear(ctx, "")
}

// clear drops the status rows before the artifacts so an interrupted reset
// never leaves a status pointing at a deleted artifact.
func (s *SQLiteStore) clear(ctx context.Context, where string, args ...any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "checkpoint: begin reset")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "DELETE FROM checkpoint_status"+where, args...); err != nil {
		return eris.Wrap(err, "checkpoint: reset status")
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM checkpoint_artifact"+where, args...); err != nil {
		return eris.Wrap(err, "checkpoint: reset artifacts")
	}
	return eris.Wrap(tx.Commit(), "checkpoint: commit reset")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
