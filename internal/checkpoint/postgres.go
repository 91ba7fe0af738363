package checkpoint

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/decp-sync/internal/db"
)

// PostgresStore keeps checkpoints in the decp schema.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

const postgresSchema = `
CREATE SCHEMA IF NOT EXISTS decp;

CREATE TABLE IF NOT EXISTS decp.checkpoint_status (
	stream     TEXT PRIMARY KEY,
	stage      SMALLINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS decp.checkpoint_artifact (
	stream     TEXT NOT NULL,
	stage      SMALLINT NOT NULL,
	kind       TEXT NOT NULL,
	body       JSON NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (stream, stage)
);
`

// NewPostgres wraps pool. closeFn, when set, is called by Close.
func NewPostgres(pool db.Pool, closeFn func()) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: closeFn}
}

// Migrate creates the checkpoint tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresSchema)
	return eris.Wrap(err, "checkpoint: postgres migrate")
}

func (s *PostgresStore) status(ctx context.Context, stream Stream) (Stage, bool, error) {
	var rank int16
	err := s.pool.QueryRow(ctx,
		`SELECT stage FROM decp.checkpoint_status WHERE stream = $1`, string(stream),
	).Scan(&rank)
	if errors.Is(err, pgx.ErrNoRows) {
		return None, false, nil
	}
	if err != nil {
		return None, false, eris.Wrapf(err, "checkpoint: read status of %s", stream)
	}
	return Stage(rank), true, nil
}

// Bypass reports whether stream already completed stage or a later one.
func (s *PostgresStore) Bypass(ctx context.Context, stream Stream, stage Stage) (bool, error) {
	last, ok, err := s.status(ctx, stream)
	if err != nil || !ok {
		return false, err
	}
	return last >= stage, nil
}

// Snapshot persists the artifact, then the status, as two separate commits.
func (s *PostgresStore) Snapshot(ctx context.Context, stream Stream, stage Stage, a *Artifact) error {
	if err := validate(stream, stage); err != nil {
		return err
	}
	kind, body, err := encodeArtifact(a)
	if err != nil {
		return err
	}

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO decp.checkpoint_artifact (stream, stage, kind, body, created_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (stream, stage) DO UPDATE SET kind = EXCLUDED.kind, body = EXCLUDED.body, created_at = now()`,
		string(stream), int16(stage), string(kind), body,
	); err != nil {
		return eris.Wrapf(err, "checkpoint: write artifact %s/%s", stream, stage)
	}

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO decp.checkpoint_status (stream, stage, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (stream) DO UPDATE SET stage = EXCLUDED.stage, updated_at = now()`,
		string(stream), int16(stage),
	); err != nil {
		return eris.Wrapf(err, "checkpoint: write status %s/%s", stream, stage)
	}
	return nil
}

// Resume loads the artifact snapshotted for (stream, stage).
func (s *PostgresStore) Resume(ctx context.Context, stream Stream, stage Stage) (*Artifact, error) {
	if err := validate(stream, stage); err != nil {
		return nil, err
	}
	var body []byte
	err := s.pool.QueryRow(ctx,
		`SELECT body FROM decp.checkpoint_artifact WHERE stream = $1 AND stage = $2`,
		string(stream), int16(stage),
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
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
func (s *PostgresStore) Status(ctx context.Context) (map[Stream]Stage, error) {
	rows, err := s.pool.Query(ctx, `SELECT stream, stage FROM decp.checkpoint_status`)
	if err != nil {
		return nil, eris.Wrap(err, "checkpoint: list status")
	}
	defer rows.Close()

	out := make(map[Stream]Stage)
	for rows.Next() {
		var stream string
		var rank int16
		if err := rows.Scan(&stream, &rank); err != nil {
			return nil, eris.Wrap(err, "checkpoint: scan status")
		}
		out[Stream(stream)] = Stage(rank)
	}
	return out, rows.Err()
}

// ResetStream clears the status and artifacts of one stream.
func (s *PostgresStore) ResetStream(ctx context.Context, stream Stream) error {
	return s.clear(ctx, ` WHERE stream = $1`, string(stream))
}

// Reset clears every stream.
func (s *PostgresStore) Reset(ctx context.Context) error {
	return s.clear(ctx, "")
}

func (s *PostgresStore) clear(ctx context.Context, where string, args ...any) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "checkpoint: begin reset")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "DELETE FROM decp.checkpoint_status"+where, args...); err != nil {
		return eris.Wrap(err, "checkpoint: reset status")
	}
	if _, err := tx.Exec(ctx, "DELETE FROM decp.checkpoint_artifact"+where, args...); err != nil {
		return eris.Wrap(err, "checkpoint: reset artifacts")
	}
	return eris.Wrap(tx.Commit(ctx), "checkpoint: commit reset")
}

// Close releases the pool when the store owns it.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}
