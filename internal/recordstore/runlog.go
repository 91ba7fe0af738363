package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/decp-sync/internal/db"
)

// Run statuses.
const (
	RunRunning  = "running"
	RunComplete = "complete"
	RunFailed   = "failed"
)

// RunEntry is one row of the run log.
type RunEntry struct {
	ID          string         `json:"id"`
	Status      string         `json:"status"`
	Options     map[string]any `json:"options,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// RunLog records pipeline runs.
type RunLog interface {
	Start(ctx context.Context, id string, options map[string]any) error
	Complete(ctx context.Context, id string, metadata map[string]any) error
	Fail(ctx context.Context, id string, errMsg string) error
	ListAll(ctx context.Context, limit int) ([]RunEntry, error)
	LastSuccess(ctx context.Context) (*time.Time, error)
}

// PostgresRunLog provides read/write access to decp.run.
type PostgresRunLog struct {
	pool db.Pool
}

// NewRunLog creates a run log backed by pool.
func NewRunLog(pool db.Pool) *PostgresRunLog {
	return &PostgresRunLog{pool: pool}
}

// Start records the beginning of a run.
func (l *PostgresRunLog) Start(ctx context.Context, id string, options map[string]any) error {
	opts, err := marshalMeta(options)
	if err != nil {
		return err
	}
	_, err = l.pool.Exec(ctx,
		`INSERT INTO decp.run (id, status, options, started_at) VALUES ($1, 'running', $2, now())`,
		id, opts,
	)
	return eris.Wrapf(err, "runlog: start %s", id)
}

// Complete marks a run as successful and stores its report.
func (l *PostgresRunLog) Complete(ctx context.Context, id string, metadata map[string]any) error {
	meta, err := marshalMeta(metadata)
	if err != nil {
		return err
	}
	_, err = l.pool.Exec(ctx,
		`UPDATE decp.run SET status = 'complete', completed_at = now(), metadata = $1 WHERE id = $2`,
		meta, id,
	)
	return eris.Wrapf(err, "runlog: complete %s", id)
}

// Fail marks a run as failed.
func (l *PostgresRunLog) Fail(ctx context.Context, id string, errMsg string) error {
	_, err := l.pool.Exec(ctx,
		`UPDATE decp.run SET status = 'failed', completed_at = now(), error = $1 WHERE id = $2`,
		errMsg, id,
	)
	return eris.Wrapf(err, "runlog: fail %s", id)
}

// ListAll returns runs, most recent first. A non-positive limit returns all.
func (l *PostgresRunLog) ListAll(ctx context.Context, limit int) ([]RunEntry, error) {
	query := `SELECT id, status, options, started_at, completed_at, error, metadata
		 FROM decp.run ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: list all")
	}
	defer rows.Close()

	var entries []RunEntry
	for rows.Next() {
		var (
			e           RunEntry
			completedAt *time.Time
			errStr      *string
			opts, meta  []byte
		)
		if err := rows.Scan(&e.ID, &e.Status, &opts, &e.StartedAt, &completedAt, &errStr, &meta); err != nil {
			return nil, eris.Wrap(err, "runlog: scan entry")
		}
		e.CompletedAt = completedAt
		if errStr != nil {
			e.Error = *errStr
		}
		unmarshalMeta(opts, &e.Options)
		unmarshalMeta(meta, &e.Metadata)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LastSuccess returns the start of the most recent complete run, or nil.
func (l *PostgresRunLog) LastSuccess(ctx context.Context) (*time.Time, error) {
	var t time.Time
	err := l.pool.QueryRow(ctx,
		`SELECT started_at FROM decp.run WHERE status = 'complete' ORDER BY started_at DESC LIMIT 1`,
	).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "runlog: last success")
	}
	return &t, nil
}

func marshalMeta(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: marshal metadata")
	}
	return b, nil
}

func unmarshalMeta(b []byte, dst *map[string]any) {
	if len(b) == 0 {
		return
	}
	_ = json.Unmarshal(b, dst)
}
