package recordstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// FindOrAddSource returns the id of the source with code, creating it.
func (s *SQLiteStore) FindOrAddSource(ctx context.Context, code string) (int64, error) {
	if code == "" {
		return 0, eris.New("recordstore: empty source code")
	}
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO source (code) VALUES (?)
		 ON CONFLICT (code) DO UPDATE SET code = excluded.code
		 RETURNING id`,
		code,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "recordstore: find or add source %s", code)
	}
	return id, nil
}

// FindOrAddFile returns the id of the file, creating it or refreshing its
// modification date and counts. A changed modification date clears
// ingested_at.
func (s *SQLiteStore) FindOrAddFile(ctx context.Context, f FileEntry) (int64, error) {
	if f.SourceID == 0 || f.Name == "" {
		return 0, eris.Errorf("recordstore: incomplete file entry %+v", f)
	}
	var modified any
	if !f.Modified.IsZero() {
		modified = f.Modified.UTC().Format(sqliteTime)
	}
	now := time.Now().UTC().Format(sqliteTime)
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO file (source_id, name, url, modified_at, contracts, concessions, first_seen, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source_id, name) DO UPDATE SET
		   ingested_at = CASE WHEN file.modified_at IS excluded.modified_at
		                      THEN file.ingested_at END,
		   url = excluded.url,
		   modified_at = excluded.modified_at,
		   contracts = excluded.contracts,
		   concessions = excluded.concessions,
		   last_seen = excluded.last_seen
		 RETURNING id`,
		f.SourceID, f.Name, f.URL, modified, f.Contracts, f.Concessions, now, now,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "recordstore: find or add file %s", f.Name)
	}
	return id, nil
}

// KnownFiles maps the ingested files of a source to their modification date.
func (s *SQLiteStore) KnownFiles(ctx context.Context, sourceID int64) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, modified_at FROM file WHERE source_id = ? AND ingested_at IS NOT NULL`, sourceID)
	if err != nil {
		return nil, eris.Wrapf(err, "recordstore: known files of source %d", sourceID)
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			name     string
			modified sql.NullString
		)
		if err := rows.Scan(&name, &modified); err != nil {
			return nil, eris.Wrap(err, "recordstore: scan known file")
		}
		var ts time.Time
		if modified.Valid {
			ts, _ = time.Parse(sqliteTime, modified.String)
		}
		out[name] = ts
	}
	return out, rows.Err()
}

// MarkIngested marks the pending files of sources ingested.
func (s *SQLiteStore) MarkIngested(ctx context.Context, sources []string) (int64, error) {
	if len(sources) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(sources)+1)
	args = append(args, time.Now().UTC().Format(sqliteTime))
	for _, code := range sources {
		args = append(args, code)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(sources)), ",")
	res, err := s.db.ExecContext(ctx,
		`UPDATE file SET ingested_at = ?
		 WHERE ingested_at IS NULL
		   AND source_id IN (SELECT id FROM source WHERE code IN (`+placeholders+`))`,
		args...,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "recordstore: mark files of %v ingested", sources)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "recordstore: mark files ingested")
	}
	return n, nil
}

// SQLiteRunLog keeps the run log next to a local store.
type SQLiteRunLog struct {
	db *sql.DB
}

// RunLog returns the run log sharing the store's database.
func (s *SQLiteStore) RunLog() *SQLiteRunLog {
	return &SQLiteRunLog{db: s.db}
}

// Start records the beginning of a run.
func (l *SQLiteRunLog) Start(ctx context.Context, id string, options map[string]any) error {
	opts, err := marshalMeta(options)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO run (id, status, options, started_at) VALUES (?, 'running', ?, ?)`,
		id, nullText(opts), time.Now().UTC().Format(sqliteTime),
	)
	return eris.Wrapf(err, "runlog: start %s", id)
}

// Complete marks a run as successful and stores its report.
func (l *SQLiteRunLog) Complete(ctx context.Context, id string, metadata map[string]any) error {
	meta, err := marshalMeta(metadata)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx,
		`UPDATE run SET status = 'complete', completed_at = ?, metadata = ? WHERE id = ?`,
		time.Now().UTC().Format(sqliteTime), nullText(meta), id,
	)
	return eris.Wrapf(err, "runlog: complete %s", id)
}

// Fail marks a run as failed.
func (l *SQLiteRunLog) Fail(ctx context.Context, id string, errMsg string) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE run SET status = 'failed', completed_at = ?, error = ? WHERE id = ?`,
		time.Now().UTC().Format(sqliteTime), errMsg, id,
	)
	return eris.Wrapf(err, "runlog: fail %s", id)
}

// ListAll returns runs, most recent first. A non-positive limit returns all.
func (l *SQLiteRunLog) ListAll(ctx context.Context, limit int) ([]RunEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, status, options, started_at, completed_at, error, metadata
		 FROM run ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: list all")
	}
	defer rows.Close() //nolint:errcheck

	var entries []RunEntry
	for rows.Next() {
		var (
			e                             RunEntry
			started                       string
			opts, completed, errStr, meta sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Status, &opts, &started, &completed, &errStr, &meta); err != nil {
			return nil, eris.Wrap(err, "runlog: scan entry")
		}
		e.StartedAt, _ = time.Parse(sqliteTime, started)
		if completed.Valid {
			if ts, err := time.Parse(sqliteTime, completed.String); err == nil {
				e.CompletedAt = &ts
			}
		}
		e.Error = errStr.String
		unmarshalMeta([]byte(opts.String), &e.Options)
		unmarshalMeta([]byte(meta.String), &e.Metadata)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LastSuccess returns the start of the most recent complete run, or nil.
func (l *SQLiteRunLog) LastSuccess(ctx context.Context) (*time.Time, error) {
	var started string
	err := l.db.QueryRowContext(ctx,
		`SELECT started_at FROM run WHERE status = 'complete' ORDER BY started_at DESC LIMIT 1`,
	).Scan(&started)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "runlog: last success")
	}
	ts, err := time.Parse(sqliteTime, started)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: parse started_at")
	}
	return &ts, nil
}

func nullText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
