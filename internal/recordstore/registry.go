package recordstore

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

// FindOrAddSource returns the id of the source with code, creating it.
func (s *PostgresStore) FindOrAddSource(ctx context.Context, code string) (int64, error) {
	if code == "" {
		return 0, eris.New("recordstore: empty source code")
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO decp.source (code) VALUES ($1)
		 ON CONFLICT (code) DO UPDATE SET code = EXCLUDED.code
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
func (s *PostgresStore) FindOrAddFile(ctx context.Context, f FileEntry) (int64, error) {
	if f.SourceID == 0 || f.Name == "" {
		return 0, eris.Errorf("recordstore: incomplete file entry %+v", f)
	}
	var modified *time.Time
	if !f.Modified.IsZero() {
		m := f.Modified.UTC()
		modified = &m
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO decp.file AS f (source_id, name, url, modified_at, contracts, concessions)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (source_id, name) DO UPDATE SET
		   ingested_at = CASE WHEN f.modified_at IS NOT DISTINCT FROM EXCLUDED.modified_at
		                      THEN f.ingested_at END,
		   url = EXCLUDED.url,
		   modified_at = EXCLUDED.modified_at,
		   contracts = EXCLUDED.contracts,
		   concessions = EXCLUDED.concessions,
		   last_seen = now()
		 RETURNING id`,
		f.SourceID, f.Name, f.URL, modified, f.Contracts, f.Concessions,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "recordstore: find or add file %s", f.Name)
	}
	return id, nil
}

// KnownFiles maps the ingested files of a source to their modification date.
func (s *PostgresStore) KnownFiles(ctx context.Context, sourceID int64) (map[string]time.Time, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, modified_at FROM decp.file WHERE source_id = $1 AND ingested_at IS NOT NULL`, sourceID)
	if err != nil {
		return nil, eris.Wrapf(err, "recordstore: known files of source %d", sourceID)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			name     string
			modified *time.Time
		)
		if err := rows.Scan(&name, &modified); err != nil {
			return nil, eris.Wrap(err, "recordstore: scan known file")
		}
		if modified != nil {
			out[name] = modified.UTC()
		} else {
			out[name] = time.Time{}
		}
	}
	return out, rows.Err()
}

// MarkIngested marks the pending files of sources ingested.
func (s *PostgresStore) MarkIngested(ctx context.Context, sources []string) (int64, error) {
	if len(sources) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE decp.file SET ingested_at = now()
		 WHERE ingested_at IS NULL
		   AND source_id IN (SELECT id FROM decp.source WHERE code = ANY($1))`,
		sources,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "recordstore: mark files of %v ingested", sources)
	}
	return tag.RowsAffected(), nil
}
