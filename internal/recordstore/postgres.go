package recordstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/decp-sync/internal/db"
	"github.com/sells-group/decp-sync/internal/record"
)

const pgSchema = "decp"

// versionColumns are written identically to canonical and archive tables.
const versionColumns = `identity_key, uid, authority, holders, primary_date, amount, object,
	recency, completeness, bucket, payload, payload_hash, lineage,
	source_id, file_id, batch_id, ingested_at`

const canonicalSelect = `id, identity_key, uid, authority, holders, primary_date, amount, object,
	recency, completeness, bucket, payload, lineage,
	source_id, file_id, batch_id, ingested_at, retained, enrichment`

const archiveSelect = `id, identity_key, canonical_id, reason, uid, authority, holders, primary_date, amount, object,
	recency, completeness, payload, lineage,
	source_id, file_id, batch_id, ingested_at, superseded_at`

// PostgresStore is the production record store.
type PostgresStore struct {
	pool      db.Pool
	closeFn   func()
	chunkSize int
}

// NewPostgres wraps pool. chunkSize bounds each COPY of BulkMarkRetained.
func NewPostgres(pool db.Pool, closeFn func(), chunkSize int) *PostgresStore {
	if chunkSize <= 0 {
		chunkSize = db.DefaultChunkSize
	}
	return &PostgresStore{pool: pool, closeFn: closeFn, chunkSize: chunkSize}
}

// Pool exposes the underlying pool for the run log.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

// Migrate applies the embedded migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return Migrate(ctx, s.pool)
}

// Close releases the pool when the store owns it.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Upsert takes a transaction-scoped advisory lock on the identity key, so two
// candidates for the same identity are evaluated one after the other even
// when no canonical row exists yet to lock.
func (s *PostgresStore) Upsert(ctx context.Context, c Candidate) (int64, error) {
	t, err := tablesFor(c.Record.Category, pgSchema)
	if err != nil {
		return 0, err
	}
	v, err := valuesOf(c.Record)
	if err != nil {
		return 0, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "recordstore: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, v.key); err != nil {
		return 0, eris.Wrapf(err, "recordstore: upsert: lock %s", v.key)
	}

	var (
		existingID    int64
		existingDate  time.Time
		existingScore int
		existingHash  string
	)
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT id, recency, completeness, payload_hash FROM %s WHERE identity_key = $1 FOR UPDATE`, t.canonical),
		v.key,
	).Scan(&existingID, &existingDate, &existingScore, &existingHash)

	var id int64
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		id, err = insertCanonical(ctx, tx, t, v, c)
		if err != nil {
			return 0, err
		}
	case err != nil:
		return 0, eris.Wrapf(err, "recordstore: upsert: lookup %s", v.key)
	case existingHash == v.payloadHash:
		// Re-delivery of the canonical version.
		id = existingID
	case record.CompareMarkers(v.recency, v.completeness, existingDate.UTC(), existingScore) < 0:
		if err := insertArchive(ctx, tx, t, v, c, ReasonOlder); err != nil {
			return 0, err
		}
		id = NotPromoted
	default:
		if err := displace(ctx, tx, t, existingID); err != nil {
			return 0, err
		}
		id, err = insertCanonical(ctx, tx, t, v, c)
		if err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "recordstore: upsert: commit")
	}
	return id, nil
}

// Archive stores c in the archive without touching the canonical table.
func (s *PostgresStore) Archive(ctx context.Context, c Candidate, reason string) error {
	t, err := tablesFor(c.Record.Category, pgSchema)
	if err != nil {
		return err
	}
	v, err := valuesOf(c.Record)
	if err != nil {
		return err
	}
	return insertArchive(ctx, s.pool, t, v, c, reason)
}

func insertCanonical(ctx context.Context, q db.Querier, t tables, v rowValues, c Candidate) (int64, error) {
	var id int64
	err := q.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 RETURNING id`, t.canonical, versionColumns),
		v.key, v.uid, v.authority, v.holders, v.primaryDate, v.amount, v.object,
		v.recency, v.completeness, v.bucket, v.payload, v.payloadHash, v.lineage,
		nullID(c.SourceID), nullID(c.FileID), c.BatchID, ingestTime(c),
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "recordstore: insert canonical %s", v.key)
	}
	return id, nil
}

// insertArchive keeps one archive row per (identity, content).
func insertArchive(ctx context.Context, q db.Querier, t tables, v rowValues, c Candidate, reason string) error {
	_, err := q.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s, reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 ON CONFLICT (identity_key, payload_hash) DO NOTHING`, t.archive, versionColumns),
		v.key, v.uid, v.authority, v.holders, v.primaryDate, v.amount, v.object,
		v.recency, v.completeness, v.bucket, v.payload, v.payloadHash, v.lineage,
		nullID(c.SourceID), nullID(c.FileID), c.BatchID, ingestTime(c), reason,
	)
	return eris.Wrapf(err, "recordstore: archive %s", v.key)
}

// displace copies the canonical row into the archive unchanged, then deletes it.
func displace(ctx context.Context, tx pgx.Tx, t tables, id int64) error {
	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s, canonical_id, reason, retained, enrichment)
		 SELECT %s, id, $2, retained, enrichment FROM %s WHERE id = $1
		 ON CONFLICT (identity_key, payload_hash) DO NOTHING`, t.archive, versionColumns, versionColumns, t.canonical),
		id, ReasonDisplaced,
	); err != nil {
		return eris.Wrapf(err, "recordstore: archive canonical %d", id)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, t.canonical), id); err != nil {
		return eris.Wrapf(err, "recordstore: delete canonical %d", id)
	}
	return nil
}

// BulkMarkRetained stages the pairs in a temp table and applies one
// conditional UPDATE per category.
func (s *PostgresStore) BulkMarkRetained(ctx context.Context, pairs []record.Enrichment) ([]int64, error) {
	log := zap.L().With(zap.String("component", "recordstore.retained"))
	grouped := groupByCategory(pairs)

	var updated []int64
	for _, cat := range record.Categories {
		group := grouped[cat]
		if len(group) == 0 {
			continue
		}
		t, err := tablesFor(cat, pgSchema)
		if err != nil {
			return updated, err
		}

		ids, err := s.markRetained(ctx, t, group)
		if err != nil {
			return updated, err
		}
		log.Info("enrichment attached",
			zap.String("category", string(cat)),
			zap.Int("offered", len(group)),
			zap.Int("updated", len(ids)),
		)
		updated = append(updated, ids...)
	}
	return updated, nil
}

func (s *PostgresStore) markRetained(ctx context.Context, t tables, group []record.Enrichment) ([]int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "recordstore: retained: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows := make([][]any, len(group))
	for i, p := range group {
		rows[i] = []any{p.RowID, []byte(p.Data)}
	}
	cols := []db.Column{{Name: "id", Type: "BIGINT"}, {Name: "enrichment", Type: "JSON"}}
	if _, err := db.StageRows(ctx, tx, "_tmp_retained", cols, rows, s.chunkSize); err != nil {
		return nil, err
	}

	res, err := tx.Query(ctx, fmt.Sprintf(
		`UPDATE %s c SET enrichment = t.enrichment, retained = TRUE, retained_at = now()
		 FROM "_tmp_retained" t
		 WHERE c.id = t.id AND NOT c.retained
		 RETURNING c.id`, t.canonical))
	if err != nil {
		return nil, eris.Wrapf(err, "recordstore: retained: update %s", t.canonical)
	}
	var ids []int64
	for res.Next() {
		var id int64
		if err := res.Scan(&id); err != nil {
			res.Close()
			return nil, eris.Wrap(err, "recordstore: retained: scan id")
		}
		ids = append(ids, id)
	}
	res.Close()
	if err := res.Err(); err != nil {
		return nil, eris.Wrap(err, "recordstore: retained: read ids")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "recordstore: retained: commit")
	}
	return ids, nil
}

// ExtractCurrent streams canonical rows in id order.
func (s *PostgresStore) ExtractCurrent(ctx context.Context, cat record.Category, bucket string) iter.Seq2[CanonicalRow, error] {
	return func(yield func(CanonicalRow, error) bool) {
		t, err := tablesFor(cat, pgSchema)
		if err != nil {
			yield(CanonicalRow{}, err)
			return
		}
		rows, err := s.pool.Query(ctx,
			fmt.Sprintf(`SELECT %s FROM %s WHERE ($1 = '' OR bucket = $1) ORDER BY id`, canonicalSelect, t.canonical),
			bucket,
		)
		if err != nil {
			yield(CanonicalRow{}, eris.Wrapf(err, "recordstore: extract %s", cat))
			return
		}
		defer rows.Close()

		for rows.Next() {
			row, err := scanCanonical(cat, rows)
			if !yield(row, err) || err != nil {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(CanonicalRow{}, eris.Wrapf(err, "recordstore: extract %s", cat))
		}
	}
}

// Buckets lists the distinct buckets of canonical rows.
func (s *PostgresStore) Buckets(ctx context.Context, cat record.Category) ([]string, error) {
	t, err := tablesFor(cat, pgSchema)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT DISTINCT bucket FROM %s ORDER BY bucket`, t.canonical))
	if err != nil {
		return nil, eris.Wrapf(err, "recordstore: buckets %s", cat)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, eris.Wrap(err, "recordstore: scan bucket")
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Current returns the canonical row for key, or nil.
func (s *PostgresStore) Current(ctx context.Context, cat record.Category, key string) (*CanonicalRow, error) {
	t, err := tablesFor(cat, pgSchema)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE identity_key = $1`, canonicalSelect, t.canonical), key)
	if err != nil {
		return nil, eris.Wrapf(err, "recordstore: current %s", key)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	row, err := scanCanonical(cat, rows)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// History returns archived versions of key, oldest first.
func (s *PostgresStore) History(ctx context.Context, cat record.Category, key string) ([]ArchivedVersion, error) {
	t, err := tablesFor(cat, pgSchema)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE identity_key = $1 ORDER BY superseded_at, id`, archiveSelect, t.archive), key)
	if err != nil {
		return nil, eris.Wrapf(err, "recordstore: history %s", key)
	}
	defer rows.Close()

	var out []ArchivedVersion
	for rows.Next() {
		v, err := scanArchived(cat, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Counts reports canonical, retained and archived rows per category.
func (s *PostgresStore) Counts(ctx context.Context) (map[record.Category]Counts, error) {
	out := make(map[record.Category]Counts)
	for _, cat := range record.Categories {
		t, err := tablesFor(cat, pgSchema)
		if err != nil {
			return nil, err
		}
		var c Counts
		if err := s.pool.QueryRow(ctx, fmt.Sprintf(
			`SELECT count(*), count(*) FILTER (WHERE retained), (SELECT count(*) FROM %s) FROM %s`,
			t.archive, t.canonical),
		).Scan(&c.Canonical, &c.Retained, &c.Archived); err != nil {
			return nil, eris.Wrapf(err, "recordstore: counts %s", cat)
		}
		out[cat] = c
	}
	return out, nil
}

func scanCanonical(cat record.Category, rows pgx.Rows) (CanonicalRow, error) {
	var (
		row                                                  CanonicalRow
		uid, authority, holders, primaryDate, amount, object string
		payload, lineage, enrichment                         []byte
		sourceID, fileID                                     *int64
	)
	if err := rows.Scan(&row.ID, &row.Key, &uid, &authority, &holders, &primaryDate, &amount, &object,
		&row.Recency, &row.Completeness, &row.Bucket, &payload, &lineage,
		&sourceID, &fileID, &row.BatchID, &row.IngestedAt, &row.Retained, &enrichment,
	); err != nil {
		return CanonicalRow{}, eris.Wrap(err, "recordstore: scan canonical")
	}
	r, err := rebuild(cat, uid, authority, holders, primaryDate, amount, object, row.Recency, payload, lineage)
	if err != nil {
		return CanonicalRow{}, err
	}
	row.Category = cat
	row.Record = r
	row.SourceID = deref(sourceID)
	row.FileID = deref(fileID)
	if len(enrichment) > 0 {
		row.Enrichment = enrichment
	}
	return row, nil
}

func scanArchived(cat record.Category, rows pgx.Rows) (ArchivedVersion, error) {
	var (
		v                                                    ArchivedVersion
		uid, authority, holders, primaryDate, amount, object string
		payload, lineage                                     []byte
		sourceID, fileID                                     *int64
	)
	if err := rows.Scan(&v.ID, &v.Key, &v.CanonicalID, &v.Reason, &uid, &authority, &holders, &primaryDate, &amount, &object,
		&v.Recency, &v.Completeness, &payload, &lineage,
		&sourceID, &fileID, &v.BatchID, &v.IngestedAt, &v.SupersededAt,
	); err != nil {
		return ArchivedVersion{}, eris.Wrap(err, "recordstore: scan archived")
	}
	r, err := rebuild(cat, uid, authority, holders, primaryDate, amount, object, v.Recency, payload, lineage)
	if err != nil {
		return ArchivedVersion{}, err
	}
	v.Category = cat
	v.Record = r
	v.SourceID = deref(sourceID)
	v.FileID = deref(fileID)
	return v, nil
}

func nullID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

func deref(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}
