package recordstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/sells-group/decp-sync/internal/db"
	"github.com/sells-group/decp-sync/internal/record"
)

const (
	sqliteDate     = "2006-01-02"
	sqliteTime     = time.RFC3339Nano
	extractPageLen = 500
)

const sqliteRegistrySchema = `
CREATE TABLE IF NOT EXISTS source (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	code       TEXT NOT NULL UNIQUE,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE TABLE IF NOT EXISTS file (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	source_id   INTEGER NOT NULL REFERENCES source(id),
	name        TEXT NOT NULL,
	url         TEXT NOT NULL DEFAULT '',
	modified_at TEXT,
	contracts   INTEGER NOT NULL DEFAULT 0,
	concessions INTEGER NOT NULL DEFAULT 0,
	first_seen  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	last_seen   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	ingested_at TEXT,
	UNIQUE (source_id, name)
);

CREATE TABLE IF NOT EXISTS run (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL DEFAULT 'running',
	options      TEXT,
	started_at   TEXT NOT NULL,
	completed_at TEXT,
	error        TEXT,
	metadata     TEXT
);
`

const sqliteCategorySchema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	identity_key  TEXT NOT NULL UNIQUE,
	uid           TEXT NOT NULL DEFAULT '',
	authority     TEXT NOT NULL DEFAULT '',
	holders       TEXT NOT NULL DEFAULT '',
	primary_date  TEXT NOT NULL DEFAULT '',
	amount        TEXT NOT NULL DEFAULT '',
	object        TEXT NOT NULL DEFAULT '',
	recency       TEXT NOT NULL,
	completeness  INTEGER NOT NULL,
	bucket        TEXT NOT NULL,
	payload       TEXT NOT NULL,
	payload_hash  TEXT NOT NULL,
	lineage       TEXT,
	source_id     INTEGER,
	file_id       INTEGER,
	batch_id      TEXT NOT NULL DEFAULT '',
	ingested_at   TEXT NOT NULL,
	retained      INTEGER NOT NULL DEFAULT 0,
	enrichment    TEXT,
	retained_at   TEXT
);

CREATE INDEX IF NOT EXISTS idx_%[1]s_bucket ON %[1]s(bucket);

CREATE TABLE IF NOT EXISTS %[1]s_archive (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	identity_key  TEXT NOT NULL,
	canonical_id  INTEGER,
	reason        TEXT NOT NULL,
	uid           TEXT NOT NULL DEFAULT '',
	authority     TEXT NOT NULL DEFAULT '',
	holders       TEXT NOT NULL DEFAULT '',
	primary_date  TEXT NOT NULL DEFAULT '',
	amount        TEXT NOT NULL DEFAULT '',
	object        TEXT NOT NULL DEFAULT '',
	recency       TEXT NOT NULL,
	completeness  INTEGER NOT NULL,
	bucket        TEXT NOT NULL,
	payload       TEXT NOT NULL,
	payload_hash  TEXT NOT NULL,
	lineage       TEXT,
	source_id     INTEGER,
	file_id       INTEGER,
	batch_id      TEXT NOT NULL DEFAULT '',
	ingested_at   TEXT NOT NULL,
	retained      INTEGER NOT NULL DEFAULT 0,
	enrichment    TEXT,
	superseded_at TEXT NOT NULL,
	UNIQUE (identity_key, payload_hash)
);

CREATE INDEX IF NOT EXISTS idx_%[1]s_archive_key ON %[1]s_archive(identity_key);
`

// SQLiteStore is the local record store used by --local runs and tests.
// A single connection serializes every write.
type SQLiteStore struct {
	db        *sql.DB
	chunkSize int
}

// NewSQLite opens (or creates) the store at dsn and creates its tables.
func NewSQLite(ctx context.Context, dsn string, chunkSize int) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "recordstore: sqlite open")
	}
	conn.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			_ = conn.Close()
			return nil, eris.Wrapf(err, "recordstore: sqlite exec %s", pragma)
		}
	}
	if chunkSize <= 0 {
		chunkSize = db.DefaultChunkSize
	}
	s := &SQLiteStore{db: conn, chunkSize: chunkSize}
	if err := s.Migrate(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables if they do not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteRegistrySchema); err != nil {
		return eris.Wrap(err, "recordstore: sqlite migrate registry")
	}
	// Stores created before files had an ingestion mark.
	if err := s.addColumn(ctx, "file", "ingested_at", "TEXT"); err != nil {
		return err
	}
	for _, cat := range record.Categories {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(sqliteCategorySchema, string(cat))); err != nil {
			return eris.Wrapf(err, "recordstore: sqlite migrate %s", cat)
		}
	}
	return nil
}

// addColumn adds column to table unless it already exists.
func (s *SQLiteStore) addColumn(ctx context.Context, table, column, decl string) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return eris.Wrapf(err, "recordstore: sqlite table info %s", table)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var (
			cid       int
			name      string
			typ       string
			notNull   int
			dflt      sql.NullString
			primaryPK int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &primaryPK); err != nil {
			return eris.Wrapf(err, "recordstore: sqlite scan table info %s", table)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return eris.Wrapf(err, "recordstore: sqlite table info %s", table)
	}
	if err := rows.Close(); err != nil {
		return eris.Wrapf(err, "recordstore: sqlite table info %s", table)
	}

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)); err != nil {
		return eris.Wrapf(err, "recordstore: sqlite add column %s.%s", table, column)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Upsert applies the promotion rule for c in one write transaction.
func (s *SQLiteStore) Upsert(ctx context.Context, c Candidate) (int64, error) {
	t, err := tablesFor(c.Record.Category, "")
	if err != nil {
		return 0, err
	}
	v, err := valuesOf(c.Record)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "recordstore: upsert: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var (
		existingID    int64
		existingDate  string
		existingScore int
		existingHash  string
	)
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, recency, completeness, payload_hash FROM %s WHERE identity_key = ?`, t.canonical),
		v.key,
	).Scan(&existingID, &existingDate, &existingScore, &existingHash)

	var id int64
	switch {
	case errors.Is(err, sql.ErrNoRows):
		id, err = s.insertCanonical(ctx, tx, t, v, c)
		if err != nil {
			return 0, err
		}
	case err != nil:
		return 0, eris.Wrapf(err, "recordstore: upsert: lookup %s", v.key)
	case existingHash == v.payloadHash:
		id = existingID
	default:
		current, perr := time.Parse(sqliteDate, existingDate)
		if perr != nil {
			return 0, eris.Wrapf(perr, "recordstore: upsert: stored recency %q", existingDate)
		}
		if record.CompareMarkers(v.recency, v.completeness, current, existingScore) < 0 {
			if err := s.insertArchive(ctx, tx, t, v, c, ReasonOlder); err != nil {
				return 0, err
			}
			id = NotPromoted
			break
		}
		if err := s.displace(ctx, tx, t, existingID); err != nil {
			return 0, err
		}
		id, err = s.insertCanonical(ctx, tx, t, v, c)
		if err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "recordstore: upsert: commit")
	}
	return id, nil
}

// Archive stores c in the archive without touching the canonical table.
func (s *SQLiteStore) Archive(ctx context.Context, c Candidate, reason string) error {
	t, err := tablesFor(c.Record.Category, "")
	if err != nil {
		return err
	}
	v, err := valuesOf(c.Record)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "recordstore: archive: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck
	if err := s.insertArchive(ctx, tx, t, v, c, reason); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "recordstore: archive: commit")
}

func (s *SQLiteStore) insertCanonical(ctx context.Context, tx *sql.Tx, t tables, v rowValues, c Candidate) (int64, error) {
	res, err := tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, t.canonical, versionColumns),
		v.key, v.uid, v.authority, v.holders, v.primaryDate, v.amount, v.object,
		v.recency.Format(sqliteDate), v.completeness, v.bucket, string(v.payload), v.payloadHash, string(v.lineage),
		nullID(c.SourceID), nullID(c.FileID), c.BatchID, ingestTime(c).Format(sqliteTime),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "recordstore: insert canonical %s", v.key)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, eris.Wrap(err, "recordstore: canonical id")
	}
	return id, nil
}

func (s *SQLiteStore) insertArchive(ctx context.Context, tx *sql.Tx, t tables, v rowValues, c Candidate, reason string) error {
	_, err := tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s, reason, superseded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (identity_key, payload_hash) DO NOTHING`, t.archive, versionColumns),
		v.key, v.uid, v.authority, v.holders, v.primaryDate, v.amount, v.object,
		v.recency.Format(sqliteDate), v.completeness, v.bucket, string(v.payload), v.payloadHash, string(v.lineage),
		nullID(c.SourceID), nullID(c.FileID), c.BatchID, ingestTime(c).Format(sqliteTime),
		reason, time.Now().UTC().Format(sqliteTime),
	)
	return eris.Wrapf(err, "recordstore: archive %s", v.key)
}

func (s *SQLiteStore) displace(ctx context.Context, tx *sql.Tx, t tables, id int64) error {
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s, canonical_id, reason, retained, enrichment, superseded_at)
		 SELECT %s, id, ?, retained, enrichment, ? FROM %s WHERE id = ?
		 ON CONFLICT (identity_key, payload_hash) DO NOTHING`, t.archive, versionColumns, versionColumns, t.canonical),
		ReasonDisplaced, time.Now().UTC().Format(sqliteTime), id,
	); err != nil {
		return eris.Wrapf(err, "recordstore: archive canonical %d", id)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, t.canonical), id); err != nil {
		return eris.Wrapf(err, "recordstore: delete canonical %d", id)
	}
	return nil
}

// BulkMarkRetained stages the pairs in a temp table in chunks and applies
// one conditional UPDATE per category.
func (s *SQLiteStore) BulkMarkRetained(ctx context.Context, pairs []record.Enrichment) ([]int64, error) {
	log := zap.L().With(zap.String("component", "recordstore.retained"))
	grouped := groupByCategory(pairs)

	var updated []int64
	for _, cat := range record.Categories {
		group := grouped[cat]
		if len(group) == 0 {
			continue
		}
		t, err := tablesFor(cat, "")
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

func (s *SQLiteStore) markRetained(ctx context.Context, t tables, group []record.Enrichment) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "recordstore: retained: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `CREATE TEMP TABLE IF NOT EXISTS _tmp_retained (row_id INTEGER PRIMARY KEY, data TEXT)`); err != nil {
		return nil, eris.Wrap(err, "recordstore: retained: create temp table")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM _tmp_retained`); err != nil {
		return nil, eris.Wrap(err, "recordstore: retained: clear temp table")
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO _tmp_retained (row_id, data) VALUES (?, ?)`)
	if err != nil {
		return nil, eris.Wrap(err, "recordstore: retained: prepare")
	}
	for start := 0; start < len(group); start += s.chunkSize {
		end := min(start+s.chunkSize, len(group))
		for _, p := range group[start:end] {
			if _, err := stmt.ExecContext(ctx, p.RowID, string(p.Data)); err != nil {
				_ = stmt.Close()
				return nil, eris.Wrapf(err, "recordstore: retained: stage row %d", p.RowID)
			}
		}
	}
	_ = stmt.Close()

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(
		`UPDATE %s SET enrichment = t.data, retained = 1, retained_at = ?
		 FROM _tmp_retained t
		 WHERE id = t.row_id AND retained = 0
		 RETURNING id`, t.canonical),
		time.Now().UTC().Format(sqliteTime),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "recordstore: retained: update %s", t.canonical)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, eris.Wrap(err, "recordstore: retained: scan id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, eris.Wrap(err, "recordstore: retained: read ids")
	}
	_ = rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "recordstore: retained: commit")
	}
	return ids, nil
}

// ExtractCurrent reads canonical rows by id pages so the connection is free
// between yields.
func (s *SQLiteStore) ExtractCurrent(ctx context.Context, cat record.Category, bucket string) iter.Seq2[CanonicalRow, error] {
	return func(yield func(CanonicalRow, error) bool) {
		t, err := tablesFor(cat, "")
		if err != nil {
			yield(CanonicalRow{}, err)
			return
		}
		var after int64
		for {
			page, err := s.extractPage(ctx, cat, t, bucket, after)
			if err != nil {
				yield(CanonicalRow{}, err)
				return
			}
			for _, row := range page {
				if !yield(row, nil) {
					return
				}
				after = row.ID
			}
			if len(page) < extractPageLen {
				return
			}
		}
	}
}

func (s *SQLiteStore) extractPage(ctx context.Context, cat record.Category, t tables, bucket string, after int64) ([]CanonicalRow, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id > ? AND (? = '' OR bucket = ?) ORDER BY id LIMIT ?`, canonicalSelect, t.canonical),
		after, bucket, bucket, extractPageLen,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "recordstore: extract %s", cat)
	}
	defer rows.Close() //nolint:errcheck

	var page []CanonicalRow
	for rows.Next() {
		row, err := scanSQLiteCanonical(cat, rows)
		if err != nil {
			return nil, err
		}
		page = append(page, row)
	}
	return page, eris.Wrapf(rows.Err(), "recordstore: extract %s", cat)
}

// Buckets lists the distinct buckets of canonical rows.
func (s *SQLiteStore) Buckets(ctx context.Context, cat record.Category) ([]string, error) {
	t, err := tablesFor(cat, "")
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT DISTINCT bucket FROM %s ORDER BY bucket`, t.canonical))
	if err != nil {
		return nil, eris.Wrapf(err, "recordstore: buckets %s", cat)
	}
	defer rows.Close() //nolint:errcheck

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
func (s *SQLiteStore) Current(ctx context.Context, cat record.Category, key string) (*CanonicalRow, error) {
	t, err := tablesFor(cat, "")
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE identity_key = ?`, canonicalSelect, t.canonical), key)
	if err != nil {
		return nil, eris.Wrapf(err, "recordstore: current %s", key)
	}
	defer rows.Close() //nolint:errcheck

	if !rows.Next() {
		return nil, rows.Err()
	}
	row, err := scanSQLiteCanonical(cat, rows)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// History returns archived versions of key, oldest first.
func (s *SQLiteStore) History(ctx context.Context, cat record.Category, key string) ([]ArchivedVersion, error) {
	t, err := tablesFor(cat, "")
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE identity_key = ? ORDER BY superseded_at, id`, archiveSelect, t.archive), key)
	if err != nil {
		return nil, eris.Wrapf(err, "recordstore: history %s", key)
	}
	defer rows.Close() //nolint:errcheck

	var out []ArchivedVersion
	for rows.Next() {
		var (
			v                                                    ArchivedVersion
			uid, authority, holders, primaryDate, amount, object string
			recency, ingested, superseded                        string
			payload                                              string
			lineage                                              sql.NullString
			canonicalID, sourceID, fileID                        sql.NullInt64
		)
		if err := rows.Scan(&v.ID, &v.Key, &canonicalID, &v.Reason, &uid, &authority, &holders, &primaryDate, &amount, &object,
			&recency, &v.Completeness, &payload, &lineage,
			&sourceID, &fileID, &v.BatchID, &ingested, &superseded,
		); err != nil {
			return nil, eris.Wrap(err, "recordstore: scan archived")
		}
		if v.Recency, err = time.Parse(sqliteDate, recency); err != nil {
			return nil, eris.Wrap(err, "recordstore: archived recency")
		}
		v.IngestedAt, _ = time.Parse(sqliteTime, ingested)
		v.SupersededAt, _ = time.Parse(sqliteTime, superseded)
		if canonicalID.Valid {
			id := canonicalID.Int64
			v.CanonicalID = &id
		}
		v.SourceID = sourceID.Int64
		v.FileID = fileID.Int64
		v.Category = cat
		if v.Record, err = rebuild(cat, uid, authority, holders, primaryDate, amount, object, v.Recency, []byte(payload), []byte(lineage.String)); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Counts reports canonical, retained and archived rows per category.
func (s *SQLiteStore) Counts(ctx context.Context) (map[record.Category]Counts, error) {
	out := make(map[record.Category]Counts)
	for _, cat := range record.Categories {
		t, err := tablesFor(cat, "")
		if err != nil {
			return nil, err
		}
		var c Counts
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT count(*), coalesce(sum(retained), 0), (SELECT count(*) FROM %s) FROM %s`,
			t.archive, t.canonical),
		).Scan(&c.Canonical, &c.Retained, &c.Archived); err != nil {
			return nil, eris.Wrapf(err, "recordstore: counts %s", cat)
		}
		out[cat] = c
	}
	return out, nil
}

func scanSQLiteCanonical(cat record.Category, rows *sql.Rows) (CanonicalRow, error) {
	var (
		row                                                  CanonicalRow
		uid, authority, holders, primaryDate, amount, object string
		recency, ingested, payload                           string
		lineage, enrichment                                  sql.NullString
		sourceID, fileID                                     sql.NullInt64
	)
	if err := rows.Scan(&row.ID, &row.Key, &uid, &authority, &holders, &primaryDate, &amount, &object,
		&recency, &row.Completeness, &row.Bucket, &payload, &lineage,
		&sourceID, &fileID, &row.BatchID, &ingested, &row.Retained, &enrichment,
	); err != nil {
		return CanonicalRow{}, eris.Wrap(err, "recordstore: scan canonical")
	}
	var err error
	if row.Recency, err = time.Parse(sqliteDate, recency); err != nil {
		return CanonicalRow{}, eris.Wrap(err, "recordstore: canonical recency")
	}
	row.IngestedAt, _ = time.Parse(sqliteTime, ingested)
	if row.Record, err = rebuild(cat, uid, authority, holders, primaryDate, amount, object, row.Recency, []byte(payload), []byte(lineage.String)); err != nil {
		return CanonicalRow{}, err
	}
	row.Category = cat
	row.SourceID = sourceID.Int64
	row.FileID = fileID.Int64
	if enrichment.Valid && enrichment.String != "" {
		row.Enrichment = []byte(enrichment.String)
	}
	return row, nil
}
