package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// DefaultChunkSize bounds the rows sent per COPY round trip.
const DefaultChunkSize = 10000

// Column describes one column of a staging table.
type Column struct {
	Name string
	Type string
}

// CopyChunks bulk-inserts rows into table with the COPY protocol, at most
// chunk rows per call.
func CopyChunks(ctx context.Context, q Querier, table string, columns []string, rows [][]any, chunk int) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}

	var total int64
	for start := 0; start < len(rows); start += chunk {
		end := min(start+chunk, len(rows))
		n, err := q.CopyFrom(ctx, identifier(table), columns, pgx.CopyFromRows(rows[start:end]))
		if err != nil {
			return total, eris.Wrapf(err, "db: COPY INTO %s (rows %d-%d)", table, start, end)
		}
		total += n
	}
	return total, nil
}

// StageRows creates a temp table dropped at commit and loads rows into it in
// chunks. It must run inside tx.
func StageRows(ctx context.Context, tx pgx.Tx, temp string, columns []Column, rows [][]any, chunk int) (int64, error) {
	if len(columns) == 0 {
		return 0, eris.New("db: stage: no columns specified")
	}

	defs := make([]string, len(columns))
	names := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = fmt.Sprintf("%s %s", pgx.Identifier{c.Name}.Sanitize(), c.Type)
		names[i] = c.Name
	}

	createSQL := fmt.Sprintf("CREATE TEMP TABLE %s (%s) ON COMMIT DROP",
		pgx.Identifier{temp}.Sanitize(), strings.Join(defs, ", "))
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: stage: create temp table %s", temp)
	}

	return CopyChunks(ctx, tx, temp, names, rows, chunk)
}

// SanitizeTable quotes a possibly schema-qualified table name.
func SanitizeTable(table string) string {
	return identifier(table).Sanitize()
}

// QuoteAndJoin quotes each column name and joins with commas.
func QuoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}

func identifier(table string) pgx.Identifier {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}
	}
	return pgx.Identifier{table}
}
