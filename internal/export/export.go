// Package export writes the current dataset as DECP JSON documents, one per
// year-month bucket plus one holding everything.
package export

import (
	"bufio"
	"context"
	"encoding/json"
	"iter"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/decp-sync/internal/record"
	"github.com/sells-group/decp-sync/internal/recordstore"
)

// GlobalName is the file holding every canonical row.
const GlobalName = "decp.json"

// Extractor yields canonical rows.
type Extractor interface {
	ExtractCurrent(ctx context.Context, cat record.Category, bucket string) iter.Seq2[recordstore.CanonicalRow, error]
}

// JSONExporter writes {"marches": {"marche": [...], "contrat-concession": [...]}}
// documents into Dir.
type JSONExporter struct {
	src Extractor
	dir string
}

// NewJSONExporter creates an exporter writing into dir.
func NewJSONExporter(src Extractor, dir string) *JSONExporter {
	return &JSONExporter{src: src, dir: dir}
}

// Export writes decp-<bucket>.json for every bucket, then the global file,
// and returns the written paths in that order.
func (e *JSONExporter) Export(ctx context.Context, buckets []string) ([]string, error) {
	log := zap.L().With(zap.String("component", "export"))
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "export: create %s", e.dir)
	}

	var paths []string
	for _, b := range buckets {
		path := filepath.Join(e.dir, "decp-"+b+".json")
		n, err := e.WriteBucket(ctx, path, b)
		if err != nil {
			return nil, err
		}
		log.Debug("bucket exported", zap.String("bucket", b), zap.Int("rows", n))
		paths = append(paths, path)
	}

	path := filepath.Join(e.dir, GlobalName)
	n, err := e.WriteBucket(ctx, path, "")
	if err != nil {
		return nil, err
	}
	paths = append(paths, path)
	log.Info("export complete", zap.Int("buckets", len(buckets)), zap.Int("rows", n))
	return paths, nil
}

// WriteBucket writes one document holding the rows of bucket, or every row
// when bucket is empty. The file is replaced atomically.
func (e *JSONExporter) WriteBucket(ctx context.Context, path, bucket string) (int, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".export-*")
	if err != nil {
		return 0, eris.Wrap(err, "export: create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	w := bufio.NewWriter(tmp)
	n, werr := e.write(ctx, w, bucket)
	if werr == nil {
		werr = w.Flush()
	}
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return 0, eris.Wrapf(werr, "export: write %s", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return 0, eris.Wrapf(err, "export: rename to %s", path)
	}
	return n, nil
}

func (e *JSONExporter) write(ctx context.Context, w *bufio.Writer, bucket string) (int, error) {
	total := 0
	if _, err := w.WriteString(`{"marches":{`); err != nil {
		return 0, err
	}
	for i, cat := range record.Categories {
		if i > 0 {
			if err := w.WriteByte(','); err != nil {
				return 0, err
			}
		}
		name, _ := json.Marshal(cat.Element())
		if _, err := w.Write(name); err != nil {
			return 0, err
		}
		if _, err := w.WriteString(":["); err != nil {
			return 0, err
		}

		n := 0
		for row, err := range e.src.ExtractCurrent(ctx, cat, bucket) {
			if err != nil {
				return 0, err
			}
			raw, err := row.Record.Payload.MarshalJSON()
			if err != nil {
				return 0, eris.Wrapf(err, "export: encode row %d", row.ID)
			}
			if n > 0 {
				if err := w.WriteByte(','); err != nil {
					return 0, err
				}
			}
			if _, err := w.Write(raw); err != nil {
				return 0, err
			}
			n++
		}
		total += n
		if err := w.WriteByte(']'); err != nil {
			return 0, err
		}
	}
	_, err := w.WriteString("}}\n")
	return total, err
}
