package export

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// DirPublisher copies exported files into a directory served to consumers.
type DirPublisher struct {
	Dir string
}

// Publish copies every path into p.Dir, keeping file names.
func (p DirPublisher) Publish(ctx context.Context, paths []string) error {
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return eris.Wrapf(err, "publish: create %s", p.Dir)
	}
	for _, src := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		dst := filepath.Join(p.Dir, filepath.Base(src))
		if err := copyFile(src, dst); err != nil {
			return err
		}
	}
	zap.L().Info("files published", zap.String("dir", p.Dir), zap.Int("files", len(paths)))
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return eris.Wrapf(err, "publish: open %s", src)
	}
	defer in.Close() //nolint:errcheck

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".publish-*")
	if err != nil {
		return eris.Wrap(err, "publish: create temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return eris.Wrapf(err, "publish: copy %s", src)
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "publish: close temp file")
	}
	return eris.Wrapf(os.Rename(tmp.Name(), dst), "publish: rename to %s", dst)
}
