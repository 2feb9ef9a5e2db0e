package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// fileBackend keeps one <kind>.json file per document under dir.
//
// The directory and the document file are created lazily on first access.
// Writes go to a temp file in the same directory which is fsynced and then
// renamed over the document, so readers never see a torn write.
type fileBackend struct {
	dir string
}

func openFile(cfg Config) (backend, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	return &fileBackend{dir: dir}, nil
}

func (b *fileBackend) path(key string) string {
	return filepath.Join(b.dir, key+".json")
}

func (b *fileBackend) read(ctx context.Context, key string) ([]byte, error) {
	_ = ctx
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create data dir")
	}
	f, err := os.OpenFile(b.path(key), os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open document")
	}
	defer f.Close()
	body, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrap(err, "read document")
	}
	return body, nil
}

func (b *fileBackend) write(ctx context.Context, key string, body []byte) error {
	_ = ctx
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return errors.Wrap(err, "create data dir")
	}

	tmp, err := os.CreateTemp(b.dir, key+"-*.json.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp document")
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(body); err != nil {
		return errors.Wrap(err, "write temp document")
	}
	if err := tmp.Sync(); err != nil {
		return errors.Wrap(err, "flush temp document")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp document")
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return errors.Wrap(err, "chmod temp document")
	}
	if err := os.Rename(tmpPath, b.path(key)); err != nil {
		return errors.Wrap(err, "replace document")
	}
	ok = true
	return nil
}

func (b *fileBackend) close() error { return nil }
