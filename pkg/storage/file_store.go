package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// FileStore saves attachments under a base directory and serves them over HTTP.
type FileStore struct {
	basePath  string
	publicURL string
}

// NewFileStore creates the base directory if missing. publicURL is the
// externally reachable prefix that Handler is mounted on.
func NewFileStore(basePath, publicURL string) (*FileStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("storage base path is required")
	}
	if strings.TrimSpace(publicURL) == "" {
		return nil, fmt.Errorf("storage public url is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStore{basePath: basePath, publicURL: publicURL}, nil
}

// Upload writes the object to disk. A partially written file is removed.
func (f *FileStore) Upload(ctx context.Context, key string, r io.Reader, size int64, _ string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	target := filepath.Join(f.basePath, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create dir: %w", err)
	}
	out, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	written, err := io.Copy(out, r)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err == nil && size >= 0 && written != size {
		err = fmt.Errorf("short write: %d of %d bytes", written, size)
	}
	if err != nil {
		_ = os.Remove(target)
		return "", fmt.Errorf("write file: %w", err)
	}
	return joinURL(f.publicURL, key)
}

// Delete removes a stored object. Missing objects are ignored.
func (f *FileStore) Delete(_ context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(f.basePath, filepath.FromSlash(key)))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// Handler serves stored files. Directory listings are not exposed.
func (f *FileStore) Handler() http.Handler {
	files := http.FileServer(http.Dir(f.basePath))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=86400, immutable")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; sandbox")
		files.ServeHTTP(w, r)
	})
}
