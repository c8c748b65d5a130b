// Package storage keeps uploaded document files and hands the pipeline a
// local scratch copy to read from.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"ragdesk_back/config"
)

var ErrNotConfigured = errors.New("storage: backend not configured")

// maxUploadBytes caps a single document upload.
const maxUploadBytes int64 = 100 * 1024 * 1024

// FileStorage stores document files under an opaque URI.
type FileStorage interface {
	// Upload stores r and returns the URI and the number of bytes written.
	Upload(ctx context.Context, r io.Reader, size int64, ownerID, documentID, filename, contentType string) (string, int64, error)
	// Download copies the object to a scratch file and returns its path.
	// The file keeps the original extension. The caller removes it.
	Download(ctx context.Context, uri string) (string, error)
	Delete(ctx context.Context, uri string) error
}

// New builds the backend selected by cfg.Backend.
func New(ctx context.Context, cfg config.StorageConfig) (FileStorage, error) {
	switch cfg.Backend {
	case config.StorageBackendLocal, "":
		return NewLocalStorage(cfg.Dir, cfg.ScratchDir)
	case config.StorageBackendMinio:
		return NewMinioStorage(ctx, cfg.Minio, cfg.ScratchDir)
	default:
		return nil, fmt.Errorf("storage: unsupported backend %q", cfg.Backend)
	}
}

// objectKey builds documents/<owner>/<document>/<filename>.
func objectKey(ownerID, documentID, filename string) (string, error) {
	documentID = strings.Trim(strings.TrimSpace(documentID), "/")
	if documentID == "" {
		return "", errors.New("storage: document id is required")
	}
	owner := strings.Trim(strings.TrimSpace(ownerID), "/")
	if owner == "" {
		owner = "anonymous"
	}
	name := filepath.Base(strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "document.bin"
	}
	return path.Join("documents", owner, documentID, name), nil
}

// scratchFile creates an empty temp file that keeps the extension of key.
func scratchFile(scratchDir, key string) (*os.File, error) {
	dir := strings.TrimSpace(scratchDir)
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure scratch dir: %w", err)
	}
	f, err := os.CreateTemp(dir, "ragdesk-*"+strings.ToLower(path.Ext(key)))
	if err != nil {
		return nil, fmt.Errorf("storage: create scratch file: %w", err)
	}
	return f, nil
}

// copyLimited copies at most maxUploadBytes from r into w.
func copyLimited(w io.Writer, r io.Reader) (int64, error) {
	written, err := io.Copy(w, io.LimitReader(r, maxUploadBytes+1))
	if err != nil {
		return written, err
	}
	if written > maxUploadBytes {
		return written, fmt.Errorf("storage: file exceeds %d bytes", maxUploadBytes)
	}
	return written, nil
}
