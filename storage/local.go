package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const localScheme = "local://"

// LocalStorage keeps files under a base directory on disk.
type LocalStorage struct {
	baseDir    string
	scratchDir string
}

var _ FileStorage = (*LocalStorage)(nil)

// NewLocalStorage stores files under dir, creating it when missing.
func NewLocalStorage(dir, scratchDir string) (*LocalStorage, error) {
	if strings.TrimSpace(dir) == "" {
		dir = "./data/documents"
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure storage dir: %w", err)
	}
	return &LocalStorage{baseDir: abs, scratchDir: scratchDir}, nil
}

func (s *LocalStorage) BaseDir() string {
	return s.baseDir
}

func (s *LocalStorage) Upload(ctx context.Context, r io.Reader, _ int64, ownerID, documentID, filename, _ string) (string, int64, error) {
	key, err := objectKey(ownerID, documentID, filename)
	if err != nil {
		return "", 0, err
	}
	target, err := s.resolve(key)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", 0, fmt.Errorf("storage: prepare dir: %w", err)
	}

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", 0, fmt.Errorf("storage: create file: %w", err)
	}
	written, err := copyLimited(dst, r)
	closeErr := dst.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(target)
		return "", 0, fmt.Errorf("storage: write file: %w", err)
	}
	if err := ctx.Err(); err != nil {
		_ = os.Remove(target)
		return "", 0, err
	}
	return localScheme + key, written, nil
}

func (s *LocalStorage) Download(ctx context.Context, uri string) (string, error) {
	target, err := s.resolve(strings.TrimPrefix(strings.TrimSpace(uri), localScheme))
	if err != nil {
		return "", err
	}
	src, err := os.Open(target)
	if err != nil {
		return "", fmt.Errorf("storage: open %s: %w", uri, err)
	}
	defer src.Close()

	dst, err := scratchFile(s.scratchDir, target)
	if err != nil {
		return "", err
	}
	_, err = io.Copy(dst, src)
	closeErr := dst.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = os.Remove(dst.Name())
		return "", fmt.Errorf("storage: copy %s: %w", uri, err)
	}
	return dst.Name(), nil
}

func (s *LocalStorage) Delete(_ context.Context, uri string) error {
	target, err := s.resolve(strings.TrimPrefix(strings.TrimSpace(uri), localScheme))
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("storage: delete %s: %w", uri, err)
	}
	// Drop the per-document directory when it is empty.
	_ = os.Remove(filepath.Dir(target))
	return nil
}

// resolve maps a key to a path under baseDir, rejecting traversal.
func (s *LocalStorage) resolve(key string) (string, error) {
	cleaned := strings.TrimPrefix(filepath.ToSlash(strings.TrimSpace(key)), "/")
	if cleaned == "" {
		return "", errors.New("storage: empty object key")
	}
	target := filepath.Join(s.baseDir, filepath.FromSlash(cleaned))
	if !strings.HasPrefix(target, s.baseDir+string(os.PathSeparator)) {
		return "", fmt.Errorf("storage: key escapes storage dir: %s", key)
	}
	return target, nil
}
