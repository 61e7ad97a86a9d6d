package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Local stores files below Root and serves them under BaseURL.
type Local struct {
	Root    string
	BaseURL string
	log     *zap.Logger
}

func NewLocal(root, baseURL string, log *zap.Logger) *Local {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Local{Root: root, BaseURL: baseURL, log: log}
}

func (l *Local) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return filepath.Join(l.Root, clean), nil
}

func (l *Local) Save(_ context.Context, key string, body io.Reader, size int64, _ string) error {
	dest, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("create directory for %s: %w", key, err)
	}

	file, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %w", key, err)
	}

	written, err := io.Copy(file, body)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dest)
		return fmt.Errorf("write %s: %w", key, err)
	}

	l.log.Info("File stored",
		zap.String("key", key),
		zap.Int64("size", written),
		zap.Int64("declared_size", size))
	return nil
}

// Delete removes the file for key. A file that is already gone is not an error.
func (l *Local) Delete(_ context.Context, key string) error {
	dest, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(dest); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	l.log.Info("File deleted", zap.String("key", key))
	return nil
}

func (l *Local) URL(key string) string {
	return l.BaseURL + strings.TrimPrefix(key, "/")
}
