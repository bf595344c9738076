// Package objectstore stores uploaded and generated images on the local
// filesystem or in S3.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/doodletales/pkg/pipeline"
)

// ErrObjectNotFound reports a key with no stored object.
var ErrObjectNotFound = errors.New("objectstore: object not found")

// FileStore persists objects onto the local filesystem. It serves development
// setups where no object storage service is available; the HTTP server exposes
// basePath under the URL prefix.
type FileStore struct {
	basePath string
	baseURL  string
}

// NewFileStore initializes a FileStore rooted at basePath whose objects are
// reachable under baseURL.
func NewFileStore(basePath string, baseURL string) (*FileStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("objectstore: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: ensure base path: %w", err)
	}
	return &FileStore{basePath: basePath, baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/")}, nil
}

// BasePath returns the configured root directory.
func (store *FileStore) BasePath() string {
	if store == nil {
		return ""
	}
	return store.basePath
}

// Put writes data at key and returns its URL.
func (store *FileStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cleanKey, fullPath, err := store.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("objectstore: ensure directory: %w", err)
	}
	// Readers never observe a partially written object.
	temporary, err := os.CreateTemp(filepath.Dir(fullPath), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("objectstore: create temp file: %w", err)
	}
	defer os.Remove(temporary.Name())
	if _, err := temporary.Write(data); err != nil {
		_ = temporary.Close()
		return "", fmt.Errorf("objectstore: write file: %w", err)
	}
	if err := temporary.Close(); err != nil {
		return "", fmt.Errorf("objectstore: close file: %w", err)
	}
	if err := os.Rename(temporary.Name(), fullPath); err != nil {
		return "", fmt.Errorf("objectstore: publish file: %w", err)
	}
	return store.URL(cleanKey), nil
}

// Get reads the object stored at key.
func (store *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, fullPath, err := store.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, pipeline.NonRetryable(fmt.Errorf("%w: %s", ErrObjectNotFound, key))
	}
	if err != nil {
		return nil, fmt.Errorf("objectstore: read file: %w", err)
	}
	return data, nil
}

// URL returns the public URL of key.
func (store *FileStore) URL(key string) string {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return ""
	}
	return store.baseURL + "/" + cleanKey
}

func (store *FileStore) resolve(key string) (string, string, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", "", pipeline.NonRetryable(err)
	}
	return cleanKey, filepath.Join(store.basePath, filepath.FromSlash(cleanKey)), nil
}

// sanitizeKey normalizes a key and prevents escaping the storage root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("objectstore: key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.ToSlash(filepath.Clean(key))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("objectstore: invalid key")
	}
	return cleaned, nil
}
