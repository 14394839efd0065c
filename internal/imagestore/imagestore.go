// Package imagestore keeps the JPEG of each accepted enrollment pose.
package imagestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrInvalidKey is returned for keys that are empty or escape the store root.
var ErrInvalidKey = errors.New("invalid image key")

// Store persists image bytes under a key and returns a reference that is
// stored on the enrollment record.
type Store interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// Key builds the object key of a pose image for an enrollment session.
func Key(sessionID, pose string) string {
	return path.Join("enrollments", sessionID, pose+".jpg")
}

func cleanKey(key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	clean := path.Clean("/" + key)[1:]
	if clean == "" || clean != strings.TrimPrefix(key, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return clean, nil
}

// FileStore writes images below a root directory.
type FileStore struct {
	root string
}

// NewFileStore creates root if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}
	return &FileStore{root: root}, nil
}

// Root returns the directory images are written to.
func (s *FileStore) Root() string {
	return s.root
}

// Put writes data to root/key through a temp file and rename, so a reader
// never sees a partial image. The returned reference is the key.
func (s *FileStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	clean, err := cleanKey(key)
	if err != nil {
		return "", err
	}

	dst := filepath.Join(s.root, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create image dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp image: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close image: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("rename image: %w", err)
	}

	return clean, nil
}

// Discard drops every image and returns an empty reference.
type Discard struct{}

// Put implements Store.
func (Discard) Put(ctx context.Context, key string, data []byte) (string, error) {
	return "", ctx.Err()
}
