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

// ErrObjectNotFound is returned when a path has no object
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is the durable storage used for model artifacts, uploads and results
type ObjectStore interface {
	Put(ctx context.Context, path string, r io.Reader, size int64) error
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	FetchToFile(ctx context.Context, path, localPath string) error
	UploadFromFile(ctx context.Context, path, localPath string) error
	Delete(ctx context.Context, path string) error
}

// LocalStore keeps objects as files under a root directory
type LocalStore struct {
	root string
}

// NewLocalStore creates a local store rooted at dir
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &LocalStore{root: dir}, nil
}

func (s *LocalStore) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + path)
	if clean == "/" {
		return "", fmt.Errorf("invalid object path %q", path)
	}
	return filepath.Join(s.root, strings.TrimPrefix(clean, "/")), nil
}

// Put writes r to path. size is ignored, the reader is consumed to EOF.
func (s *LocalStore) Put(ctx context.Context, path string, r io.Reader, size int64) error {
	target, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}

	// Write to a sibling temp file so readers never see a partial object
	tmp, err := os.CreateTemp(filepath.Dir(target), ".put-*")
	if err != nil {
		return fmt.Errorf("failed to create object: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write object %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write object %s: %w", path, err)
	}
	return os.Rename(tmp.Name(), target)
}

// Get opens the object at path
func (s *LocalStore) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	target, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(target)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, path)
	}
	return f, err
}

// FetchToFile copies the object at path into localPath
func (s *LocalStore) FetchToFile(ctx context.Context, path, localPath string) error {
	return FetchToFile(ctx, s, path, localPath)
}

// UploadFromFile stores the contents of localPath at path
func (s *LocalStore) UploadFromFile(ctx context.Context, path, localPath string) error {
	return UploadFromFile(ctx, s, path, localPath)
}

// Delete removes the object at path. Missing objects are not an error.
func (s *LocalStore) Delete(ctx context.Context, path string) error {
	target, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// FetchToFile copies an object into localPath using only the store's Get
func FetchToFile(ctx context.Context, store ObjectStore, path, localPath string) error {
	rc, err := store.Get(ctx, path)
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", localPath, err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return fmt.Errorf("failed to fetch %s: %w", path, err)
	}
	return f.Close()
}

// UploadFromFile stores the contents of localPath using only the store's Put
func UploadFromFile(ctx context.Context, store ObjectStore, path, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	return store.Put(ctx, path, f, info.Size())
}
