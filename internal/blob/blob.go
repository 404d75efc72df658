// Package blob stores uploaded attachments behind a small interface.
package blob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// Store is the object storage collaborator.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	URL(key string) string
	Delete(ctx context.Context, key string) error
}

// FSStore keeps objects on an afero filesystem and serves them under
// BaseURL.
type FSStore struct {
	Fs      afero.Fs
	BaseURL string
}

// NewDir roots a store at dir on the OS filesystem.
func NewDir(dir, baseURL string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FSStore{Fs: afero.NewBasePathFs(afero.NewOsFs(), dir), BaseURL: baseURL}, nil
}

// NewMemory is an in-memory store for tests.
func NewMemory(baseURL string) *FSStore {
	return &FSStore{Fs: afero.NewMemMapFs(), BaseURL: baseURL}
}

func cleanKey(key string) (string, error) {
	k := path.Clean("/" + key)
	if k == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return k, nil
}

func (s *FSStore) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	k, err := cleanKey(key)
	if err != nil {
		return 0, err
	}
	if err := s.Fs.MkdirAll(path.Dir(k), 0o755); err != nil {
		return 0, err
	}
	f, err := s.Fs.Create(k)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = s.Fs.Remove(k)
		return 0, fmt.Errorf("write blob %s: %w", key, err)
	}
	return n, ctx.Err()
}

func (s *FSStore) URL(key string) string {
	return strings.TrimSuffix(s.BaseURL, "/") + "/" + strings.TrimPrefix(key, "/")
}

func (s *FSStore) Delete(_ context.Context, key string) error {
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	err = s.Fs.Remove(k)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Handler serves stored objects read-only.
func (s *FSStore) Handler() http.Handler {
	return http.FileServer(afero.NewHttpFs(afero.NewReadOnlyFs(s.Fs)).Dir("/"))
}
