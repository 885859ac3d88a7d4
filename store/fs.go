package store

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gurre/ddlog-backup/ddlogerr"
)

// FileStore implements Store over a local directory tree, one file per
// key. Grounded on checkpoint.FileStore's path-cleaning and absolute-path
// safety checks, generalized from a single checkpoint file to an entire
// keyed tree.
type FileStore struct {
	root string
}

// NewFileStore creates a FileStore rooted at a file:// URI.
func NewFileStore(uri string) (*FileStore, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid file URI: %w", err)
	}
	if u.Scheme != "file" {
		return nil, fmt.Errorf("invalid file URI scheme: %s", u.Scheme)
	}

	root := filepath.Clean(u.Path)
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("store root must be absolute: %s", root)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (f *FileStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	full := filepath.Join(f.root, clean)
	if !strings.HasPrefix(full, f.root) {
		return "", fmt.Errorf("key escapes store root: %s", key)
	}
	return full, nil
}

func (f *FileStore) Put(ctx context.Context, key string, body io.Reader, size int64, metadata map[string]string) (PutResult, error) {
	p, err := f.path(key)
	if err != nil {
		return PutResult{}, ddlogerr.Wrap(ddlogerr.Fatal, "invalid key", err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return PutResult{}, ddlogerr.Wrap(ddlogerr.Resource, "failed to create directory", err)
	}

	// Write to a temp file then atomically rename, giving readers the
	// "atomic rename" torn-read protection spec §4.3 allows as an
	// alternative to a trailing CRC line.
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return PutResult{}, ddlogerr.Wrap(ddlogerr.Resource, "failed to create temp file", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	n, err := io.Copy(tmp, body)
	if err != nil {
		_ = tmp.Close()
		return PutResult{}, classifyIOErr(err)
	}
	if err := tmp.Close(); err != nil {
		return PutResult{}, classifyIOErr(err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return PutResult{}, ddlogerr.Wrap(ddlogerr.Resource, "failed to rename into place", err)
	}

	return PutResult{ETag: fmt.Sprintf("%x-%d", n, time.Now().UnixNano())}, nil
}

func (f *FileStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := f.path(key)
	if err != nil {
		return nil, ddlogerr.Wrap(ddlogerr.Fatal, "invalid key", err)
	}
	file, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ddlogerr.Wrap(ddlogerr.Data, "not_found", err)
		}
		return nil, classifyIOErr(err)
	}
	return file, nil
}

func (f *FileStore) List(ctx context.Context, prefix string) (DescriptorIterator, error) {
	root, err := f.path(prefix)
	if err != nil {
		return nil, ddlogerr.Wrap(ddlogerr.Fatal, "invalid prefix", err)
	}

	var descriptors []Descriptor
	err = filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(f.root, p)
		if err != nil {
			return err
		}
		descriptors = append(descriptors, Descriptor{
			Key:   filepath.ToSlash(rel),
			Size:  info.Size(),
			Mtime: info.ModTime(),
		})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, classifyIOErr(err)
	}
	return &sliceDescriptorIterator{items: descriptors}, nil
}

func (f *FileStore) Delete(ctx context.Context, key string) error {
	p, err := f.path(key)
	if err != nil {
		return ddlogerr.Wrap(ddlogerr.Fatal, "invalid key", err)
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return classifyIOErr(err)
	}
	return nil
}

func (f *FileStore) DeleteMany(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if err := f.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (f *FileStore) PutIfAbsent(ctx context.Context, key string, body []byte) error {
	p, err := f.path(key)
	if err != nil {
		return ddlogerr.Wrap(ddlogerr.Fatal, "invalid key", err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return ddlogerr.Wrap(ddlogerr.Resource, "failed to create directory", err)
	}
	file, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return ddlogerr.New(ddlogerr.Conflict, "key already exists", map[string]any{"key": key})
		}
		return classifyIOErr(err)
	}
	defer func() { _ = file.Close() }()
	if _, err := file.Write(body); err != nil {
		return classifyIOErr(err)
	}
	return nil
}

func (f *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	p, err := f.path(key)
	if err != nil {
		return false, ddlogerr.Wrap(ddlogerr.Fatal, "invalid key", err)
	}
	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, classifyIOErr(err)
}

func classifyIOErr(err error) error {
	if os.IsNotExist(err) {
		return ddlogerr.Wrap(ddlogerr.Data, "not_found", err)
	}
	if os.IsPermission(err) {
		return ddlogerr.Wrap(ddlogerr.Fatal, "permission denied", err)
	}
	return ddlogerr.Wrap(ddlogerr.Resource, "filesystem error", err)
}

type sliceDescriptorIterator struct {
	items []Descriptor
	pos   int
}

func (s *sliceDescriptorIterator) HasNext() bool { return s.pos < len(s.items) }

func (s *sliceDescriptorIterator) Next() (Descriptor, error) {
	if !s.HasNext() {
		return Descriptor{}, io.EOF
	}
	d := s.items[s.pos]
	s.pos++
	return d, nil
}

func (s *sliceDescriptorIterator) Close() error { return nil }
