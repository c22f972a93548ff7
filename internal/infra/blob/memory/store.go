// Package memory keeps blobs in process memory for tests and ephemeral runs.
package memory

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"obddash/internal/infra/blob/objects"
)

type object struct {
	info objects.Info
	data []byte
}

// Store implements objects.Store.
type Store struct {
	mu   sync.RWMutex
	objs map[string]object
	now  func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{objs: make(map[string]object), now: func() time.Time { return time.Now().UTC() }}
}

// Driver reports objects.DriverMemory.
func (s *Store) Driver() objects.Driver { return objects.DriverMemory }

// Put stores a new object. The ETag is the hex MD5 of the content, as S3
// reports for single part uploads.
func (s *Store) Put(_ context.Context, key string, r io.Reader, opts objects.PutOptions) (objects.Info, error) {
	key, err := objects.CleanKey(key)
	if err != nil {
		return objects.Info{}, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return objects.Info{}, fmt.Errorf("read blob %s: %w", key, err)
	}
	sum := md5.Sum(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.objs[key]; exists {
		return objects.Info{}, fmt.Errorf("%w: %s", objects.ErrExists, key)
	}
	info := objects.Info{
		Key:          key,
		Size:         int64(len(data)),
		ContentType:  opts.ContentType,
		ETag:         hex.EncodeToString(sum[:]),
		Metadata:     objects.CloneMetadata(opts.Metadata),
		LastModified: s.now(),
	}
	s.objs[key] = object{info: info, data: data}
	return copyInfo(info), nil
}

func (s *Store) lookup(key string) (object, error) {
	key, err := objects.CleanKey(key)
	if err != nil {
		return object{}, err
	}
	s.mu.RLock()
	obj, ok := s.objs[key]
	s.mu.RUnlock()
	if !ok {
		return object{}, fmt.Errorf("%w: %s", objects.ErrNotFound, key)
	}
	return obj, nil
}

// Get returns the object and a reader over a private copy of its content.
func (s *Store) Get(_ context.Context, key string) (objects.Info, io.ReadCloser, error) {
	obj, err := s.lookup(key)
	if err != nil {
		return objects.Info{}, nil, err
	}
	return copyInfo(obj.info), io.NopCloser(bytes.NewReader(bytes.Clone(obj.data))), nil
}

// Head returns object metadata.
func (s *Store) Head(_ context.Context, key string) (objects.Info, error) {
	obj, err := s.lookup(key)
	if err != nil {
		return objects.Info{}, err
	}
	return copyInfo(obj.info), nil
}

// Delete removes key and reports whether it existed.
func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	key, err := objects.CleanKey(key)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objs[key]
	delete(s.objs, key)
	return ok, nil
}

// List returns objects under prefix ordered by key.
func (s *Store) List(_ context.Context, prefix string) ([]objects.Info, error) {
	s.mu.RLock()
	out := make([]objects.Info, 0, len(s.objs))
	for k, obj := range s.objs {
		if strings.HasPrefix(k, prefix) {
			out = append(out, copyInfo(obj.info))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// PresignURL is not available without a server.
func (s *Store) PresignURL(context.Context, string, objects.SignedURLOptions) (string, error) {
	return "", objects.ErrUnsupported
}

func copyInfo(in objects.Info) objects.Info {
	in.Metadata = objects.CloneMetadata(in.Metadata)
	return in
}
