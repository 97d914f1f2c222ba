package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/justapithecus/lode/lode"
)

// keyPrefix roots all key-value objects inside the lode store.
const keyPrefix = "kv"

// Store is a small key-value store over a lode object store. Keys are
// slash-separated paths such as "cloud/firmware/update_id".
type Store struct {
	factory lode.StoreFactory

	once     sync.Once
	store    lode.Store
	storeErr error

	mu sync.Mutex // serializes overwrite sequences
}

// New creates a Store whose backing object store is created lazily from
// factory on first use.
func New(factory lode.StoreFactory) *Store {
	return &Store{factory: factory}
}

// NewMemoryFactory returns a factory for an in-process store.
func NewMemoryFactory() lode.StoreFactory {
	return lode.NewMemoryFactory()
}

// NewFSFactory returns a factory for a store rooted at dir, creating dir
// if needed.
func NewFSFactory(dir string) lode.StoreFactory {
	fs := lode.NewFSFactory(dir)
	return func() (lode.Store, error) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		return fs()
	}
}

func (s *Store) backend() (lode.Store, error) {
	s.once.Do(func() {
		s.store, s.storeErr = s.factory()
	})
	if s.storeErr != nil {
		return nil, wrap(s.storeErr, "init", "")
	}
	return s.store, nil
}

func objectPath(key string) (string, error) {
	clean := path.Clean("/" + key)
	if key == "" || clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("storage: invalid key %q", key)
	}
	return keyPrefix + clean, nil
}

// Save stores data under key, replacing any previous value.
func (s *Store) Save(ctx context.Context, key string, data []byte) error {
	p, err := objectPath(key)
	if err != nil {
		return err
	}
	st, err := s.backend()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := st.Exists(ctx, p)
	if err != nil {
		return wrap(err, "save", key)
	}
	if exists {
		if err := st.Delete(ctx, p); err != nil {
			return wrap(err, "save", key)
		}
	}
	return wrap(st.Put(ctx, p, bytes.NewReader(data)), "save", key)
}

// Load returns the value stored under key. A missing key is a
// StorageError of kind ErrNotFound.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	p, err := objectPath(key)
	if err != nil {
		return nil, err
	}
	st, err := s.backend()
	if err != nil {
		return nil, err
	}

	exists, err := st.Exists(ctx, p)
	if err != nil {
		return nil, wrap(err, "load", key)
	}
	if !exists {
		return nil, &StorageError{Kind: ErrNotFound, Op: "load", Key: key, Err: fmt.Errorf("no value for %s", key)}
	}

	rc, err := st.Get(ctx, p)
	if err != nil {
		return nil, wrap(err, "load", key)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, wrap(err, "load", key)
	}
	return data, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	p, err := objectPath(key)
	if err != nil {
		return err
	}
	st, err := s.backend()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := st.Exists(ctx, p)
	if err != nil {
		return wrap(err, "delete", key)
	}
	if !exists {
		return nil
	}
	return wrap(st.Delete(ctx, p), "delete", key)
}

// Keys lists the stored keys under prefix.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	st, err := s.backend()
	if err != nil {
		return nil, err
	}
	paths, err := st.List(ctx, path.Join(keyPrefix, prefix))
	if err != nil {
		return nil, wrap(err, "list", prefix)
	}
	keys := make([]string, 0, len(paths))
	for _, p := range paths {
		keys = append(keys, strings.TrimPrefix(p, keyPrefix+"/"))
	}
	return keys, nil
}
