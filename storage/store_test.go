package storage

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"reflect"
	"sort"
	"testing"

	"github.com/justapithecus/lode/lode"
)

// sharedFactory returns a StoreFactory that always returns the given store.
func sharedFactory(store lode.Store) lode.StoreFactory {
	return func() (lode.Store, error) { return store, nil }
}

func TestStore_SaveLoad(t *testing.T) {
	s := New(NewMemoryFactory())
	ctx := t.Context()

	if err := s.Save(ctx, "app/config/interval", []byte("60")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := s.Load(ctx, "app/config/interval")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(got) != "60" {
		t.Errorf("Load = %q, want %q", got, "60")
	}
}

func TestStore_Overwrite(t *testing.T) {
	s := New(NewMemoryFactory())
	ctx := t.Context()

	for _, v := range []string{"first", "second"} {
		if err := s.Save(ctx, "k", []byte(v)); err != nil {
			t.Fatalf("Save(%q) failed: %v", v, err)
		}
	}
	got, err := s.Load(ctx, "k")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(got) != "second" {
		t.Errorf("Load = %q, want %q", got, "second")
	}
}

func TestStore_LoadMissing(t *testing.T) {
	s := New(NewMemoryFactory())

	_, err := s.Load(t.Context(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load(missing) = %v, want ErrNotFound", err)
	}
	var se *StorageError
	if !errors.As(err, &se) || se.Op != "load" || se.Key != "nope" {
		t.Errorf("Load(missing) error = %#v, want load/nope StorageError", err)
	}
}

func TestStore_Delete(t *testing.T) {
	s := New(NewMemoryFactory())
	ctx := t.Context()

	if err := s.Save(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Load(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load after Delete = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Errorf("Delete(missing) = %v, want nil", err)
	}
}

func TestStore_InvalidKey(t *testing.T) {
	s := New(NewMemoryFactory())
	for _, key := range []string{"", "/", "../escape", "a/../../b"} {
		if err := s.Save(t.Context(), key, nil); err == nil {
			t.Errorf("Save(%q) succeeded, want error", key)
		}
	}
}

func TestStore_Keys(t *testing.T) {
	s := New(NewMemoryFactory())
	ctx := t.Context()

	for _, k := range []string{"app/a", "app/b", "cloud/c"} {
		if err := s.Save(ctx, k, []byte("x")); err != nil {
			t.Fatalf("Save(%q) failed: %v", k, err)
		}
	}
	keys, err := s.Keys(ctx, "app")
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	sort.Strings(keys)
	if want := []string{"app/a", "app/b"}; !reflect.DeepEqual(keys, want) {
		t.Errorf("Keys(app) = %v, want %v", keys, want)
	}
}

func TestStore_FS(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	ctx := t.Context()

	if err := New(NewFSFactory(dir)).Save(ctx, "cloud/k", []byte("persisted")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// A second Store over the same directory sees the value.
	got, err := New(NewFSFactory(dir)).Load(ctx, "cloud/k")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(got) != "persisted" {
		t.Errorf("Load = %q, want %q", got, "persisted")
	}
}

func TestStore_FactoryFailure(t *testing.T) {
	s := New(func() (lode.Store, error) { return nil, errors.New("dial tcp: connection refused") })

	err := s.Save(t.Context(), "k", []byte("v"))
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("Save = %v, want ErrNetwork", err)
	}
	var se *StorageError
	if !errors.As(err, &se) || se.Op != "init" {
		t.Errorf("Save error = %v, want init StorageError", err)
	}
}

// failingStore is a lode.Store whose operations return configured errors.
type failingStore struct {
	lode.Store
	putErr    error
	existsErr error
}

func (f *failingStore) Put(ctx context.Context, path string, r io.Reader) error {
	if f.putErr != nil {
		return f.putErr
	}
	return f.Store.Put(ctx, path, r)
}

func (f *failingStore) Exists(ctx context.Context, path string) (bool, error) {
	if f.existsErr != nil {
		return false, f.existsErr
	}
	return f.Store.Exists(ctx, path)
}

func TestStore_BackendErrorsClassified(t *testing.T) {
	tests := []struct {
		name  string
		store *failingStore
		want  error
	}{
		{
			name:  "put disk full",
			store: &failingStore{Store: lode.NewMemory(), putErr: errors.New("no space left on device")},
			want:  ErrDiskFull,
		},
		{
			name:  "exists access denied",
			store: &failingStore{Store: lode.NewMemory(), existsErr: errors.New("AccessDenied")},
			want:  ErrAccessDenied,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(sharedFactory(tt.store))
			err := s.Save(t.Context(), "k", []byte("v"))
			if !errors.Is(err, tt.want) {
				t.Errorf("Save = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNewFactory(t *testing.T) {
	ctx := t.Context()

	if _, err := NewFactory(ctx, Config{Backend: BackendMemory}); err != nil {
		t.Errorf("memory backend: %v", err)
	}
	if _, err := NewFactory(ctx, Config{Backend: BackendFS, Path: t.TempDir()}); err != nil {
		t.Errorf("fs backend: %v", err)
	}
	if _, err := NewFactory(ctx, Config{Backend: BackendFS}); err == nil {
		t.Error("fs backend without path should fail")
	}
	if _, err := NewFactory(ctx, Config{Backend: BackendS3}); err == nil {
		t.Error("s3 backend without bucket should fail")
	}
	if _, err := NewFactory(ctx, Config{Backend: "tape"}); err == nil {
		t.Error("unknown backend should fail")
	}
}

func TestParseS3Path(t *testing.T) {
	tests := []struct {
		in             string
		bucket, prefix string
	}{
		{"fleet", "fleet", ""},
		{"fleet/devices/2159017985", "fleet", "devices/2159017985"},
	}
	for _, tt := range tests {
		b, p := ParseS3Path(tt.in)
		if b != tt.bucket || p != tt.prefix {
			t.Errorf("ParseS3Path(%q) = %q, %q, want %q, %q", tt.in, b, p, tt.bucket, tt.prefix)
		}
	}
}
