package objstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func newTestLocal(t *testing.T, root, base string) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(root, base)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	return s
}

func TestLocalStoreSaveOpen(t *testing.T) {
	root := t.TempDir()
	s := newTestLocal(t, root, "http://files.local/objects/")
	ctx := context.Background()

	if err := s.Save(ctx, "workflows/wf-1.yaml", []byte("a: 1\n"), "application/x-yaml"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := s.Open(ctx, "workflows/wf-1.yaml")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(data) != "a: 1\n" {
		t.Errorf("data = %q", data)
	}

	if _, err := os.Stat(filepath.Join(root, "workflows", "wf-1.yaml")); err != nil {
		t.Errorf("file not on disk: %v", err)
	}
}

func TestLocalStoreOverwrite(t *testing.T) {
	s := newTestLocal(t, t.TempDir(), "http://x")
	ctx := context.Background()

	for _, v := range []string{"one", "two"} {
		if err := s.Save(ctx, "k", []byte(v), ""); err != nil {
			t.Fatalf("Save %s: %v", v, err)
		}
	}

	data, err := s.Open(ctx, "k")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(data) != "two" {
		t.Errorf("data = %q, want two", data)
	}
}

func TestLocalStoreOpenMissing(t *testing.T) {
	s := newTestLocal(t, t.TempDir(), "http://x")

	if _, err := s.Open(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLocalStoreKeysStayInsideRoot(t *testing.T) {
	root := t.TempDir()
	s := newTestLocal(t, filepath.Join(root, "objects"), "http://x")
	ctx := context.Background()

	if err := s.Save(ctx, "../../escape.txt", []byte("x"), ""); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "escape.txt")); !os.IsNotExist(err) {
		t.Errorf("file escaped the root: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "objects", "escape.txt")); err != nil {
		t.Errorf("file not under root: %v", err)
	}

	if err := s.Save(ctx, "", []byte("x"), ""); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestLocalStoreURL(t *testing.T) {
	s := newTestLocal(t, t.TempDir(), "http://files.local/objects/")

	for _, key := range []string{"runs/r1/out.wav", "/runs/r1/out.wav"} {
		if got := s.URL(key); got != "http://files.local/objects/runs/r1/out.wav" {
			t.Errorf("URL(%q) = %q", key, got)
		}
	}
}

func TestLocalStoreIsNotPresigner(t *testing.T) {
	var st Storage = newTestLocal(t, t.TempDir(), "http://x")
	if _, ok := st.(Presigner); ok {
		t.Error("LocalStore should not presign")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := newTestLocal(t, t.TempDir(), "http://a")
	b := newTestLocal(t, t.TempDir(), "http://b")

	r.Register("s3", a)
	r.Register("local", b)

	got, err := r.Get("local")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != Storage(b) {
		t.Error("Get returned a different backend")
	}

	if _, err := r.Get("gcs"); err == nil {
		t.Error("expected error for unknown backend")
	}

	if names := r.Names(); !reflect.DeepEqual(names, []string{"local", "s3"}) {
		t.Errorf("names = %v", names)
	}
}
