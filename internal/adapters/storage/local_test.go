package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestNewLocalStorage(t *testing.T) {
	storage := NewLocalStorage("/tmp/test")

	if storage == nil {
		t.Fatal("NewLocalStorage() returned nil")
	}

	if storage.basePath != "/tmp/test" {
		t.Errorf("basePath = %q, want %q", storage.basePath, "/tmp/test")
	}
}

func TestLocalStoragePut(t *testing.T) {
	tmpDir := t.TempDir()
	storage := NewLocalStorage(tmpDir)
	ctx := context.Background()

	if err := storage.Put(ctx, "renders/r1/flood.png", []byte("png"), "image/png"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	content, err := os.ReadFile(filepath.Join(tmpDir, "renders", "r1", "flood.png"))
	if err != nil {
		t.Fatalf("failed to read stored file: %v", err)
	}
	if string(content) != "png" {
		t.Errorf("content = %q, want %q", content, "png")
	}

	// Overwrite replaces the object.
	if err := storage.Put(ctx, "renders/r1/flood.png", []byte("newer"), "image/png"); err != nil {
		t.Fatalf("Put() overwrite error = %v", err)
	}
	content, _ = os.ReadFile(filepath.Join(tmpDir, "renders", "r1", "flood.png"))
	if string(content) != "newer" {
		t.Errorf("content after overwrite = %q", content)
	}

	objects, err := storage.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(objects) != 1 {
		t.Errorf("temporary files left behind: %+v", objects)
	}
}

func TestLocalStorageRejectsEscapingKeys(t *testing.T) {
	storage := NewLocalStorage(t.TempDir())

	for _, key := range []string{"", "../outside.png", "a/../../outside.png", "/etc/passwd"} {
		t.Run(key, func(t *testing.T) {
			err := storage.Put(context.Background(), key, []byte("x"), "image/png")
			if !errors.Is(err, ErrInvalidKey) {
				t.Errorf("Put(%q) error = %v, want ErrInvalidKey", key, err)
			}
		})
	}
}

func TestLocalStorageList(t *testing.T) {
	tmpDir := t.TempDir()

	testFiles := []string{
		"r2/zoning.png",
		"r1/flood.png",
		"r1/nested/aerial.png",
		".hidden",
	}
	for _, f := range testFiles {
		path := filepath.Join(tmpDir, f)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("failed to create dir: %v", err)
		}
		if err := os.WriteFile(path, []byte("test"), 0o644); err != nil {
			t.Fatalf("failed to create file: %v", err)
		}
	}

	storage := NewLocalStorage(tmpDir)
	objects, err := storage.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}

	want := []string{"r1/flood.png", "r1/nested/aerial.png", "r2/zoning.png"}
	if len(objects) != len(want) {
		t.Fatalf("len(objects) = %d, want %d", len(objects), len(want))
	}
	for i, obj := range objects {
		if obj.Key != want[i] {
			t.Errorf("objects[%d].Key = %q, want %q", i, obj.Key, want[i])
		}
		if obj.Size != 4 {
			t.Errorf("object %q size = %d, want 4", obj.Key, obj.Size)
		}
		if obj.LastModified == 0 {
			t.Errorf("object %q LastModified should not be 0", obj.Key)
		}
	}
}

func TestLocalStorageListEmpty(t *testing.T) {
	storage := NewLocalStorage(t.TempDir())
	objects, err := storage.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}

	if len(objects) != 0 {
		t.Errorf("len(objects) = %d, want 0", len(objects))
	}
}

func TestLocalStorageListNonExistent(t *testing.T) {
	storage := NewLocalStorage("/nonexistent/path")
	_, err := storage.List(context.Background())
	if err == nil {
		t.Error("List() should error for non-existent path")
	}
}

func TestLocalStorageExists(t *testing.T) {
	tmpDir := t.TempDir()

	if err := os.WriteFile(filepath.Join(tmpDir, "exists.png"), []byte("test"), 0o644); err != nil {
		t.Fatalf("failed to create file: %v", err)
	}

	storage := NewLocalStorage(tmpDir)

	tests := []struct {
		name string
		key  string
		want bool
	}{
		{"existing file", "exists.png", true},
		{"non-existing file", "nonexistent.png", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exists, err := storage.Exists(context.Background(), tt.key)
			if err != nil {
				t.Errorf("Exists() error = %v", err)
			}
			if exists != tt.want {
				t.Errorf("Exists() = %v, want %v", exists, tt.want)
			}
		})
	}
}

func TestLocalStorageGetReader(t *testing.T) {
	tmpDir := t.TempDir()
	storage := NewLocalStorage(tmpDir)
	testContent := "test content"

	if err := storage.Put(context.Background(), "test.png", []byte(testContent), "image/png"); err != nil {
		t.Fatal(err)
	}

	reader, err := storage.GetReader(context.Background(), "test.png")
	if err != nil {
		t.Fatalf("GetReader() error = %v", err)
	}
	defer func() { _ = reader.Close() }()

	got, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(got) != testContent {
		t.Errorf("content = %q, want %q", got, testContent)
	}
}

func TestLocalStorageGetReaderNonExistent(t *testing.T) {
	storage := NewLocalStorage(t.TempDir())
	_, err := storage.GetReader(context.Background(), "nonexistent.png")
	if err == nil {
		t.Error("GetReader() should error for non-existent file")
	}
}

func TestLocalStorageFullPath(t *testing.T) {
	storage := NewLocalStorage("/data/renders")

	tests := []struct {
		key  string
		want string
	}{
		{"flood.png", "/data/renders/flood.png"},
		{"r1/flood.png", "/data/renders/r1/flood.png"},
		{"", "/data/renders"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := storage.FullPath(tt.key); got != tt.want {
				t.Errorf("FullPath(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestKeyHelpers(t *testing.T) {
	tests := []struct {
		prefix, key, full string
	}{
		{"", "r1/flood.png", "r1/flood.png"},
		{"maps", "r1/flood.png", "maps/r1/flood.png"},
		{"maps", "/r1/flood.png", "maps/r1/flood.png"},
	}
	for _, tt := range tests {
		if got := fullKey(tt.prefix, tt.key); got != tt.full {
			t.Errorf("fullKey(%q, %q) = %q, want %q", tt.prefix, tt.key, got, tt.full)
		}
		if got := relativeKey(tt.prefix, tt.full); got != "r1/flood.png" {
			t.Errorf("relativeKey(%q, %q) = %q, want r1/flood.png", tt.prefix, tt.full, got)
		}
	}
}
