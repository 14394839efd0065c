package imagestore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestKey(t *testing.T) {
	if got := Key("abc", "front"); got != "enrollments/abc/front.jpg" {
		t.Errorf("Key() = %q", got)
	}
}

func TestFileStore_Put(t *testing.T) {
	root := filepath.Join(t.TempDir(), "images")
	s, err := NewFileStore(root)
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}

	ref, err := s.Put(context.Background(), Key("s1", "down"), []byte("jpeg"))
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if ref != "enrollments/s1/down.jpg" {
		t.Errorf("ref = %q", ref)
	}

	data, err := os.ReadFile(filepath.Join(root, "enrollments", "s1", "down.jpg"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "jpeg" {
		t.Errorf("content = %q", data)
	}

	// Overwrite replaces the file.
	if _, err := s.Put(context.Background(), Key("s1", "down"), []byte("new")); err != nil {
		t.Fatalf("Put() overwrite error: %v", err)
	}
	data, _ = os.ReadFile(filepath.Join(root, "enrollments", "s1", "down.jpg"))
	if string(data) != "new" {
		t.Errorf("content after overwrite = %q", data)
	}

	entries, _ := os.ReadDir(filepath.Join(root, "enrollments", "s1"))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %d entries", len(entries))
	}
}

func TestFileStore_InvalidKeys(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}

	for _, key := range []string{"", "../escape.jpg", "a/../../b.jpg", "/"} {
		t.Run(key, func(t *testing.T) {
			if _, err := s.Put(context.Background(), key, []byte("x")); !errors.Is(err, ErrInvalidKey) {
				t.Errorf("Put(%q) error = %v, want ErrInvalidKey", key, err)
			}
		})
	}
}

func TestFileStore_CancelledContext(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Put(ctx, "a.jpg", nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Put() error = %v, want context.Canceled", err)
	}
}

func TestDiscard(t *testing.T) {
	ref, err := Discard{}.Put(context.Background(), "a.jpg", []byte("x"))
	if err != nil || ref != "" {
		t.Errorf("Discard.Put() = %q, %v", ref, err)
	}
}

func TestS3Store_Put(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
		body   string
		ctype  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		method, path, body, ctype = r.Method, r.URL.Path, string(b), r.Header.Get("Content-Type")
		mu.Unlock()
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, err := NewS3Store(S3Config{
		Bucket:          "faces",
		Region:          "us-east-1",
		Prefix:          "prod",
		Endpoint:        srv.URL,
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		PathStyle:       true,
	})
	if err != nil {
		t.Fatalf("NewS3Store() error: %v", err)
	}

	ref, err := s.Put(context.Background(), Key("s1", "front"), []byte("jpeg-bytes"))
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if method != http.MethodPut {
		t.Errorf("method = %s, want PUT", method)
	}
	if path != "/faces/prod/enrollments/s1/front.jpg" {
		t.Errorf("path = %s", path)
	}
	if body != "jpeg-bytes" {
		t.Errorf("body = %q", body)
	}
	if ctype != "image/jpeg" {
		t.Errorf("content type = %q", ctype)
	}
	if !strings.HasSuffix(ref, "/faces/prod/enrollments/s1/front.jpg") {
		t.Errorf("ref = %q", ref)
	}
}

func TestNewS3Store_RequiresBucket(t *testing.T) {
	if _, err := NewS3Store(S3Config{Region: "us-east-1"}); err == nil {
		t.Error("NewS3Store() without bucket should fail")
	}
}
