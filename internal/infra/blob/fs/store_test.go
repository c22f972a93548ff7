package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"obddash/internal/infra/blob/blobtest"
	"obddash/internal/infra/blob/objects"
)

func TestContract(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "blobs"), "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	blobtest.Run(t, s)
}

func TestPutWritesSidecarWithSHA256(t *testing.T) {
	s, err := New(t.TempDir(), "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	info, err := s.Put(context.Background(), "reports/r1/out.json", strings.NewReader(`{"ok":true}`), objects.PutOptions{ContentType: "application/json"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	sum := sha256.Sum256([]byte(`{"ok":true}`))
	if info.ETag != hex.EncodeToString(sum[:]) {
		t.Fatalf("unexpected etag %s", info.ETag)
	}
	if _, err := os.Stat(filepath.Join(s.Root(), "reports", "r1", "out.json.meta")); err != nil {
		t.Fatalf("sidecar missing: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(s.Root(), "reports", "r1"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("temp files left behind: %v", entries)
	}
	if _, err := s.Put(context.Background(), "x.meta", strings.NewReader("x"), objects.PutOptions{}); !errors.Is(err, objects.ErrInvalidKey) {
		t.Fatalf("expected reserved suffix rejection, got %v", err)
	}
}

func TestPresignURL(t *testing.T) {
	s, err := New(t.TempDir(), "https://dash.example.com/files/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	u, err := s.PresignURL(context.Background(), "reports/r 1/a.pdf", objects.SignedURLOptions{})
	if err != nil {
		t.Fatalf("PresignURL: %v", err)
	}
	if u != "https://dash.example.com/files/reports/r%201/a.pdf" {
		t.Fatalf("unexpected url %s", u)
	}
	local, err := New(t.TempDir(), "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	u, err = local.PresignURL(context.Background(), "a.csv", objects.SignedURLOptions{})
	if err != nil || !strings.HasPrefix(u, "file://") {
		t.Fatalf("expected file url, got %s %v", u, err)
	}
}
