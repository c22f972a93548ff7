// Package blobtest holds the behaviour every blob driver must share.
package blobtest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"obddash/internal/infra/blob/objects"
)

// Run exercises store against the objects.Store contract.
func Run(t *testing.T, store objects.Store) {
	t.Helper()
	ctx := context.Background()

	info, err := store.Put(ctx, "reports/r1/a1.csv", strings.NewReader("code,count\nP0300,2\n"), objects.PutOptions{
		ContentType: "text/csv",
		Metadata:    map[string]string{"report": "r1"},
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if info.Key != "reports/r1/a1.csv" || info.Size != 19 || info.ETag == "" {
		t.Fatalf("unexpected put info %+v", info)
	}
	if _, err := store.Put(ctx, "reports/r1/a1.csv", strings.NewReader("again"), objects.PutOptions{}); !errors.Is(err, objects.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if _, err := store.Put(ctx, "../escape", strings.NewReader("x"), objects.PutOptions{}); !errors.Is(err, objects.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}

	got, rc, err := store.Get(ctx, "reports/r1/a1.csv")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	body, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil || string(body) != "code,count\nP0300,2\n" {
		t.Fatalf("unexpected body %q %v", body, err)
	}
	if got.ContentType != "text/csv" || got.Size != 19 {
		t.Fatalf("unexpected get info %+v", got)
	}

	head, err := store.Head(ctx, "reports/r1/a1.csv")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if diff := cmp.Diff(map[string]string{"report": "r1"}, head.Metadata); diff != "" {
		t.Fatalf("metadata mismatch (-want +got):\n%s", diff)
	}
	if _, err := store.Head(ctx, "reports/r1/missing.csv"); !errors.Is(err, objects.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from Head, got %v", err)
	}
	if _, _, err := store.Get(ctx, "reports/r1/missing.csv"); !errors.Is(err, objects.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from Get, got %v", err)
	}

	if _, err := store.Put(ctx, "reports/r2/a2.pdf", bytes.NewReader([]byte("%PDF-1.4")), objects.PutOptions{ContentType: "application/pdf"}); err != nil {
		t.Fatalf("Put second: %v", err)
	}
	if _, err := store.Put(ctx, "other/x.json", strings.NewReader("{}"), objects.PutOptions{}); err != nil {
		t.Fatalf("Put third: %v", err)
	}
	list, err := store.List(ctx, "reports/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	keys := make([]string, len(list))
	for i, inf := range list {
		keys[i] = inf.Key
	}
	if diff := cmp.Diff([]string{"reports/r1/a1.csv", "reports/r2/a2.pdf"}, keys); diff != "" {
		t.Fatalf("list mismatch (-want +got):\n%s", diff)
	}

	existed, err := store.Delete(ctx, "reports/r1/a1.csv")
	if err != nil || !existed {
		t.Fatalf("Delete = %v, %v", existed, err)
	}
	existed, err = store.Delete(ctx, "reports/r1/a1.csv")
	if err != nil || existed {
		t.Fatalf("second Delete = %v, %v", existed, err)
	}
	if _, err := store.PresignURL(ctx, "reports/r2/a2.pdf", objects.SignedURLOptions{Method: "PUT"}); !errors.Is(err, objects.ErrUnsupported) {
		t.Fatalf("expected PUT presign to be unsupported, got %v", err)
	}
}
