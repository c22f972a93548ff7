package memory

import (
	"context"
	"io"
	"strings"
	"testing"

	"obddash/internal/infra/blob/blobtest"
	"obddash/internal/infra/blob/objects"
)

func TestContract(t *testing.T) {
	blobtest.Run(t, New())
}

func TestGetReturnsPrivateCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, err := s.Put(ctx, "k", strings.NewReader("abc"), objects.PutOptions{Metadata: map[string]string{"a": "1"}}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	info, rc, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	info.Metadata["a"] = "2"
	b, _ := io.ReadAll(rc)
	b[0] = 'z'
	again, rc2, _ := s.Get(ctx, "k")
	b2, _ := io.ReadAll(rc2)
	if again.Metadata["a"] != "1" || string(b2) != "abc" {
		t.Fatalf("store state leaked: %+v %q", again, b2)
	}
	if s.Driver() != objects.DriverMemory {
		t.Fatalf("unexpected driver %s", s.Driver())
	}
}
