package objects

import (
	"errors"
	"testing"
	"time"
)

func TestCleanKey(t *testing.T) {
	valid := map[string]string{
		"reports/r1/a.pdf":    "reports/r1/a.pdf",
		"reports//r1/./a.csv": "reports/r1/a.csv",
	}
	for in, want := range valid {
		got, err := CleanKey(in)
		if err != nil || got != want {
			t.Fatalf("CleanKey(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	for _, in := range []string{"", "  ", "/etc/passwd", "../x", "a/../../b", ".", `a\b`} {
		if _, err := CleanKey(in); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("CleanKey(%q): expected ErrInvalidKey, got %v", in, err)
		}
	}
}

func TestValidatePresign(t *testing.T) {
	opts, err := ValidatePresign(SignedURLOptions{})
	if err != nil || opts.Method != "GET" || opts.Expiry != 15*time.Minute {
		t.Fatalf("unexpected defaults %+v %v", opts, err)
	}
	if _, err := ValidatePresign(SignedURLOptions{Method: "put"}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestCloneMetadata(t *testing.T) {
	if CloneMetadata(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
	in := map[string]string{"report": "r1"}
	out := CloneMetadata(in)
	out["report"] = "changed"
	if in["report"] != "r1" {
		t.Fatalf("clone aliases the input")
	}
}
