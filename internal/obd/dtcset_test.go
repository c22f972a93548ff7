package obd

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"obddash/pkg/domain"
)

func openSet(t *testing.T, path string) *DTCSet {
	t.Helper()
	set, err := OpenDTCSet(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return set
}

func TestDTCSetTracksNewCodes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "agent.db")
	set := openSet(t, path)

	if isNew, err := set.IsNew("P0300"); err != nil || !isNew {
		t.Fatalf("first sighting should be new: %v %v", isNew, err)
	}
	if isNew, err := set.IsNew("P0300"); err != nil || isNew {
		t.Fatalf("second sighting should not be new: %v %v", isNew, err)
	}
	if _, err := set.IsNew("P0420"); err != nil {
		t.Fatalf("is new: %v", err)
	}
	if err := set.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	set = openSet(t, path)
	defer set.Close()
	codes, err := set.Codes()
	if err != nil {
		t.Fatalf("codes: %v", err)
	}
	if diff := cmp.Diff([]string{"P0300", "P0420"}, codes); diff != "" {
		t.Fatalf("state not persisted (-want +got):\n%s", diff)
	}

	if err := set.Retain([]domain.DTC{"P0420"}); err != nil {
		t.Fatalf("retain: %v", err)
	}
	if isNew, _ := set.IsNew("P0300"); !isNew {
		t.Fatalf("a code that went away should be new again")
	}
	if err := set.Remove("P0300"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	if err := set.ClearAll(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if codes, _ := set.Codes(); len(codes) != 0 {
		t.Fatalf("expected empty set, got %v", codes)
	}
	if isNew, err := set.IsNew("P0420"); err != nil || !isNew {
		t.Fatalf("set must stay usable after clear: %v %v", isNew, err)
	}
}
