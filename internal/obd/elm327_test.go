package obd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"obddash/pkg/domain"
)

// fakeAdapter answers written commands from a script. Reads return io.EOF
// when nothing is pending, like a serial port hitting its read timeout.
type fakeAdapter struct {
	mu       sync.Mutex
	replies  map[string]string
	pending  bytes.Buffer
	commands []string
}

func newFakeAdapter(replies map[string]string) *fakeAdapter {
	return &fakeAdapter{replies: replies}
}

func (f *fakeAdapter) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := strings.TrimSuffix(string(p), "\r")
	f.commands = append(f.commands, cmd)
	if reply, ok := f.replies[cmd]; ok {
		f.pending.WriteString(reply)
	}
	return len(p), nil
}

func (f *fakeAdapter) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending.Len() == 0 {
		return 0, io.EOF
	}
	// Dribble bytes to exercise reassembly.
	if len(p) > 4 {
		p = p[:4]
	}
	return f.pending.Read(p)
}

func (f *fakeAdapter) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func TestInitSequence(t *testing.T) {
	fake := newFakeAdapter(map[string]string{
		"ATZ":   "ATZ\r\r\rELM327 v1.5\r\r>",
		"ATE0":  "ATE0\rOK\r\r>",
		"ATL0":  "OK\r\r>",
		"ATS0":  "OK\r\r>",
		"ATH0":  "OK\r\r>",
		"ATSP0": "OK\r\r>",
	})
	elm := NewELM327(fake, time.Second)
	if err := elm.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if diff := cmp.Diff(initSequence, fake.sent()); diff != "" {
		t.Fatalf("command order mismatch (-want +got):\n%s", diff)
	}
}

func TestInitRejectsMissingOK(t *testing.T) {
	fake := newFakeAdapter(map[string]string{"ATZ": "ELM327 v1.5\r>", "ATE0": "?\r>"})
	if err := NewELM327(fake, time.Second).Init(context.Background()); !errors.Is(err, ErrAdapter) {
		t.Fatalf("expected adapter error, got %v", err)
	}
}

func TestQueryDecodesParameters(t *testing.T) {
	fake := newFakeAdapter(map[string]string{
		"010C": "SEARCHING...\r410C1AF8\r\r>",
		"010D": "41 0D 3C\r>",
		"0105": "NO DATA\r\r>",
		"0111": "?\r>",
	})
	elm := NewELM327(fake, time.Second)
	ctx := context.Background()

	rpm, _ := domain.LookupParameter("rpm")
	if v, err := elm.Query(ctx, rpm); err != nil || v != 1726 {
		t.Fatalf("rpm = %v, %v", v, err)
	}
	speed, _ := domain.LookupParameter("speed")
	if v, err := elm.Query(ctx, speed); err != nil || v != 60 {
		t.Fatalf("speed = %v, %v", v, err)
	}
	coolant, _ := domain.LookupParameter("coolant_temp")
	if _, err := elm.Query(ctx, coolant); !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
	throttle, _ := domain.LookupParameter("throttle")
	if _, err := elm.Query(ctx, throttle); !errors.Is(err, ErrAdapter) {
		t.Fatalf("expected ErrAdapter, got %v", err)
	}
}

func TestCommandTimesOutWithoutPrompt(t *testing.T) {
	fake := newFakeAdapter(map[string]string{"010C": "410C"})
	elm := NewELM327(fake, 30*time.Millisecond)
	if _, err := elm.ReadPID(context.Background(), 0x0C); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestCommandHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	elm := NewELM327(newFakeAdapter(nil), time.Second)
	if _, err := elm.Command(ctx, "0100"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestReadDTCs(t *testing.T) {
	cases := []struct {
		name  string
		reply string
		want  []domain.DTC
	}{
		{"legacy padded", "43013301710000\r\r>", []domain.DTC{"P0133", "P0171"}},
		{"can single frame", "430203000420\r>", []domain.DTC{"P0300", "P0420"}},
		{"can multi frame", "00A\r0:430401330171\r1:03000420000000\r\r>", []domain.DTC{"P0133", "P0171", "P0300", "P0420"}},
		{"two ecus", "4301030000000000\r43010420\r>", []domain.DTC{"P0300", "P0420"}},
		{"chassis and network", "43 41 23 C1 00 00 00\r>", []domain.DTC{"C0123", "U0100"}},
		{"no codes", "NO DATA\r>", nil},
	}
	for _, tc := range cases {
		fake := newFakeAdapter(map[string]string{"03": tc.reply})
		got, err := NewELM327(fake, time.Second).ReadDTCs(context.Background())
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Fatalf("%s: codes mismatch (-want +got):\n%s", tc.name, diff)
		}
	}
}

func TestClearDTCs(t *testing.T) {
	ok := newFakeAdapter(map[string]string{"04": "44\r\r>"})
	if err := NewELM327(ok, time.Second).ClearDTCs(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	bad := newFakeAdapter(map[string]string{"04": "7F0422\r>"})
	if err := NewELM327(bad, time.Second).ClearDTCs(context.Background()); !errors.Is(err, ErrAdapter) {
		t.Fatalf("expected adapter error, got %v", err)
	}
}
