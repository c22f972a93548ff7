// Package obd talks to vehicles through an ELM327 adapter and runs the
// polling agent that forwards readings and trouble codes over MQTT.
package obd

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"

	"obddash/pkg/domain"
)

var (
	// ErrNoData is returned when the vehicle does not answer a request.
	ErrNoData = errors.New("obd: no data")
	// ErrAdapter wraps error replies of the adapter such as "?" or "CAN ERROR".
	ErrAdapter = errors.New("obd: adapter error")
	// ErrTimeout is returned when no prompt arrives in time.
	ErrTimeout = errors.New("obd: response timed out")
)

// initSequence resets the adapter, then turns off echo, linefeeds, spaces and
// headers and selects automatic protocol detection.
var initSequence = []string{"ATZ", "ATE0", "ATL0", "ATS0", "ATH0", "ATSP0"}

const prompt = '>'

// adapterErrors are whole-line replies that mean the request failed.
var adapterErrors = []string{"?", "UNABLE TO CONNECT", "CAN ERROR", "BUS INIT: ...ERROR", "BUS ERROR", "STOPPED", "ERROR"}

// OpenSerial opens a serial port with the 100ms read timeout the read loop
// relies on.
func OpenSerial(name string, baud int) (*serial.Port, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", name, err)
	}
	return port, nil
}

// ELM327 issues AT and OBD commands over a byte stream. Calls are serialised.
type ELM327 struct {
	mu      sync.Mutex
	rw      io.ReadWriter
	timeout time.Duration
}

// NewELM327 wraps rw. timeout bounds each command; zero means 5s, which
// covers the protocol search after ATSP0.
func NewELM327(rw io.ReadWriter, timeout time.Duration) *ELM327 {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ELM327{rw: rw, timeout: timeout}
}

// Init runs the adapter setup sequence.
func (e *ELM327) Init(ctx context.Context) error {
	for _, cmd := range initSequence {
		lines, err := e.Command(ctx, cmd)
		if err != nil {
			return fmt.Errorf("init %s: %w", cmd, err)
		}
		// ATZ answers with the version banner instead of OK.
		if cmd != "ATZ" && !containsLine(lines, "OK") {
			return fmt.Errorf("init %s: %w: %q", cmd, ErrAdapter, strings.Join(lines, " "))
		}
	}
	return nil
}

// Command sends one command and returns the reply lines without echo,
// prompt and search notices.
func (e *ELM327) Command(ctx context.Context, cmd string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := io.WriteString(e.rw, cmd+"\r"); err != nil {
		return nil, fmt.Errorf("write %s: %w", cmd, err)
	}
	raw, err := e.readUntilPrompt(ctx)
	if err != nil {
		return nil, err
	}
	lines := parseLines(raw, cmd)
	for _, l := range lines {
		if l == "NO DATA" {
			return nil, ErrNoData
		}
		for _, bad := range adapterErrors {
			if l == bad {
				return nil, fmt.Errorf("%w: %s", ErrAdapter, l)
			}
		}
	}
	return lines, nil
}

func (e *ELM327) readUntilPrompt(ctx context.Context) ([]byte, error) {
	deadline := time.Now().Add(e.timeout)
	var buf bytes.Buffer
	chunk := make([]byte, 256)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := e.rw.Read(chunk)
		buf.Write(chunk[:n])
		if i := bytes.IndexByte(buf.Bytes(), prompt); i >= 0 {
			return buf.Bytes()[:i], nil
		}
		// The serial driver reports an empty read timeout as io.EOF.
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read: %w", err)
		}
		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}
	}
}

func parseLines(raw []byte, cmd string) []string {
	fields := strings.FieldsFunc(string(raw), func(r rune) bool { return r == '\r' || r == '\n' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		switch {
		case f == "", strings.EqualFold(f, cmd), strings.HasPrefix(f, "SEARCHING"):
			continue
		}
		out = append(out, f)
	}
	return out
}

func containsLine(lines []string, want string) bool {
	for _, l := range lines {
		if l == want {
			return true
		}
	}
	return false
}

// decodeHex parses a reply line, ignoring spaces so it works with ATS0 and ATS1.
func decodeHex(line string) ([]byte, error) {
	return hex.DecodeString(strings.ReplaceAll(line, " ", ""))
}

// ReadPID requests a mode 01 PID and returns the data bytes of the first
// responding ECU.
func (e *ELM327) ReadPID(ctx context.Context, pid byte) ([]byte, error) {
	lines, err := e.Command(ctx, fmt.Sprintf("01%02X", pid))
	if err != nil {
		return nil, err
	}
	for _, l := range lines {
		b, err := decodeHex(l)
		if err != nil || len(b) < 2 {
			continue
		}
		if b[0] == 0x41 && b[1] == pid {
			return b[2:], nil
		}
	}
	return nil, fmt.Errorf("%w: unexpected reply to 01%02X: %q", ErrAdapter, pid, strings.Join(lines, " "))
}

// Query reads and decodes one parameter.
func (e *ELM327) Query(ctx context.Context, p domain.Parameter) (float64, error) {
	data, err := e.ReadPID(ctx, p.PID)
	if err != nil {
		return 0, err
	}
	return p.Decode(data)
}

// ReadDTCs returns the stored trouble codes (mode 03) of every ECU.
func (e *ELM327) ReadDTCs(ctx context.Context) ([]domain.DTC, error) {
	lines, err := e.Command(ctx, "03")
	if errors.Is(err, ErrNoData) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	frames, err := dtcFrames(lines)
	if err != nil {
		return nil, err
	}
	seen := make(map[domain.DTC]struct{})
	var out []domain.DTC
	for _, f := range frames {
		for _, code := range decodeDTCFrame(f) {
			if _, dup := seen[code]; dup {
				continue
			}
			seen[code] = struct{}{}
			out = append(out, code)
		}
	}
	return out, nil
}

// dtcFrames turns reply lines into mode 43 payloads. Multi-frame CAN replies
// ("00A", "0: 43...", "1: ...") are joined into one payload; otherwise every
// line is the answer of one ECU.
func dtcFrames(lines []string) ([][]byte, error) {
	var (
		frames    [][]byte
		multi     []byte
		multiSeen bool
		multiLen  = -1
	)
	for _, l := range lines {
		if idx, rest, ok := strings.Cut(l, ":"); ok && len(strings.TrimSpace(idx)) <= 2 {
			b, err := decodeHex(strings.TrimSpace(rest))
			if err != nil {
				return nil, fmt.Errorf("%w: bad frame %q", ErrAdapter, l)
			}
			multi = append(multi, b...)
			multiSeen = true
			continue
		}
		// A bare three-digit length header precedes multi-frame replies.
		if len(l) == 3 {
			if n, err := strconv.ParseUint(l, 16, 16); err == nil {
				multiLen = int(n)
			}
			continue
		}
		b, err := decodeHex(l)
		if err != nil {
			return nil, fmt.Errorf("%w: bad reply %q", ErrAdapter, l)
		}
		frames = append(frames, b)
	}
	if multiSeen {
		if multiLen >= 0 && multiLen < len(multi) {
			multi = multi[:multiLen]
		}
		frames = append(frames, multi)
	}
	return frames, nil
}

// decodeDTCFrame decodes one 43 payload. CAN replies carry a count byte after
// the mode, which makes the remainder odd; legacy replies pad with 0000.
func decodeDTCFrame(b []byte) []domain.DTC {
	if len(b) == 0 || b[0] != 0x43 {
		return nil
	}
	data := b[1:]
	if len(data)%2 == 1 {
		count := int(data[0])
		data = data[1:]
		if count*2 < len(data) {
			data = data[:count*2]
		}
	}
	var out []domain.DTC
	for i := 0; i+1 < len(data); i += 2 {
		if data[i] == 0 && data[i+1] == 0 {
			continue
		}
		out = append(out, domain.DecodeDTC(data[i], data[i+1]))
	}
	return out
}

// ClearDTCs issues mode 04, which clears every stored code and the MIL.
func (e *ELM327) ClearDTCs(ctx context.Context) error {
	lines, err := e.Command(ctx, "04")
	if err != nil {
		return err
	}
	for _, l := range lines {
		if b, err := decodeHex(l); err == nil && len(b) > 0 && b[0] == 0x44 {
			return nil
		}
	}
	return fmt.Errorf("%w: unexpected reply to 04: %q", ErrAdapter, strings.Join(lines, " "))
}
