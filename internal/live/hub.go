// Package live fans accepted telemetry out to websocket subscribers.
package live

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"obddash/pkg/domain"
)

// ErrClosed is returned by Serve once the hub is closed.
var ErrClosed = errors.New("live: hub closed")

// Message types sent to subscribers.
const (
	MessageSnapshot = "snapshot"
	MessageReadings = "readings"
)

// Message is the JSON frame written to subscribers.
type Message struct {
	Type      string           `json:"type"`
	VehicleID string           `json:"vehicle_id"`
	Readings  []domain.Reading `json:"readings"`
}

// Option configures a Hub.
type Option func(*Hub)

// WithBufferSize sets the per-subscriber send buffer, in messages.
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// WithPingInterval sets how often idle connections are pinged. The read
// deadline is extended by twice the interval on every pong.
func WithPingInterval(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

// WithCheckOrigin replaces the same-origin check of the upgrader.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(h *Hub) { h.upgrader.CheckOrigin = fn }
}

// Hub tracks subscribers per vehicle. It implements core.ReadingSink.
type Hub struct {
	log          *zap.Logger
	upgrader     websocket.Upgrader
	bufferSize   int
	pingInterval time.Duration
	writeWait    time.Duration

	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	closed bool
	wg     sync.WaitGroup
}

type subscriber struct {
	vehicleID string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	once      sync.Once
}

func (s *subscriber) stop() { s.once.Do(func() { close(s.done) }) }

// NewHub returns a hub with a 64 message buffer and 30s pings.
func NewHub(log *zap.Logger, opts ...Option) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{
		log:          log.With(zap.String("component", "live")),
		upgrader:     websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096},
		bufferSize:   64,
		pingInterval: 30 * time.Second,
		writeWait:    10 * time.Second,
		subs:         make(map[string]map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve upgrades the request and streams readings of vehicleID until the
// client goes away or the hub closes. snapshot is sent before any live frame.
// ErrClosed is only returned while the response can still carry a status.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, vehicleID string, snapshot []domain.Reading) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return ErrClosed
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		return err
	}
	first, err := json.Marshal(Message{Type: MessageSnapshot, VehicleID: vehicleID, Readings: nonNil(snapshot)})
	if err != nil {
		_ = conn.Close()
		return err
	}
	sub := &subscriber{
		vehicleID: vehicleID,
		conn:      conn,
		send:      make(chan []byte, h.bufferSize+1),
		done:      make(chan struct{}),
	}
	sub.send <- first
	if !h.register(sub) {
		// Closed during the handshake. The response is hijacked by now, so
		// the client hears about it through a close frame instead.
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(h.writeWait))
		_ = conn.Close()
		h.log.Debug("hub closed during upgrade", zap.String("vehicle_id", vehicleID))
		return nil
	}
	h.wg.Add(2)
	go h.writePump(sub)
	go h.readPump(sub)
	h.log.Debug("subscriber connected", zap.String("vehicle_id", vehicleID))
	return nil
}

func (h *Hub) register(sub *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.subs[sub.vehicleID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[sub.vehicleID] = set
	}
	set[sub] = struct{}{}
	return true
}

func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	if set, ok := h.subs[sub.vehicleID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.vehicleID)
		}
	}
	h.mu.Unlock()
	sub.stop()
}

// PublishReadings sends a batch to every subscriber of the vehicle. A
// subscriber whose buffer is full is disconnected; ingestion never waits.
func (h *Hub) PublishReadings(v domain.Vehicle, readings []domain.Reading) {
	if len(readings) == 0 {
		return
	}
	payload, err := json.Marshal(Message{Type: MessageReadings, VehicleID: v.ID, Readings: readings})
	if err != nil {
		h.log.Error("encode live frame", zap.Error(err))
		return
	}
	var slow []*subscriber
	h.mu.Lock()
	for sub := range h.subs[v.ID] {
		select {
		case sub.send <- payload:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.Unlock()
	for _, sub := range slow {
		h.log.Warn("dropping slow subscriber", zap.String("vehicle_id", v.ID))
		h.unregister(sub)
	}
}

// Subscribers counts the live subscribers of a vehicle.
func (h *Hub) Subscribers(vehicleID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[vehicleID])
}

// Close disconnects every subscriber and waits for their goroutines.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*subscriber
	for _, set := range h.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	h.subs = make(map[string]map[*subscriber]struct{})
	h.mu.Unlock()
	for _, sub := range all {
		sub.stop()
	}
	h.wg.Wait()
}

func (h *Hub) writePump(sub *subscriber) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		_ = sub.conn.Close()
	}()
	for {
		select {
		case <-sub.done:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			_ = sub.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case msg := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.unregister(sub)
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister(sub)
				return
			}
		}
	}
}

// readPump drains client frames so pongs and close frames are processed.
func (h *Hub) readPump(sub *subscriber) {
	defer h.wg.Done()
	defer h.unregister(sub)
	pongWait := 2 * h.pingInterval
	sub.conn.SetReadLimit(4096)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func nonNil(r []domain.Reading) []domain.Reading {
	if r == nil {
		return []domain.Reading{}
	}
	return r
}
