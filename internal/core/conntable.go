package core

import (
	"log/slog"
	"sync"
	"time"

	"sealroom/server/internal/protocol"
)

const (
	// SinkBuffer is the per-connection outbound queue depth. A slow
	// reader costs at most this many frames plus SendTimeout per
	// overflowing send; anything past that is dropped for them.
	SinkBuffer = 256

	// SendTimeout bounds how long one send may block on a full sink
	// before the frame is dropped for that recipient.
	SendTimeout = 50 * time.Millisecond
)

// Sink is the buffered write endpoint for a single client connection.
// The writer goroutine owns the receive side; Close is idempotent.
type Sink struct {
	ch        chan protocol.ServerMessage
	closeOnce sync.Once
}

// NewSink returns a sink with the standard buffer depth.
func NewSink() *Sink {
	return &Sink{ch: make(chan protocol.ServerMessage, SinkBuffer)}
}

// Out exposes the receive side for the connection's writer goroutine.
func (s *Sink) Out() <-chan protocol.ServerMessage {
	return s.ch
}

// Close releases the writer goroutine. Safe to call more than once and
// concurrently with in-flight sends.
func (s *Sink) Close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// trySend enqueues msg without blocking beyond SendTimeout. Sends on a
// closed sink are absorbed via recover, matching the race window where
// a disconnect closes the channel mid-broadcast.
func (s *Sink) trySend(msg protocol.ServerMessage) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case s.ch <- msg:
		return true
	case <-time.After(SendTimeout):
		slog.Debug("sink send timeout", "type", msg.Type)
		return false
	}
}

// ConnectionTable maps participant ids to their outbound sinks.
type ConnectionTable struct {
	mu    sync.RWMutex
	sinks map[string]*Sink
}

// NewConnectionTable returns an empty table.
func NewConnectionTable() *ConnectionTable {
	return &ConnectionTable{sinks: make(map[string]*Sink)}
}

// Insert registers a sink under participantID.
func (t *ConnectionTable) Insert(participantID string, sink *Sink) {
	t.mu.Lock()
	t.sinks[participantID] = sink
	count := len(t.sinks)
	t.mu.Unlock()

	slog.Debug("connection registered", "participant_id", participantID, "total_connections", count)
}

// Remove unregisters and closes the sink for participantID.
func (t *ConnectionTable) Remove(participantID string) {
	t.mu.Lock()
	sink, ok := t.sinks[participantID]
	delete(t.sinks, participantID)
	count := len(t.sinks)
	t.mu.Unlock()

	if ok {
		sink.Close()
	}
	slog.Debug("connection removed", "participant_id", participantID, "total_connections", count)
}

// Send delivers one message to one participant. Returns false when the
// participant is gone or its sink is full or closed.
func (t *ConnectionTable) Send(participantID string, msg protocol.ServerMessage) bool {
	t.mu.RLock()
	sink, ok := t.sinks[participantID]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	return sink.trySend(msg)
}

// SendEach delivers msg to every listed participant, skipping except.
// Failures for one recipient never affect the others.
func (t *ConnectionTable) SendEach(participantIDs []string, msg protocol.ServerMessage, except string) {
	t.mu.RLock()
	targets := make([]*Sink, 0, len(participantIDs))
	for _, id := range participantIDs {
		if except != "" && id == except {
			continue
		}
		if sink, ok := t.sinks[id]; ok {
			targets = append(targets, sink)
		}
	}
	t.mu.RUnlock()

	sent := 0
	for _, sink := range targets {
		if sink.trySend(msg) {
			sent++
		}
	}
	slog.Debug("fan-out", "type", msg.Type, "recipients", sent, "targets", len(targets))
}

// SendAll delivers msg to every live connection.
func (t *ConnectionTable) SendAll(msg protocol.ServerMessage) {
	t.mu.RLock()
	targets := make([]*Sink, 0, len(t.sinks))
	for _, sink := range t.sinks {
		targets = append(targets, sink)
	}
	t.mu.RUnlock()

	for _, sink := range targets {
		sink.trySend(msg)
	}
}

// Count returns the number of live connections.
func (t *ConnectionTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sinks)
}
