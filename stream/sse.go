// Package stream emits server-sent events for a run.
package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/xiaot623/assist/domain"
)

// reconnectDelayMS is advertised to clients at stream start.
const reconnectDelayMS = 10000

// Sink receives run events. The agent loop emits through a Sink so it
// can run with or without a connected client.
type Sink interface {
	Send(eventType domain.EventType, data interface{}) error
}

// Nop is a Sink that discards all events.
type Nop struct{}

// Send discards the event.
func (Nop) Send(domain.EventType, interface{}) error { return nil }

// Stream writes server-sent events to an HTTP response. Event ids are
// strictly increasing from 1.
type Stream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	runID   string
	seq     int64
	closed  bool
}

// New prepares an SSE stream on the response and writes the retry
// directive.
func New(w http.ResponseWriter, runID string) (*Stream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", reconnectDelayMS); err != nil {
		return nil, err
	}
	flusher.Flush()

	return &Stream{w: w, flusher: flusher, runID: runID}, nil
}

// Close marks the stream as gone. Later Sends are silently dropped so
// a run outliving its client never writes to a dead connection.
func (s *Stream) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Send writes one event frame and flushes it. Sending on a closed
// stream is a no-op.
func (s *Stream) Send(eventType domain.EventType, data interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.seq++
	event := domain.Event{
		Seq:       s.seq,
		Type:      eventType,
		RunID:     s.runID,
		Timestamp: time.Now(),
	}
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode event data: %w", err)
		}
		event.Data = encoded
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", s.seq, eventType, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Seq reports the id of the last event sent.
func (s *Stream) Seq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Heartbeat sends a heartbeat event.
func (s *Stream) Heartbeat() error {
	return s.Send(domain.EventHeartbeat, nil)
}

// Recorder is a Sink that captures events in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	seq    int64
	Events []domain.Event
}

// Send records the event.
func (r *Recorder) Send(eventType domain.EventType, data interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	event := domain.Event{
		Seq:       r.seq,
		Type:      eventType,
		Timestamp: time.Now(),
	}
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return err
		}
		event.Data = encoded
	}
	r.Events = append(r.Events, event)
	return nil
}

// Types lists the recorded event types in order.
func (r *Recorder) Types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()

	types := make([]domain.EventType, len(r.Events))
	for i, e := range r.Events {
		types[i] = e.Type
	}
	return types
}
