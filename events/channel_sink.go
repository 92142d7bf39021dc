package events

import "sync"

// ChannelSink bridges emitters to a consumer over a buffered channel.
// The SSE transport reads Events() while the orchestrator emits; Close
// signals end of stream. Emit after Close is a silent no-op so late
// goroutines cannot panic the stream.
type ChannelSink struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelSink{ch: make(chan Event, buffer)}
}

// Emit enqueues an event. Blocks when the buffer is full, preserving
// ordering rather than dropping.
func (s *ChannelSink) Emit(event Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	// Hold the lock across the send so Close cannot run between the
	// closed check and the send.
	defer s.mu.Unlock()
	s.ch <- event
}

// Events returns the receive side of the stream. The channel is closed
// after Close, letting consumers range over it.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Close ends the stream. Idempotent.
func (s *ChannelSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
