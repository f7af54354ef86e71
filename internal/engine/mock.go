package engine

import (
	"context"
	"sync"
	"time"

	"github.com/careloop/voicebridge/internal/protocol"
	"github.com/careloop/voicebridge/internal/registry"
)

// MockDialer is a local fallback engine used when no engine URL is
// configured, and the test double for the bridge. Each turn it echoes
// the accumulated input audio back as deltas and emits a canned
// transcript exchange.
type MockDialer struct {
	mu       sync.Mutex
	sessions []*MockSession
}

func NewMockDialer() *MockDialer {
	return &MockDialer{}
}

func (d *MockDialer) Connect(_ context.Context, sess *registry.Session) (Session, error) {
	s := &MockSession{
		token:  sess.Token,
		events: make(chan Event, 256),
	}
	s.events <- Event{Type: EventEstablished, SessionID: sess.Token}
	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()
	return s, nil
}

// Sessions returns every session the dialer has opened, most recent
// last. Test hook.
func (d *MockDialer) Sessions() []*MockSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*MockSession, len(d.sessions))
	copy(out, d.sessions)
	return out
}

type MockSession struct {
	mu      sync.Mutex
	token   string
	pending []byte
	total   int
	turns   int
	closed  bool
	events  chan Event
}

func (s *MockSession) SendAudio(_ context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.pending = append(s.pending, pcm...)
	s.total += len(pcm) / 2
	return nil
}

func (s *MockSession) CompleteInput(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.turns++
	ts := time.Now().UTC().Format(time.RFC3339)
	s.events <- Event{Type: EventTranscript, Speaker: protocol.SpeakerLocal, Text: "(simulated caller utterance)", Timestamp: ts}
	if len(s.pending) > 0 {
		echo := make([]byte, len(s.pending))
		copy(echo, s.pending)
		s.pending = nil
		s.events <- Event{Type: EventAudio, Audio: echo}
	}
	s.events <- Event{Type: EventTranscript, Speaker: protocol.SpeakerRemote, Text: "Thank you, I heard you.", Timestamp: ts}
	return nil
}

func (s *MockSession) Events() <-chan Event { return s.events }

func (s *MockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

// ReceivedSamples returns the total PCM16 sample count sent to the
// engine across all turns. Test hook.
func (s *MockSession) ReceivedSamples() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Turns returns how many end-of-input signals the session has seen.
// Test hook.
func (s *MockSession) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}
