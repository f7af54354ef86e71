// Package engine talks to the remote conversational voice engine. The
// engine is an opaque websocket peer: it accepts PCM16 input frames and
// streams back audio deltas, transcript lines and control events.
package engine

import (
	"context"

	"github.com/careloop/voicebridge/internal/protocol"
	"github.com/careloop/voicebridge/internal/registry"
)

type EventType string

const (
	EventEstablished EventType = "established"
	EventAudio       EventType = "audio"
	EventTranscript  EventType = "transcript"
	EventError       EventType = "error"
)

// Event is one inbound engine message, already decoded: Audio carries
// raw PCM16LE bytes regardless of how the wire encoded them.
type Event struct {
	Type      EventType
	SessionID string
	Audio     []byte
	Speaker   protocol.Speaker
	Text      string
	Timestamp string
	Code      string
	Detail    string
}

// Session is one live engine conversation.
type Session interface {
	// SendAudio forwards one PCM16LE capture chunk immediately.
	SendAudio(ctx context.Context, pcm []byte) error
	// CompleteInput signals end-of-turn. No audio may follow until the
	// next turn starts.
	CompleteInput(ctx context.Context) error
	// Events yields engine messages in arrival order. The channel is
	// closed when the engine connection ends.
	Events() <-chan Event
	Close() error
}

// Dialer opens engine sessions.
type Dialer interface {
	Connect(ctx context.Context, sess *registry.Session) (Session, error)
}
