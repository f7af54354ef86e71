package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/careloop/voicebridge/internal/protocol"
	"github.com/careloop/voicebridge/internal/registry"
)

type WebsocketConfig struct {
	BaseURL string
	APIKey  string
}

// WebsocketDialer connects to a realtime voice engine over websocket.
type WebsocketDialer struct {
	cfg WebsocketConfig
}

func NewWebsocketDialer(cfg WebsocketConfig) *WebsocketDialer {
	return &WebsocketDialer{cfg: cfg}
}

func (d *WebsocketDialer) Connect(ctx context.Context, sess *registry.Session) (Session, error) {
	u, err := url.Parse(strings.TrimRight(d.cfg.BaseURL, "/") + "/v1/realtime")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("conversation_id", sess.ConversationID)
	q.Set("subject_id", sess.SubjectID)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	if d.cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+d.cfg.APIKey)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("dial engine websocket: %w", err)
	}

	s := &wsSession{
		conn:     conn,
		events:   make(chan Event, 256),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

type wsSession struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan Event
	done      chan struct{}
	readDone  chan struct{}
}

func (s *wsSession) SendAudio(_ context.Context, pcm []byte) error {
	return s.writeJSON(protocol.AudioInput{Type: protocol.TypeAudioInput, Audio: pcm})
}

func (s *wsSession) CompleteInput(_ context.Context) error {
	return s.writeJSON(protocol.AudioInputComplete{Type: protocol.TypeAudioInputComplete})
}

func (s *wsSession) Events() <-chan Event { return s.events }

// Close shuts the connection down and waits for the read loop to exit.
// Only the read loop closes the events channel, so a consumer that
// stopped draining cannot race a close against a buffered send.
func (s *wsSession) Close() error {
	s.shutdown()
	<-s.readDone
	return nil
}

func (s *wsSession) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *wsSession) writeJSON(payload any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(payload)
}

func (s *wsSession) readLoop() {
	defer close(s.readDone)
	defer close(s.events)
	defer s.shutdown()
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType == websocket.BinaryMessage {
			if !s.emit(Event{Type: EventAudio, Audio: data}) {
				return
			}
			continue
		}

		parsed, err := protocol.Parse(data)
		if err != nil {
			// Unknown or malformed engine messages are dropped; the
			// conversation continues.
			continue
		}
		var ev Event
		switch msg := parsed.(type) {
		case protocol.AudioDelta:
			decoded, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				continue
			}
			ev = Event{Type: EventAudio, Audio: decoded}
		case protocol.Transcript:
			ev = Event{
				Type:      EventTranscript,
				Speaker:   msg.Speaker,
				Text:      msg.Text,
				Timestamp: msg.Timestamp,
			}
		case protocol.ConnectionEstablished:
			ev = Event{Type: EventEstablished, SessionID: msg.SessionID}
		default:
			continue
		}
		if !s.emit(ev) {
			return
		}
	}
}

// emit delivers an event unless the session is shutting down. Blocking
// here when the buffer is full is fine; Close unblocks it via done.
func (s *wsSession) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}
