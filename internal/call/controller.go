// Package call drives one voice session from the local participant's
// side: it creates the session, dials the bridge websocket, toggles
// capture, routes engine audio into the playback manager and assembles
// the transcript.
package call

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/careloop/voicebridge/internal/pcm"
	"github.com/careloop/voicebridge/internal/playback"
	"github.com/careloop/voicebridge/internal/protocol"
	"github.com/careloop/voicebridge/internal/registry"
	"github.com/careloop/voicebridge/internal/transcript"
)

// State is the session lifecycle. Recording is an orthogonal flag valid
// only while connected.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateError      State = "error"
	StateClosed     State = "closed"
)

var (
	ErrNotConnected    = errors.New("bridge not connected")
	ErrHandshakeFailed = errors.New("bridge handshake failed")
	ErrNotIdle         = errors.New("session already started")
)

// Controller is one session's state machine. All transitions and
// resource mutations are serialized behind one mutex so ending the
// session is safe concurrently with in-flight capture or playback.
type Controller struct {
	baseURL    string
	httpClient *http.Client
	capture    CaptureSource
	playback   *playback.Manager
	transcript *transcript.Assembler

	mu        sync.Mutex
	state     State
	recording bool
	token     string
	conn      *websocket.Conn
	writeMu   sync.Mutex
	readDone  chan struct{}

	onState func(State)
}

func NewController(baseURL string, capture CaptureSource, pb *playback.Manager) *Controller {
	return &Controller{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		capture:    capture,
		playback:   pb,
		transcript: transcript.NewAssembler(),
		state:      StateIdle,
	}
}

// SetStateHook registers a callback invoked after every state change,
// outside the controller lock.
func (c *Controller) SetStateHook(hook func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = hook
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

func (c *Controller) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Transcript returns the assembled conversation so far.
func (c *Controller) Transcript() []transcript.Entry {
	return c.transcript.Entries()
}

// Start creates a session with the registry and dials the bridge. Only
// valid from idle. The transport-level open gates the connected state;
// the connection_established control event is logged separately.
func (c *Controller) Start(ctx context.Context, subjectID, subjectName, conversationID string) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrNotIdle, c.state)
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	created, err := c.createSession(ctx, registry.CreateRequest{
		SubjectID:      subjectID,
		SubjectName:    subjectName,
		ConversationID: conversationID,
	})
	if err != nil {
		c.failStart(err)
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, created.BridgeAddress+"?token="+created.SessionToken, nil)
	if err != nil {
		c.failStart(err)
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		// End won the race while the dial was in flight; closed stays
		// terminal. Drop the fresh conn and release the session token.
		c.mu.Unlock()
		_ = conn.Close()
		if err := c.endSession(context.WithoutCancel(ctx), created.SessionToken); err != nil {
			log.Printf("call: release raced session: %v", err)
		}
		return fmt.Errorf("%w: session ended during connect", ErrNotIdle)
	}
	c.token = created.SessionToken
	c.conn = conn
	c.readDone = make(chan struct{})
	c.setStateLocked(StateConnected)
	readDone := c.readDone
	c.mu.Unlock()

	go c.readLoop(conn, readDone)
	return nil
}

func (c *Controller) failStart(err error) {
	log.Printf("call: start failed: %v", err)
	c.mu.Lock()
	defer c.mu.Unlock()
	// A concurrent End may already have moved the state on; only an
	// uncontested connecting attempt degrades to error.
	if c.state == StateConnecting {
		c.setStateLocked(StateError)
	}
}

// ToggleRecording starts capture when stopped and stops it when
// running. Outside the connected state it reports ErrNotConnected and
// changes nothing.
func (c *Controller) ToggleRecording() error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrNotConnected, c.state)
	}
	if c.recording {
		c.recording = false
		c.mu.Unlock()
		return c.stopRecording()
	}

	if err := c.capture.Start(c.emitChunk); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", playback.ErrDeviceUnavailable, err)
	}
	c.recording = true
	c.mu.Unlock()
	return nil
}

// stopRecording releases the capture device and signals end-of-turn
// exactly once.
func (c *Controller) stopRecording() error {
	c.capture.Stop()
	if err := c.sendJSON(protocol.AudioInputComplete{Type: protocol.TypeAudioInputComplete}); err != nil {
		return fmt.Errorf("send input complete: %w", err)
	}
	return nil
}

// emitChunk runs on the capture goroutine: encode and send immediately,
// no batching, so end-to-end latency stays bounded.
func (c *Controller) emitChunk(samples []float32) {
	c.mu.Lock()
	ok := c.recording && c.state == StateConnected
	c.mu.Unlock()
	if !ok {
		return
	}
	msg := protocol.AudioInput{Type: protocol.TypeAudioInput, Audio: pcm.EncodePCM16(samples)}
	if err := c.sendJSON(msg); err != nil {
		log.Printf("call: send audio chunk: %v", err)
	}
}

// Play requests rendering of the accumulated engine audio. While a
// render is active the request is dropped by the playback manager.
func (c *Controller) Play() error {
	return c.playback.Play()
}

// Interrupt halts the active render but keeps the accumulation buffer,
// so the interrupted utterance's remaining audio can still be played.
func (c *Controller) Interrupt() {
	c.playback.Stop()
}

// End closes the session from any non-terminal state: stops capture,
// tears down playback, clears the transcript, closes the bridge and
// asks the registry to remove the token. Safe to call concurrently
// with inbound audio.
func (c *Controller) End(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	token := c.token
	conn := c.conn
	readDone := c.readDone
	c.conn = nil
	c.recording = false
	c.setStateLocked(StateClosed)
	c.mu.Unlock()

	c.cleanup(conn, readDone)

	if token != "" {
		if err := c.endSession(ctx, token); err != nil {
			// The registry remove is idempotent; a failed request here
			// leaves only an entry the janitor will expire.
			log.Printf("call: end session request: %v", err)
		}
	}
	return nil
}

func (c *Controller) cleanup(conn *websocket.Conn, readDone chan struct{}) {
	c.capture.Stop()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	// Drain the read loop before tearing playback down so a late frame
	// cannot repopulate a released buffer.
	if readDone != nil {
		<-readDone
	}
	c.playback.Teardown()
	c.transcript.Clear()
}

// readLoop dispatches inbound frames until the transport closes. Any
// close, intentional or abrupt, funnels through handleTransportClose.
func (c *Controller) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			go c.handleTransportClose()
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			c.playback.AddSamples(data)
		case websocket.TextMessage:
			c.handleControl(data)
		}
	}
}

func (c *Controller) handleControl(data []byte) {
	parsed, err := protocol.Parse(data)
	if err != nil {
		// Message-level failures are logged and dropped; the session
		// state does not change.
		if !errors.Is(err, protocol.ErrUnsupportedType) {
			log.Printf("call: dropped malformed control message: %v", err)
		}
		return
	}

	switch msg := parsed.(type) {
	case protocol.AudioDelta:
		decoded, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			log.Printf("call: dropped undecodable audio delta: %v", err)
			return
		}
		c.playback.AddSamples(decoded)
	case protocol.Transcript:
		c.transcript.AppendEvent(msg)
		if msg.Speaker == protocol.SpeakerRemote {
			// The remote line marks the end of the engine's delta
			// stream for this turn; render the accumulated audio.
			if err := c.playback.Play(); err != nil {
				log.Printf("call: playback: %v", err)
			}
		}
	case protocol.ConnectionEstablished:
		log.Printf("call: engine handshake confirmed for session %s", msg.SessionID)
	}
}

// handleTransportClose runs full cleanup and returns the controller to
// idle, whatever caused the close. An explicit End has already moved
// the state to closed and wins.
func (c *Controller) handleTransportClose() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.recording = false
	c.token = ""
	c.mu.Unlock()

	c.capture.Stop()
	c.playback.Teardown()
	c.transcript.Clear()
	if conn != nil {
		_ = conn.Close()
	}

	c.mu.Lock()
	c.setStateLocked(StateIdle)
	c.mu.Unlock()
}

func (c *Controller) sendJSON(msg any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(msg)
}

func (c *Controller) setStateLocked(next State) {
	if c.state == next {
		return
	}
	c.state = next
	if hook := c.onState; hook != nil {
		go hook(next)
	}
}

func (c *Controller) createSession(ctx context.Context, req registry.CreateRequest) (registry.CreateResponse, error) {
	var resp registry.CreateResponse
	body, err := json.Marshal(req)
	if err != nil {
		return resp, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sessions", bytes.NewReader(body))
	if err != nil {
		return resp, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(httpReq)
	if err != nil {
		return resp, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		return resp, fmt.Errorf("create session status %d", res.StatusCode)
	}
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return resp, err
	}
	if resp.SessionToken == "" || resp.BridgeAddress == "" {
		return resp, errors.New("incomplete create session response")
	}
	return resp, nil
}

func (c *Controller) endSession(ctx context.Context, token string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sessions/"+token+"/end", nil)
	if err != nil {
		return err
	}
	res, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("end session status %d", res.StatusCode)
	}
	return nil
}
