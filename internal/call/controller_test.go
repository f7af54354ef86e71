package call

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/careloop/voicebridge/internal/bridge"
	"github.com/careloop/voicebridge/internal/config"
	"github.com/careloop/voicebridge/internal/engine"
	"github.com/careloop/voicebridge/internal/httpapi"
	"github.com/careloop/voicebridge/internal/observability"
	"github.com/careloop/voicebridge/internal/playback"
	"github.com/careloop/voicebridge/internal/protocol"
	"github.com/careloop/voicebridge/internal/registry"
)

// fakeCapture emits chunks only when the test pushes them.
type fakeCapture struct {
	mu      sync.Mutex
	emit    func([]float32)
	started int
	stopped int
}

func (f *fakeCapture) Start(emit func(samples []float32)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emit = emit
	f.started++
	return nil
}

func (f *fakeCapture) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emit = nil
	f.stopped++
}

func (f *fakeCapture) push(samples []float32) bool {
	f.mu.Lock()
	emit := f.emit
	f.mu.Unlock()
	if emit == nil {
		return false
	}
	emit(samples)
	return true
}

func (f *fakeCapture) stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func newBridgeServer(t *testing.T) (*httptest.Server, *engine.MockDialer) {
	t.Helper()
	cfg := config.Config{SessionTTL: 2 * time.Minute}
	sessions := registry.NewManager(registry.NewMemoryStore(), cfg.SessionTTL)
	dialer := engine.NewMockDialer()
	metrics := observability.NewMetrics("test_call_" + t.Name())
	relay := bridge.NewRelay(sessions, dialer, metrics)
	ts := httptest.NewServer(httpapi.New(cfg, sessions, relay, metrics).Router())
	t.Cleanup(ts.Close)
	return ts, dialer
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestToggleRecordingFromIdleIsNotConnected(t *testing.T) {
	c := NewController("http://127.0.0.1:0", &fakeCapture{}, playback.NewManager(playback.NewBufferSink()))
	if err := c.ToggleRecording(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("ToggleRecording() error = %v, want ErrNotConnected", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("state = %q, want idle", c.State())
	}
}

func TestStartFailureTransitionsToError(t *testing.T) {
	c := NewController("http://127.0.0.1:1", &fakeCapture{}, playback.NewManager(playback.NewBufferSink()))
	err := c.Start(context.Background(), "p", "n", "c")
	if !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("Start() error = %v, want ErrHandshakeFailed", err)
	}
	if c.State() != StateError {
		t.Fatalf("state = %q, want error", c.State())
	}
}

func TestStartIsOnlyValidFromIdle(t *testing.T) {
	ts, _ := newBridgeServer(t)
	capture := &fakeCapture{}
	c := NewController(ts.URL, capture, playback.NewManager(playback.NewBufferSink()))

	if err := c.Start(context.Background(), "p", "n", "c"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.End(context.Background())

	if err := c.Start(context.Background(), "p", "n", "c"); !errors.Is(err, ErrNotIdle) {
		t.Fatalf("second Start() error = %v, want ErrNotIdle", err)
	}
}

func TestEndDuringStartKeepsClosedTerminal(t *testing.T) {
	cfg := config.Config{SessionTTL: 2 * time.Minute}
	sessions := registry.NewManager(registry.NewMemoryStore(), cfg.SessionTTL)
	dialer := engine.NewMockDialer()
	metrics := observability.NewMetrics("test_call_" + t.Name())
	relay := bridge.NewRelay(sessions, dialer, metrics)
	inner := httpapi.New(cfg, sessions, relay, metrics).Router()

	// Hold the create request open so the controller sits in connecting
	// while the session is ended underneath it.
	hold := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/v1/sessions" {
			<-hold
		}
		inner.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	c := NewController(ts.URL, &fakeCapture{}, playback.NewManager(playback.NewBufferSink()))
	startErr := make(chan error, 1)
	go func() { startErr <- c.Start(context.Background(), "p", "n", "c") }()

	waitFor(t, func() bool { return c.State() == StateConnecting }, "state to reach connecting")
	if err := c.End(context.Background()); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if c.State() != StateClosed {
		t.Fatalf("state = %q, want closed", c.State())
	}

	close(hold)
	if err := <-startErr; !errors.Is(err, ErrNotIdle) {
		t.Fatalf("in-flight Start() error = %v, want ErrNotIdle", err)
	}
	if c.State() != StateClosed {
		t.Fatalf("closed is terminal, state = %q after in-flight Start completed", c.State())
	}
	if got := c.Token(); got != "" {
		t.Fatalf("token = %q, want empty after raced start", got)
	}
}

func TestEndDuringFailedStartKeepsClosedTerminal(t *testing.T) {
	hold := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-hold
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(ts.Close)

	c := NewController(ts.URL, &fakeCapture{}, playback.NewManager(playback.NewBufferSink()))
	startErr := make(chan error, 1)
	go func() { startErr <- c.Start(context.Background(), "p", "n", "c") }()

	waitFor(t, func() bool { return c.State() == StateConnecting }, "state to reach connecting")
	if err := c.End(context.Background()); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	close(hold)
	if err := <-startErr; !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("in-flight Start() error = %v, want ErrHandshakeFailed", err)
	}
	if c.State() != StateClosed {
		t.Fatalf("closed is terminal, state = %q after failed in-flight Start", c.State())
	}
}

func TestFullTurnAssemblesTranscriptAndAudio(t *testing.T) {
	ts, dialer := newBridgeServer(t)
	capture := &fakeCapture{}
	sink := playback.NewBufferSink()
	c := NewController(ts.URL, capture, playback.NewManager(sink))

	if err := c.Start(context.Background(), "patient-42", "Ada Byrne", "conv-7"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.End(context.Background())
	if c.State() != StateConnected {
		t.Fatalf("state = %q, want connected", c.State())
	}

	if err := c.ToggleRecording(); err != nil {
		t.Fatalf("ToggleRecording() error = %v", err)
	}
	if !c.Recording() {
		t.Fatalf("Recording() = false after toggle")
	}

	chunk := make([]float32, 4096)
	for i := range chunk {
		chunk[i] = 0.25
	}
	for i := 0; i < 3; i++ {
		if !capture.push(chunk) {
			t.Fatalf("capture not started")
		}
	}

	eng := dialer.Sessions()[0]
	waitFor(t, func() bool { return eng.ReceivedSamples() == 12288 }, "engine to receive 12288 samples")

	if err := c.ToggleRecording(); err != nil {
		t.Fatalf("stop recording error = %v", err)
	}
	if c.Recording() {
		t.Fatalf("Recording() = true after stop")
	}
	waitFor(t, func() bool { return eng.Turns() == 1 }, "end-of-turn signal")

	// The remote transcript line triggers playback of the echoed turn.
	waitFor(t, func() bool { return len(c.Transcript()) == 2 }, "two transcript entries")
	entries := c.Transcript()
	if entries[0].Speaker != protocol.SpeakerLocal || entries[1].Speaker != protocol.SpeakerRemote {
		t.Fatalf("transcript order: %+v", entries)
	}

	waitFor(t, func() bool { return len(sink.Rendered()) == 12288 }, "12288 samples rendered")
}

func TestAbruptDisconnectReturnsToIdle(t *testing.T) {
	ts, _ := newBridgeServer(t)
	capture := &fakeCapture{}
	c := NewController(ts.URL, capture, playback.NewManager(playback.NewBufferSink()))

	if err := c.Start(context.Background(), "p", "n", "c"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.ToggleRecording(); err != nil {
		t.Fatalf("ToggleRecording() error = %v", err)
	}

	stopsBefore := capture.stops()
	// Kill every client connection at the transport level.
	ts.CloseClientConnections()

	waitFor(t, func() bool { return c.State() == StateIdle }, "state to return to idle")
	if c.Recording() {
		t.Fatalf("Recording() = true after transport close")
	}
	if capture.stops() <= stopsBefore {
		t.Fatalf("capture device was not released")
	}

	// Emitting after cleanup must not send anything; the capture gate
	// is down and the connection is gone.
	if capture.push([]float32{0.1}) {
		t.Fatalf("capture still wired after cleanup")
	}
}

func TestEndIsTerminalAndIdempotent(t *testing.T) {
	ts, _ := newBridgeServer(t)
	capture := &fakeCapture{}
	c := NewController(ts.URL, capture, playback.NewManager(playback.NewBufferSink()))

	if err := c.Start(context.Background(), "p", "n", "c"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.ToggleRecording(); err != nil {
		t.Fatalf("ToggleRecording() error = %v", err)
	}

	if err := c.End(context.Background()); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if c.State() != StateClosed {
		t.Fatalf("state = %q, want closed", c.State())
	}
	if len(c.Transcript()) != 0 {
		t.Fatalf("transcript not cleared on end")
	}

	if err := c.End(context.Background()); err != nil {
		t.Fatalf("second End() error = %v", err)
	}
	if c.State() != StateClosed {
		t.Fatalf("closed is terminal, state = %q", c.State())
	}

	if err := c.ToggleRecording(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("ToggleRecording() after End error = %v, want ErrNotConnected", err)
	}
}
