package playback

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/careloop/voicebridge/internal/pcm"
)

var ErrDeviceUnavailable = errors.New("audio output device unavailable")

// RenderSink is the physical output boundary: it consumes one
// contiguous float buffer per render and reports completion through the
// supplied callback. The callback must be invoked asynchronously (from
// the render goroutine), never from inside Render itself.
type RenderSink interface {
	// Start acquires or resumes the output device. Idempotent.
	Start() error
	// Render begins playing samples as one contiguous buffer.
	Render(samples []float32, done func()) error
	// Stop halts any active render. The done callback of a stopped
	// render may still fire and is ignored by the manager.
	Stop()
	// Close releases the device entirely.
	Close() error
}

// Manager is the single authority for audio output on one device. It
// accumulates streamed chunks and enforces at most one active render:
// a Play request while a render is active is dropped, never queued and
// never overlapped.
//
// Stop preserves the accumulation buffer so an interrupted utterance's
// partial audio can still be rendered by a later Play; StopAndClear is
// the teardown variant that discards it.
type Manager struct {
	mu          sync.Mutex
	sink        RenderSink
	samples     []float32
	playing     bool
	initialized bool
	generation  uint64

	onEvent func(event string)
}

func NewManager(sink RenderSink) *Manager {
	return &Manager{sink: sink}
}

// SetEventHook registers a callback for playback lifecycle events
// (started, completed, dropped, stopped), used for metrics.
func (m *Manager) SetEventHook(hook func(event string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvent = hook
}

// Initialize idempotently acquires the output device.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initializeLocked()
}

func (m *Manager) initializeLocked() error {
	if m.initialized {
		return nil
	}
	if err := m.sink.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	m.initialized = true
	return nil
}

// AddSamples decodes a PCM16LE chunk and appends it to the accumulation
// buffer. It never starts playback and is safe to call repeatedly while
// a previous render is pending or active.
func (m *Manager) AddSamples(pcmChunk []byte) {
	samples := pcm.DecodePCM16(pcmChunk)
	if len(samples) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, samples...)
}

// Play renders the entire current accumulation as one contiguous
// buffer. While a render is active the call is a logged drop, not an
// error. A failed render start leaves the accumulation intact and the
// playing flag clear so a later Play is not permanently blocked.
func (m *Manager) Play() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.playing {
		log.Printf("playback: drop Play request, a render is already active")
		m.emitLocked("dropped")
		return nil
	}
	if len(m.samples) == 0 {
		return nil
	}
	if err := m.initializeLocked(); err != nil {
		return err
	}

	buf := make([]float32, len(m.samples))
	copy(buf, m.samples)

	m.generation++
	gen := m.generation
	if err := m.sink.Render(buf, func() { m.renderDone(gen) }); err != nil {
		return fmt.Errorf("render start: %w", err)
	}

	// Clear only after the render start succeeded.
	m.playing = true
	m.samples = m.samples[:0]
	m.emitLocked("started")
	return nil
}

func (m *Manager) renderDone(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// A completion from a render that Stop already aborted is stale.
	if gen != m.generation || !m.playing {
		return
	}
	m.playing = false
	m.emitLocked("completed")
}

// Stop halts any active render and clears the playing flag. The
// accumulation buffer is preserved (stop-for-interrupt).
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

// StopAndClear halts any active render and drops the accumulation
// buffer (stop-for-teardown).
func (m *Manager) StopAndClear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
	m.samples = nil
}

func (m *Manager) stopLocked() {
	if !m.playing {
		return
	}
	m.sink.Stop()
	m.playing = false
	m.generation++
	m.emitLocked("stopped")
}

// Teardown stops, clears and releases the output device. A subsequent
// Play requires re-initialization, which Play performs itself.
func (m *Manager) Teardown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
	m.samples = nil
	if m.initialized {
		_ = m.sink.Close()
		m.initialized = false
	}
}

// Playing reports whether a render is currently active.
func (m *Manager) Playing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playing
}

// Pending returns the number of accumulated, not yet rendered samples.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples)
}

func (m *Manager) emitLocked(event string) {
	if m.onEvent != nil {
		m.onEvent(event)
	}
}
