package playback

import "sync"

// BufferSink collects rendered audio in memory and completes each
// render immediately. It backs headless targets (the callprobe driver
// dumps its contents to a WAV file) and stands in for a hardware device
// in tests.
type BufferSink struct {
	mu       sync.Mutex
	started  bool
	closed   bool
	rendered []float32
	renders  int
}

func NewBufferSink() *BufferSink {
	return &BufferSink{}
}

func (s *BufferSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	s.closed = false
	return nil
}

func (s *BufferSink) Render(samples []float32, done func()) error {
	s.mu.Lock()
	s.rendered = append(s.rendered, samples...)
	s.renders++
	s.mu.Unlock()
	go done()
	return nil
}

func (s *BufferSink) Stop() {}

func (s *BufferSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	s.closed = true
	return nil
}

// Rendered returns a copy of every sample rendered so far.
func (s *BufferSink) Rendered() []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float32, len(s.rendered))
	copy(out, s.rendered)
	return out
}

// Renders returns how many render starts the sink has seen.
func (s *BufferSink) Renders() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renders
}
