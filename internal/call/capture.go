package call

import (
	"sync"
	"time"
)

// CaptureSource is the physical input boundary: it produces chunks of
// normalized mono float samples and owns the underlying device. Start
// may fail when the device cannot be acquired; emit is called from the
// capture goroutine until Stop returns.
type CaptureSource interface {
	Start(emit func(samples []float32)) error
	Stop()
}

// TickerCapture replays a fixed sample buffer in fixed-size chunks on a
// timer, standing in for a microphone on headless targets. The
// callprobe driver feeds it WAV file contents; tests feed it synthetic
// tones.
type TickerCapture struct {
	samples   []float32
	chunkSize int
	interval  time.Duration

	mu      sync.Mutex
	stop    chan struct{}
	stopped sync.WaitGroup
}

func NewTickerCapture(samples []float32, chunkSize int, interval time.Duration) *TickerCapture {
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	return &TickerCapture{samples: samples, chunkSize: chunkSize, interval: interval}
}

func (c *TickerCapture) Start(emit func(samples []float32)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return nil
	}
	stop := make(chan struct{})
	c.stop = stop
	c.stopped.Add(1)

	go func() {
		defer c.stopped.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		offset := 0
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if offset >= len(c.samples) {
					// Loop the buffer so long recordings keep flowing.
					offset = 0
				}
				end := offset + c.chunkSize
				if end > len(c.samples) {
					end = len(c.samples)
				}
				if end > offset {
					emit(c.samples[offset:end])
				}
				offset = end
			}
		}
	}()
	return nil
}

func (c *TickerCapture) Stop() {
	c.mu.Lock()
	stop := c.stop
	c.stop = nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
		c.stopped.Wait()
	}
}
