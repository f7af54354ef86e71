// callprobe drives one synthetic voice session against a running
// voicebridge server: it records a generated tone for a while, ends the
// turn, waits for the engine's reply, then prints the transcript and
// optionally dumps the rendered audio to a WAV file.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/careloop/voicebridge/internal/call"
	"github.com/careloop/voicebridge/internal/pcm"
	"github.com/careloop/voicebridge/internal/playback"
)

type options struct {
	baseURL        string
	subjectID      string
	subjectName    string
	conversationID string
	recordFor      time.Duration
	replyWait      time.Duration
	sampleRate     int
	toneHz         float64
	wavOut         string
	verbose        bool
}

func main() {
	cfg := parseFlags()
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "callprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() options {
	var cfg options
	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "voicebridge base URL")
	flag.StringVar(&cfg.subjectID, "subject-id", "probe-subject", "subjectId for the synthetic session")
	flag.StringVar(&cfg.subjectName, "subject-name", "Probe", "subjectName for the synthetic session")
	flag.StringVar(&cfg.conversationID, "conversation-id", "probe-conversation", "conversationId for the synthetic session")
	flag.DurationVar(&cfg.recordFor, "record-for", 2*time.Second, "how long to stream capture audio")
	flag.DurationVar(&cfg.replyWait, "reply-wait", 5*time.Second, "how long to wait for the engine reply")
	flag.IntVar(&cfg.sampleRate, "sample-rate", 16000, "capture sample rate")
	flag.Float64Var(&cfg.toneHz, "tone-hz", 440, "frequency of the generated capture tone")
	flag.StringVar(&cfg.wavOut, "wav-out", "", "optional path for a WAV dump of the rendered reply")
	flag.BoolVar(&cfg.verbose, "v", false, "verbose state logging")
	flag.Parse()
	return cfg
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.recordFor+cfg.replyWait+15*time.Second)
	defer cancel()

	capture := call.NewTickerCapture(tone(cfg), 4096, 20*time.Millisecond)
	sink := playback.NewBufferSink()
	pb := playback.NewManager(sink)
	controller := call.NewController(cfg.baseURL, capture, pb)
	if cfg.verbose {
		controller.SetStateHook(func(s call.State) {
			fmt.Printf("state: %s\n", s)
		})
		pb.SetEventHook(func(event string) {
			fmt.Printf("playback: %s\n", event)
		})
	}

	if err := controller.Start(ctx, cfg.subjectID, cfg.subjectName, cfg.conversationID); err != nil {
		return err
	}
	defer controller.End(context.Background())
	fmt.Printf("session %s connected\n", controller.Token())

	if err := controller.ToggleRecording(); err != nil {
		return err
	}
	time.Sleep(cfg.recordFor)
	if err := controller.ToggleRecording(); err != nil {
		return err
	}

	deadline := time.Now().Add(cfg.replyWait)
	for time.Now().Before(deadline) && len(controller.Transcript()) < 2 {
		time.Sleep(50 * time.Millisecond)
	}

	entries := controller.Transcript()
	if len(entries) == 0 {
		return fmt.Errorf("no transcript received within %s", cfg.replyWait)
	}
	for _, e := range entries {
		fmt.Printf("[%s] %s\n", e.Speaker, e.Text)
	}

	// Let the render drain before sampling the sink.
	for time.Now().Before(deadline) && controller.State() == call.StateConnected && len(sink.Rendered()) == 0 {
		time.Sleep(50 * time.Millisecond)
	}
	rendered := sink.Rendered()
	fmt.Printf("rendered %d samples (%.2fs at %d Hz)\n",
		len(rendered), float64(len(rendered))/float64(cfg.sampleRate), cfg.sampleRate)

	if cfg.wavOut != "" && len(rendered) > 0 {
		if err := pcm.WriteWAVFloat32File(cfg.wavOut, rendered, cfg.sampleRate); err != nil {
			return fmt.Errorf("write wav: %w", err)
		}
		fmt.Printf("wrote %s\n", cfg.wavOut)
	}
	return nil
}

// tone generates one second of a sine tone; the capture source loops it.
func tone(cfg options) []float32 {
	samples := make([]float32, cfg.sampleRate)
	for i := range samples {
		samples[i] = float32(0.4 * math.Sin(2*math.Pi*cfg.toneHz*float64(i)/float64(cfg.sampleRate)))
	}
	return samples
}
