package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/careloop/voicebridge/internal/engine"
	"github.com/careloop/voicebridge/internal/observability"
	"github.com/careloop/voicebridge/internal/pcm"
	"github.com/careloop/voicebridge/internal/protocol"
	"github.com/careloop/voicebridge/internal/registry"
)

func newTestRelay(t *testing.T) (*Relay, *registry.Manager, *engine.MockDialer) {
	t.Helper()
	reg := registry.NewManager(registry.NewMemoryStore(), time.Minute)
	dialer := engine.NewMockDialer()
	metrics := observability.NewMetrics("test_bridge_" + t.Name())
	return NewRelay(reg, dialer, metrics), reg, dialer
}

func startRelay(t *testing.T, r *Relay, sess *registry.Session) (chan any, chan any, chan error, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	inbound := make(chan any, 64)
	outbound := make(chan any, 64)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, sess, inbound, outbound) }()
	return inbound, outbound, done, cancel
}

func TestRelayActivatesSessionOnEstablished(t *testing.T) {
	r, reg, _ := newTestRelay(t)
	ctx := context.Background()
	sess, _ := reg.Create(ctx, "p", "n", "c")

	inbound, outbound, done, cancel := startRelay(t, r, sess)
	defer cancel()

	select {
	case msg := <-outbound:
		est, ok := msg.(protocol.ConnectionEstablished)
		if !ok {
			t.Fatalf("first outbound = %T, want ConnectionEstablished", msg)
		}
		if est.SessionID != sess.Token {
			t.Fatalf("session id = %s, want %s", est.SessionID, sess.Token)
		}
	case <-time.After(time.Second):
		t.Fatalf("no connection_established forwarded")
	}

	got, err := reg.Get(ctx, sess.Token)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != registry.StatusActive {
		t.Fatalf("status = %q, want %q", got.Status, registry.StatusActive)
	}

	close(inbound)
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestRelayAccumulatesThreeChunksBeforeRender(t *testing.T) {
	r, reg, dialer := newTestRelay(t)
	ctx := context.Background()
	sess, _ := reg.Create(ctx, "p", "n", "c")

	inbound, outbound, done, cancel := startRelay(t, r, sess)
	defer cancel()
	<-outbound // connection_established

	chunk := pcm.EncodePCM16(make([]float32, 4096))
	for i := 0; i < 3; i++ {
		inbound <- protocol.AudioInput{Type: protocol.TypeAudioInput, Audio: chunk}
	}
	inbound <- protocol.AudioInputComplete{Type: protocol.TypeAudioInputComplete}

	// End of turn echoes the accumulated audio back.
	var echoed []byte
	deadline := time.After(time.Second)
	for echoed == nil {
		select {
		case msg := <-outbound:
			if frame, ok := msg.(BinaryFrame); ok {
				echoed = frame
			}
		case <-deadline:
			t.Fatalf("no audio frame relayed back")
		}
	}

	eng := dialer.Sessions()[0]
	if got := eng.ReceivedSamples(); got != 12288 {
		t.Fatalf("engine received %d samples, want 12288", got)
	}
	if len(echoed)/2 != 12288 {
		t.Fatalf("echoed %d samples, want 12288", len(echoed)/2)
	}
	if eng.Turns() != 1 {
		t.Fatalf("turns = %d, want 1", eng.Turns())
	}

	close(inbound)
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestRelayForwardsTranscriptsInOrder(t *testing.T) {
	r, reg, _ := newTestRelay(t)
	ctx := context.Background()
	sess, _ := reg.Create(ctx, "p", "n", "c")

	inbound, outbound, done, cancel := startRelay(t, r, sess)
	defer cancel()
	<-outbound

	inbound <- protocol.AudioInput{Type: protocol.TypeAudioInput, Audio: pcm.EncodePCM16([]float32{0.1, 0.2})}
	inbound <- protocol.AudioInputComplete{Type: protocol.TypeAudioInputComplete}

	var transcripts []protocol.Transcript
	deadline := time.After(time.Second)
	for len(transcripts) < 2 {
		select {
		case msg := <-outbound:
			if tr, ok := msg.(protocol.Transcript); ok {
				transcripts = append(transcripts, tr)
			}
		case <-deadline:
			t.Fatalf("got %d transcripts, want 2", len(transcripts))
		}
	}
	if transcripts[0].Speaker != protocol.SpeakerLocal {
		t.Fatalf("first transcript speaker = %q, want local", transcripts[0].Speaker)
	}
	if transcripts[1].Speaker != protocol.SpeakerRemote {
		t.Fatalf("second transcript speaker = %q, want remote", transcripts[1].Speaker)
	}

	close(inbound)
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestRelayRemovesSessionOnClientDisconnect(t *testing.T) {
	r, reg, dialer := newTestRelay(t)
	ctx := context.Background()
	sess, _ := reg.Create(ctx, "p", "n", "c")

	inbound, outbound, done, cancel := startRelay(t, r, sess)
	defer cancel()
	<-outbound

	// The read loop closes inbound when the client drops abruptly.
	close(inbound)
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if _, err := reg.Get(ctx, sess.Token); err != registry.ErrNotFound {
		t.Fatalf("session still registered after disconnect, err = %v", err)
	}

	// A racing explicit end request is still a no-op.
	if err := reg.Remove(ctx, sess.Token); err != nil {
		t.Fatalf("Remove() after disconnect error = %v", err)
	}

	eng := dialer.Sessions()[0]
	if err := eng.SendAudio(ctx, []byte{0, 0}); err != nil {
		t.Fatalf("closed engine session should swallow writes, err = %v", err)
	}
}

func TestRelayDropsUnexpectedClientMessages(t *testing.T) {
	r, reg, _ := newTestRelay(t)
	ctx := context.Background()
	sess, _ := reg.Create(ctx, "p", "n", "c")

	inbound, outbound, done, cancel := startRelay(t, r, sess)
	defer cancel()
	<-outbound

	// A client echoing server-side tags back must not kill the session.
	inbound <- protocol.AudioDelta{Type: protocol.TypeAudioDelta, Audio: "AAAA"}
	inbound <- protocol.AudioInput{Type: protocol.TypeAudioInput, Audio: pcm.EncodePCM16([]float32{0.5})}
	inbound <- protocol.AudioInputComplete{Type: protocol.TypeAudioInputComplete}

	deadline := time.After(time.Second)
	for {
		select {
		case msg := <-outbound:
			if _, ok := msg.(BinaryFrame); ok {
				close(inbound)
				if err := <-done; err != nil {
					t.Fatalf("Run() error = %v", err)
				}
				return
			}
		case <-deadline:
			t.Fatalf("session did not survive unexpected message")
		}
	}
}
