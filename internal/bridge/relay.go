// Package bridge relays one client websocket to one remote engine
// session: capture audio and end-of-turn signals flow up, audio deltas,
// transcript lines and control events flow back down.
package bridge

import (
	"context"
	"fmt"
	"log"

	"github.com/careloop/voicebridge/internal/engine"
	"github.com/careloop/voicebridge/internal/observability"
	"github.com/careloop/voicebridge/internal/protocol"
	"github.com/careloop/voicebridge/internal/registry"
)

// BinaryFrame marks an outbound payload as a raw PCM16 websocket binary
// frame rather than a JSON control message.
type BinaryFrame []byte

type Relay struct {
	registry *registry.Manager
	dialer   engine.Dialer
	metrics  *observability.Metrics
}

func NewRelay(reg *registry.Manager, dialer engine.Dialer, metrics *observability.Metrics) *Relay {
	return &Relay{registry: reg, dialer: dialer, metrics: metrics}
}

// Run drives one session: it opens the engine connection and relays
// messages in both directions until the context is cancelled, the
// client channel closes, or the engine closes. On every exit path the
// engine session is closed and the registry entry removed; abrupt
// client disconnects and explicit end requests converge here.
func (r *Relay) Run(ctx context.Context, sess *registry.Session, inbound <-chan any, outbound chan<- any) error {
	eng, err := r.dialer.Connect(ctx, sess)
	if err != nil {
		r.metrics.EngineErrors.WithLabelValues("connect").Inc()
		_ = r.registry.Remove(context.WithoutCancel(ctx), sess.Token)
		return fmt.Errorf("connect engine: %w", err)
	}

	defer func() {
		_ = eng.Close()
		_ = r.registry.Remove(context.WithoutCancel(ctx), sess.Token)
	}()

	engineEvents := eng.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			if err := r.handleClient(ctx, sess, eng, msg); err != nil {
				return err
			}

		case ev, ok := <-engineEvents:
			if !ok {
				// Engine hung up; the client connection ends with it.
				return nil
			}
			if err := r.handleEngine(ctx, sess, ev, outbound); err != nil {
				return err
			}
		}
	}
}

func (r *Relay) handleClient(ctx context.Context, sess *registry.Session, eng engine.Session, msg any) error {
	switch m := msg.(type) {
	case protocol.AudioInput:
		if len(m.Audio) == 0 {
			return nil
		}
		r.metrics.AudioFrames.WithLabelValues("inbound").Inc()
		if err := eng.SendAudio(ctx, m.Audio); err != nil {
			r.metrics.EngineErrors.WithLabelValues("send_audio").Inc()
			return fmt.Errorf("forward audio: %w", err)
		}
		_ = r.registry.Touch(ctx, sess.Token)
	case protocol.AudioInputComplete:
		if err := eng.CompleteInput(ctx); err != nil {
			r.metrics.EngineErrors.WithLabelValues("complete_input").Inc()
			return fmt.Errorf("forward input complete: %w", err)
		}
		_ = r.registry.Touch(ctx, sess.Token)
	default:
		// Tags a client should not send are dropped, not fatal.
		log.Printf("bridge: session %s dropped unexpected client message %T", sess.Token, msg)
	}
	return nil
}

func (r *Relay) handleEngine(ctx context.Context, sess *registry.Session, ev engine.Event, outbound chan<- any) error {
	switch ev.Type {
	case engine.EventEstablished:
		if err := r.registry.Activate(ctx, sess.Token); err != nil {
			log.Printf("bridge: session %s activate failed: %v", sess.Token, err)
		}
		r.metrics.SessionEvents.WithLabelValues("engine_established").Inc()
		return r.send(ctx, outbound, protocol.ConnectionEstablished{
			Type:      protocol.TypeConnectionEstablished,
			SessionID: sess.Token,
		})
	case engine.EventAudio:
		r.metrics.AudioFrames.WithLabelValues("outbound").Inc()
		return r.send(ctx, outbound, BinaryFrame(ev.Audio))
	case engine.EventTranscript:
		return r.send(ctx, outbound, protocol.Transcript{
			Type:      protocol.TypeTranscript,
			Speaker:   ev.Speaker,
			Text:      ev.Text,
			Timestamp: ev.Timestamp,
		})
	case engine.EventError:
		r.metrics.EngineErrors.WithLabelValues(ev.Code).Inc()
		log.Printf("bridge: session %s engine error %s: %s", sess.Token, ev.Code, ev.Detail)
	}
	return nil
}

func (r *Relay) send(ctx context.Context, outbound chan<- any, msg any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case outbound <- msg:
		return nil
	}
}
