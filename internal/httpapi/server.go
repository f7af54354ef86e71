package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/careloop/voicebridge/internal/bridge"
	"github.com/careloop/voicebridge/internal/config"
	"github.com/careloop/voicebridge/internal/observability"
	"github.com/careloop/voicebridge/internal/protocol"
	"github.com/careloop/voicebridge/internal/registry"
)

type Server struct {
	cfg      config.Config
	sessions *registry.Manager
	relay    *bridge.Relay
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *registry.Manager, relay *bridge.Relay, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		relay:    relay,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections by default, so
				// another site cannot drive a patient's mic session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Post("/v1/sessions/{token}/end", s.handleEndSession)
	r.Get("/v1/sessions/ws", s.handleSessionWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"open_sessions": s.sessions.OpenCount(r.Context()),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req registry.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.SubjectID) == "" {
		respondError(w, http.StatusBadRequest, "missing_subject_id", "subjectId is required")
		return
	}

	sess, err := s.sessions.Create(r.Context(), req.SubjectID, req.SubjectName, req.ConversationID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "create_failed", err.Error())
		return
	}
	s.metrics.SessionEvents.WithLabelValues("created").Inc()
	s.metrics.ActiveSessions.Set(float64(s.sessions.OpenCount(r.Context())))

	respondJSON(w, http.StatusCreated, registry.CreateResponse{
		SessionToken:  sess.Token,
		BridgeAddress: s.bridgeAddress(r),
	})
}

// bridgeAddress tells the client where to dial the websocket. The
// configured public URL wins; otherwise it is derived from the request
// host so the response works behind any listener.
func (s *Server) bridgeAddress(r *http.Request) string {
	if base := strings.TrimSpace(s.cfg.PublicWSBaseURL); base != "" {
		return strings.TrimRight(base, "/") + "/v1/sessions/ws"
	}
	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	return scheme + "://" + r.Host + "/v1/sessions/ws"
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if strings.TrimSpace(token) == "" {
		respondError(w, http.StatusBadRequest, "invalid_token", "missing session token")
		return
	}

	// Removal is idempotent: an unknown token means the disconnect path
	// already won the race, which is still a successful end.
	if err := s.sessions.Remove(r.Context(), token); err != nil {
		respondError(w, http.StatusInternalServerError, "end_failed", err.Error())
		return
	}
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	s.metrics.ActiveSessions.Set(float64(s.sessions.OpenCount(r.Context())))
	respondJSON(w, http.StatusOK, map[string]any{"status": "closed"})
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))

	var sess *registry.Session
	if token != "" {
		if found, err := s.sessions.Get(r.Context(), token); err == nil {
			sess = found
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// A missing or unknown token is a policy violation, signalled on
	// the socket itself so non-HTTP-aware clients see a clean close.
	if sess == nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid session token"),
			time.Now().Add(time.Second))
		s.metrics.SessionEvents.WithLabelValues("ws_rejected").Inc()
		return
	}

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// ReadMessage does not observe the context; closing the conn is
	// what unblocks the read loop when the relay ends first.
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		if err := s.relay.Run(ctx, sess, inbound, outbound); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("httpapi: session %s relay ended: %v", sess.Token, err)
		}
		cancel()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				var err error
				switch frame := msg.(type) {
				case bridge.BinaryFrame:
					err = conn.WriteMessage(websocket.BinaryMessage, frame)
				default:
					err = conn.WriteJSON(msg)
				}
				if err != nil {
					cancel()
					return
				}
				if t, ok := protocol.TypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var parsed any
		switch msgType {
		case websocket.BinaryMessage:
			// Raw frames are PCM16 capture audio.
			parsed = protocol.AudioInput{Type: protocol.TypeAudioInput, Audio: data}
		case websocket.TextMessage:
			parsed, err = protocol.Parse(data)
			if err != nil {
				// Unknown tags and malformed payloads are dropped;
				// the session continues.
				if !errors.Is(err, protocol.ErrUnsupportedType) {
					log.Printf("httpapi: session %s dropped bad message: %v", sess.Token, err)
				}
				continue
			}
		default:
			continue
		}

		if t, ok := protocol.TypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
	s.metrics.ActiveSessions.Set(float64(s.sessions.OpenCount(context.Background())))
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
