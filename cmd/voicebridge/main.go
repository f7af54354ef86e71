package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/careloop/voicebridge/internal/bridge"
	"github.com/careloop/voicebridge/internal/config"
	"github.com/careloop/voicebridge/internal/engine"
	"github.com/careloop/voicebridge/internal/httpapi"
	"github.com/careloop/voicebridge/internal/observability"
	"github.com/careloop/voicebridge/internal/registry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := registry.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("session store init failed: %v", err)
	}
	defer store.Close()
	if cfg.DatabaseURL != "" {
		log.Printf("session store: postgres")
	} else {
		log.Printf("session store: in-memory")
	}

	sessions := registry.NewManager(store, cfg.SessionTTL)
	sessions.SetExpireHook(func(_ *registry.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.OpenCount(ctx)))
	})

	var dialer engine.Dialer
	if cfg.EngineWSURL != "" {
		dialer = engine.NewWebsocketDialer(engine.WebsocketConfig{
			BaseURL: cfg.EngineWSURL,
			APIKey:  cfg.EngineAPIKey,
		})
		log.Printf("voice engine: %s", cfg.EngineWSURL)
	} else {
		dialer = engine.NewMockDialer()
		log.Printf("voice engine: mock (ENGINE_WS_URL not set)")
	}

	relay := bridge.NewRelay(sessions, dialer, metrics)
	api := httpapi.New(cfg, sessions, relay, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
