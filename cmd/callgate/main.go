package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dense-identity/callgate/internal/authorizer"
	"github.com/dense-identity/callgate/internal/config"
	"github.com/dense-identity/callgate/internal/correlation"
	"github.com/dense-identity/callgate/internal/gate"
	"github.com/dense-identity/callgate/internal/keystore"
	"github.com/dense-identity/callgate/internal/logger"
	"github.com/dense-identity/callgate/internal/telephony"
)

func main() {
	// .env is optional outside of local development.
	_ = config.LoadEnv()

	cfg, err := config.New[config.Config]()
	if err != nil {
		bootLog := logger.Setup(false)
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}

	log := logger.Setup(cfg.IsProduction)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := keystore.NewRedisStore(ctx, keystore.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect session key store")
	}
	defer store.Close()

	corr := correlation.New(store.Client(), cfg.CorrelationPrefix, cfg.SessionKeyTTL())

	dispatcher := telephony.NewDispatcher(log)
	receiver := telephony.NewReceiver(dispatcher, log)

	auth := authorizer.New(authorizer.Config{
		ExtractionWindow:      cfg.ExtractionWindow(),
		ExtractionMaxAttempts: cfg.ExtractionMaxAttempts,
		ToneDebounce:          cfg.ToneDebounce(),
		LookupMaxAttempts:     cfg.LookupMaxAttempts,
		LookupBackoff:         cfg.LookupBackoff(),
		AuthDeadline:          cfg.AuthDeadline(),
		DecisionRetention:     cfg.DecisionRetention(),
	}, store, dispatcher, log)

	go auth.Run(ctx, dispatcher.Lifecycle())

	mediaGate := gate.New(auth, corr, nil, log)

	mux := http.NewServeMux()
	mux.Handle("/events", receiver)
	mux.Handle("/media", mediaGate)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := store.Client().Ping(pingCtx).Err(); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("callgate listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server error")
			stop()
		}
	}()

	<-ctx.Done()

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}
