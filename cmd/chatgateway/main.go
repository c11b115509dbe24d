// Command chatgateway starts the conversational query gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/ledgerlens/chat-gateway/internal/admission"
	"github.com/ledgerlens/chat-gateway/internal/budgetstore"
	"github.com/ledgerlens/chat-gateway/internal/config"
	"github.com/ledgerlens/chat-gateway/internal/engine"
	"github.com/ledgerlens/chat-gateway/internal/reconcile"
	"github.com/ledgerlens/chat-gateway/internal/server"
	"github.com/ledgerlens/chat-gateway/internal/session"
	"github.com/ledgerlens/chat-gateway/internal/transcript"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("chatgateway exited")
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config (optional)")
	flag.Parse()

	// .env is optional; real env always wins.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	initLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer closeStore()

	transcripts, err := openTranscripts(cfg.Transcript)
	if err != nil {
		return err
	}
	defer transcripts.Close()

	estimator := engine.NewEstimator(cfg.Engine.Model, cfg.Engine.MaxOutputTokens)
	eng := engine.NewOpenAIEngine(
		cfg.Engine.BaseURL, cfg.Engine.APIKey, cfg.Engine.Model,
		cfg.Engine.MaxOutputTokens, cfg.Engine.Timeout,
	)

	admitter := admission.NewController(store, cfg.Limits, cfg.Redis.OpTimeout)
	reconciler := reconcile.New(store, cfg.Limits, cfg.Redis.OpTimeout)
	orch := session.NewOrchestrator(
		admitter, eng, reconciler, estimator, transcripts,
		cfg.Session, cfg.Engine.SystemPrompt,
	)

	srv := server.New(cfg.Server, orch, store).HTTPServer()

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("listen", cfg.Server.Listen).
			Str("model", cfg.Engine.Model).
			Msg("chatgateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// initLogging configures zerolog: pretty console when attached to a
// terminal, JSON otherwise.
func initLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if term.IsTerminal(int(os.Stdout.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen})
	}
}

// openStore connects to Redis and verifies it is reachable. Admission fails
// closed without the store, so an unreachable store is a startup error.
func openStore(ctx context.Context, cfg config.RedisConfig) (budgetstore.Store, func(), error) {
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.OpTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis unreachable at %s: %w", cfg.URL, err)
	}

	store := budgetstore.NewRedisStore(client, budgetstore.WithKeyPrefix(cfg.KeyPrefix))
	return store, func() { client.Close() }, nil
}

func openTranscripts(cfg config.TranscriptConfig) (transcript.Store, error) {
	if !cfg.Enabled {
		return transcript.Noop{}, nil
	}
	return transcript.NewSQLiteStore(cfg.DBPath)
}
