package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"enginebridge-go/internal/auth"
	"enginebridge-go/internal/bridge"
	"enginebridge-go/internal/config"
	"enginebridge-go/internal/directory"
	"enginebridge-go/internal/engine"
	"enginebridge-go/internal/metrics"
	"enginebridge-go/internal/server"
	"enginebridge-go/internal/session"
	"enginebridge-go/internal/transcript"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := newLogger(cfg)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("enginebridge stopped")
	}
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	zerolog.SetGlobalLevel(level)
	if cfg.LogFormat == "json" {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}

func run(cfg config.Config, logger zerolog.Logger) error {
	endpoint, err := cfg.EngineEndpoint()
	if err != nil {
		return err
	}

	attrs, unknown := directory.ParseAttributes(cfg.DirectoryAttributes)
	for _, name := range unknown {
		logger.Warn().Str("attribute", name).Msg("ignoring unknown directory attribute")
	}
	dir, closeDir, err := openDirectory(cfg)
	if err != nil {
		return err
	}
	defer closeDir()

	m := metrics.New()
	transport := engine.NewTransport(cfg.ConnectTimeout)
	registry := session.NewRegistry(session.Options{
		TTL:               cfg.SessionTTL,
		Capacity:          cfg.MaxSessions,
		EndSessionTimeout: cfg.EndSessionTimeout,
		Terminators:       cfg.Terminators,
		Metrics:           m,
	}, func(session.Identity) (session.Engine, error) {
		return engine.NewClient(engine.Options{
			Endpoint:        endpoint,
			ConnectTimeout:  cfg.ConnectTimeout,
			ResponseTimeout: cfg.ResponseTimeout,
			Verbose:         cfg.Verbose,
			Metrics:         m,
			Transport:       transport,
		}, logger)
	}, logger)

	b := bridge.New(bridge.Options{
		Channel:    cfg.Channel,
		Attributes: attrs,
		Verbose:    cfg.Verbose,
	}, registry, dir, logger)

	store, err := transcript.NewStore(filepath.Join(os.TempDir(), fmt.Sprintf("enginebridge-transcripts-%d", os.Getpid())))
	if err != nil {
		return err
	}

	var verifier *auth.Verifier
	if cfg.AuthSecret != "" {
		verifier, err = auth.NewVerifier(auth.Options{
			Secret:   []byte(cfg.AuthSecret),
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			Leeway:   cfg.AuthLeeway,
		})
		if err != nil {
			return err
		}
	}

	srv := server.New(cfg, server.Options{
		Bridge:     b,
		Sessions:   registry,
		Transcript: store,
		Verifier:   verifier,
		Metrics:    m,
		Logger:     logger,
	})
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ev := logger.Info().
		Str("addr", httpServer.Addr).
		Str("engine", endpoint.String()).
		Dur("session_ttl", cfg.SessionTTL).
		Int("max_sessions", cfg.MaxSessions).
		Bool("auth", verifier != nil)
	if len(cfg.AllowCIDRs) > 0 {
		ev = ev.Str("allow_cidr", strings.Join(cfg.AllowCIDRs, ", ")+", plus localhost")
	}
	ev.Msg("enginebridge listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.EndSessionTimeout+5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
	_ = srv.Shutdown(ctx)
	if err := registry.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("engine sessions not fully ended")
	}
	if err := store.Cleanup(); err != nil {
		logger.Warn().Err(err).Msg("cannot remove transcripts")
	}
	return serveErr
}

func openDirectory(cfg config.Config) (directory.Directory, func(), error) {
	switch {
	case cfg.DirectoryFile != "":
		dir, err := directory.LoadStatic(cfg.DirectoryFile)
		if err != nil {
			return nil, nil, err
		}
		return dir, func() {}, nil
	case cfg.RedisAddr != "":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return directory.NewRedis(client, cfg.RedisPrefix), func() { _ = client.Close() }, nil
	default:
		return directory.None{}, func() {}, nil
	}
}
