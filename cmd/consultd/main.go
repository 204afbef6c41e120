// Package main provides the consultd daemon entry point.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/beast-health/consultd/internal/assistant"
	"github.com/beast-health/consultd/internal/config"
	"github.com/beast-health/consultd/internal/consult"
	"github.com/beast-health/consultd/internal/server"
	"github.com/beast-health/consultd/internal/store"
	"github.com/beast-health/consultd/internal/watcher"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	addr := flag.String("addr", "", "Listen address (default: from settings)")
	dataDir := flag.String("data-dir", "", "Data directory (default: ~/.consultd)")
	assistantURL := flag.String("assistant-url", "", "Assistant base URL (default: from settings)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	if err := config.EnsureAll(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure data directory")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load config, using defaults")
		cfg = config.Default()
	}

	// Flags win over settings and environment.
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *assistantURL != "" {
		cfg.AssistantURL = *assistantURL
	}
	dbPath := config.DBPath()
	if *dataDir != "" {
		dbPath = filepath.Join(*dataDir, "consultd.db")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("Shutting down consultd")
		cancel()
	}()

	backend, closeBackend, err := openBackend(cfg, dbPath)
	if err != nil {
		log.Fatal().Err(err).Str("storage", cfg.Storage).Msg("Failed to open session storage")
	}
	defer closeBackend()

	sessions := store.New(backend, cfg.SessionsKey)
	client := assistant.New(cfg.AssistantURL, time.Duration(cfg.TimeoutSecs)*time.Second)
	manager := consult.NewManager(ctx, sessions, client)
	svc := server.New(Version, manager)

	startConfigWatcher()

	log.Info().
		Str("version", Version).
		Str("addr", cfg.ListenAddr).
		Str("assistant", cfg.AssistantURL).
		Str("storage", cfg.Storage).
		Msg("Starting consultd")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx, cfg.ListenAddr)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("consultd error")
	}
}

// openBackend selects the session storage backend from configuration.
func openBackend(cfg *config.Config, dbPath string) (store.Backend, func(), error) {
	switch cfg.Storage {
	case "redis":
		r := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword)
		return r, func() { _ = r.Close() }, nil
	case "postgres":
		p, err := store.NewPostgres(cfg.PostgresDSN, cfg.MaxConns)
		if err != nil {
			return nil, nil, err
		}
		return p, func() { _ = p.Close() }, nil
	case "memory":
		return store.NewMemory(), func() {}, nil
	default:
		s, err := store.NewSQLite(store.SQLiteConfig{Path: dbPath, MaxConns: cfg.MaxConns})
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
}

// startConfigWatcher watches the settings file and exits on change so a
// supervisor restarts the daemon with the new configuration.
func startConfigWatcher() {
	configPath := config.SettingsPath()
	w, err := watcher.New(configPath, func() {
		log.Warn().Str("path", configPath).Msg("Settings changed, exiting for restart...")
		time.Sleep(100 * time.Millisecond) // Give logs time to flush
		os.Exit(0)
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create settings watcher")
		return
	}
	if err := w.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start settings watcher")
		return
	}
	log.Info().Str("path", configPath).Msg("Settings watcher started")
}
