package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	pttrelay "github.com/snarg/ptt-relay"
	"github.com/snarg/ptt-relay/internal/api"
	"github.com/snarg/ptt-relay/internal/auth"
	"github.com/snarg/ptt-relay/internal/config"
	"github.com/snarg/ptt-relay/internal/database"
	"github.com/snarg/ptt-relay/internal/mqttclient"
	"github.com/snarg/ptt-relay/internal/relay"
	"github.com/snarg/ptt-relay/internal/welcome"
)

// version, commit, and buildTime are injected at build time via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	// CLI flags
	var overrides config.Overrides
	var showVersion bool
	flag.StringVar(&overrides.EnvFile, "env-file", "", "Path to .env file (default: .env)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address (overrides HTTP_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "PostgreSQL connection URL (overrides DATABASE_URL)")
	flag.StringVar(&overrides.WelcomeDir, "welcome-dir", "", "Welcome audio directory (overrides WELCOME_AUDIO_DIR)")
	flag.StringVar(&overrides.MQTTBrokerURL, "mqtt-url", "", "MQTT broker URL for the event bridge (overrides MQTT_BROKER_URL)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s (commit=%s, built=%s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	startTime := time.Now()

	// Config (loads .env automatically, then env vars, then CLI overrides)
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("invalid config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", buildTime).
		Str("log_level", level.String()).
		Msg("ptt-relay starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	dbLog := log.With().Str("component", "database").Logger()
	db, err := database.Connect(ctx, database.Options{URL: cfg.DatabaseURL}, dbLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	// Apply schema on a fresh database and run idempotent migrations —
	// fatal on failure since queries depend on these columns.
	if err := db.Bootstrap(ctx, pttrelay.SchemaSQL); err != nil {
		log.Fatal().Err(err).Msg("schema bootstrap failed (run the reported SQL manually or grant ALTER privileges)")
	}

	// Token validation (authenticate frames are rejected without a secret)
	var tokens relay.TokenValidator
	if cfg.TokenSecret != "" {
		tokens = auth.NewValidator(cfg.TokenSecret, db, log)
		log.Info().Msg("token authentication enabled")
	} else {
		log.Warn().Msg("TOKEN_SECRET not set — authenticate frames will be rejected")
	}
	if !cfg.AnonymousMode {
		log.Info().Msg("anonymous mode disabled — clients must authenticate")
	}
	if !cfg.RegistrationEnabled {
		log.Info().Msg("account registration disabled (REGISTRATION_ENABLED=false)")
	}

	// Event bus feeding the MQTT bridge and metrics
	bus := relay.NewEventBus()

	// Welcome playback (optional)
	var welcomeHook relay.WelcomeHook
	if cfg.WelcomeEnabled {
		player := welcome.NewPlayer(db, cfg.WelcomeAudioDir, log)
		if err := player.Watch(ctx); err != nil {
			log.Warn().Err(err).Msg("welcome audio watcher failed to start")
		}
		welcomeHook = player
	} else {
		log.Info().Msg("welcome messages disabled (WELCOME_ENABLED=false)")
	}

	// Relay engine
	engine := relay.NewEngine(relay.EngineOptions{
		Config:   cfg,
		Store:    db,
		Accounts: db,
		Tokens:   tokens,
		Welcome:  welcomeHook,
		Bus:      bus,
		Log:      log,
	})

	// MQTT event bridge (optional)
	if cfg.MQTTBrokerURL != "" {
		mqttLog := log.With().Str("component", "mqtt").Logger()
		bridge, err := mqttclient.Connect(mqttclient.Options{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			Log:         mqttLog,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		defer bridge.Close()
		bridge.Run(ctx, bus)
		log.Info().Str("broker", cfg.MQTTBrokerURL).Str("client_id", cfg.MQTTClientID).Msg("mqtt event bridge connected")
	}

	// HTTP Server
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(api.ServerOptions{
		Config:    cfg,
		DB:        db,
		Engine:    engine,
		Bus:       bus,
		Version:   fmt.Sprintf("%s (commit=%s, built=%s)", version, commit, buildTime),
		StartTime: startTime,
		Log:       httpLog,
	})

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	log.Info().
		Str("listen", cfg.HTTPAddr).
		Str("version", version).
		Dur("startup_ms", time.Since(startTime)).
		Msg("ptt-relay ready")

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("ptt-relay stopped")
}
