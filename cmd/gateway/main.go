// Command gateway runs the multilingual message gateway: HTTP + websocket
// transport, translation dispatch, and the conversation event bus.
//
// Startup order:
//  1. Load .env (best effort) and environment configuration.
//  2. Configure logging and OpenTelemetry.
//  3. Open the database (sqlite or postgres), migrate, enable tracing.
//  4. Select the event bus: NATS JetStream when NATS_URL is set, in-process
//     otherwise. Rate-limit counters follow the same split.
//  5. Wire services and routes, then serve until SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-polyglot-gateway/internal/bus"
	"github.com/tbourn/go-polyglot-gateway/internal/config"
	"github.com/tbourn/go-polyglot-gateway/internal/guard"
	httpapi "github.com/tbourn/go-polyglot-gateway/internal/http"
	"github.com/tbourn/go-polyglot-gateway/internal/observability"
	"github.com/tbourn/go-polyglot-gateway/internal/repo"
	"github.com/tbourn/go-polyglot-gateway/internal/sysutil"
	"github.com/tbourn/go-polyglot-gateway/internal/translate"
)

// version is stamped by the build (-ldflags "-X main.version=...").
var version = "dev"

func main() {
	// Best effort: a missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(c); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("database open failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("database migration failed")
	}
	if cfg.OTEL.Enabled {
		if err := repo.EnableTracing(db); err != nil {
			log.Warn().Err(err).Msg("db tracing not enabled")
		}
	}

	// Event bus + rate counters: shared NATS infrastructure when configured,
	// process-local otherwise.
	var (
		eventBus bus.Bus
		counters guard.CounterStore
	)
	if cfg.NATS.URL != "" {
		nb, err := bus.NewNATSBus(cfg.NATS.URL, cfg.NATS.StreamName)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("nats bus setup failed")
		}
		eventBus = nb

		nc, err := nats.Connect(cfg.NATS.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("nats connect for counters failed")
		}
		defer nc.Close()
		kv, err := guard.NewNATSKVStore(nc, "send_windows", cfg.Rate.Window)
		if err != nil {
			log.Fatal().Err(err).Msg("nats kv counter setup failed")
		}
		counters = kv
		log.Info().Str("url", cfg.NATS.URL).Msg("using NATS bus and shared rate counters")
	} else {
		eventBus = bus.NewInProcBus()
		counters = guard.NewMemoryStore()
		log.Info().Msg("using in-process bus and local rate counters")
	}
	defer eventBus.Close()

	engine := translate.NewEngineClient(cfg.Engine.BaseURL, cfg.Engine.Timeout)

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, db, eventBus, counters, engine, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
	log.Info().Msg("stopped")
}
