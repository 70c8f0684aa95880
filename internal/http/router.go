// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging, panic recovery, metrics, compression,
// CORS, security headers, idempotency, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-polyglot-gateway/internal/bus"
	"github.com/tbourn/go-polyglot-gateway/internal/config"
	"github.com/tbourn/go-polyglot-gateway/internal/guard"
	"github.com/tbourn/go-polyglot-gateway/internal/http/handlers"
	"github.com/tbourn/go-polyglot-gateway/internal/http/middleware"
	"github.com/tbourn/go-polyglot-gateway/internal/hub"
	"github.com/tbourn/go-polyglot-gateway/internal/langresolve"
	"github.com/tbourn/go-polyglot-gateway/internal/repo"
	"github.com/tbourn/go-polyglot-gateway/internal/services"
	"github.com/tbourn/go-polyglot-gateway/internal/translate"
)

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It wires the realtime hub to the event bus, builds the translation
// coordinator and the application services, and mounts the versioned public
// API under the configured base path.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger: structured access logs
//  4. Recovery: capture panics after logger
//  5. Body size limiter and gzip compression
//  6. Metrics
//  7. Idempotency validator (before rate limiter to allow bypass on replay)
//  8. Rate limiter (per user/IP, bypass on replay)
//  9. CORS and Security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, eventBus bus.Bus, counters guard.CounterStore, engine translate.Translator, cfg config.Config) *hub.Hub {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured access logging
	r.Use(middleware.Logger())

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB) and response compression. Websocket
	// upgrades must not pass through the gzip writer.
	r.Use(limitBody(1 << 20))
	r.Use(gzip.Gzip(gzip.DefaultCompression,
		gzip.WithExcludedPaths([]string{"/metrics"}),
		gzip.WithExcludedPathsRegexs([]string{`.*/ws$`})))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Idempotency validation (before rate limiting)
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{
			MaxLen: 200,
		},
		func(ctx context.Context, userID, conversationID, key string, now time.Time) (bool, error) {
			rec, err := repo.GetIdempotency(ctx, db, userID, conversationID, key, now)
			if err != nil || rec == nil {
				return false, nil
			}
			return true, nil
		},
	))

	// 8) Token-bucket rate limiter per user/IP
	rl := middleware.NewRateLimiter(cfg.Rate.RPS, cfg.Rate.Burst, middleware.KeyByUserOrIP())
	r.Use(rl.Handler())

	// 9) CORS posture (safe defaults: allow all if none configured)
	registerCORS(r, cfg)

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health. Degraded (engine unreachable) is reported but still 200:
	// originals keep flowing without translations.
	r.GET("/health", func(c *gin.Context) {
		status := gin.H{"status": "ok"}
		if engine != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := engine.Healthy(ctx); err != nil {
				status["engine"] = "unreachable"
			} else {
				status["engine"] = "ok"
			}
		}
		c.JSON(http.StatusOK, status)
	})

	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// Dependency injection: hub ← bus, services ← repo/db/engine
	registry := hub.New(eventBus)
	resolver := &langresolve.Resolver{DB: db, Sessions: registry}
	coord := translate.NewCoordinator(db, engine, eventBus,
		cfg.Limits.MaxTranslateRunes, cfg.Engine.Concurrency, cfg.Engine.MaxRetries, cfg.Engine.Backoff)

	participantSvc := &services.ParticipantService{
		DB:          db,
		GuestSecret: []byte(cfg.GuestTokenSecret),
		GuestTTL:    cfg.GuestTokenTTL,
	}
	msgSvc := &services.MessageService{
		DB:                       db,
		Bus:                      eventBus,
		Resolver:                 resolver,
		Coord:                    coord,
		Limiter:                  guard.NewLimiter(counters, cfg.Rate.Window, cfg.Rate.Ceiling),
		MaxMessageRunes:          cfg.Limits.MaxMessageRunes,
		MaxMessageRunesModerator: cfg.Limits.MaxMessageRunesModerator,
		MaxMentions:              cfg.Limits.MaxMentions,
		IdempotencyTTL:           cfg.IdempotencyTTL,
	}
	statusSvc := &services.StatusService{DB: db, Bus: eventBus}

	h := handlers.New(participantSvc, msgSvc, statusSvc, registry)

	// Public API
	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	api := groupWithPrefix(r, apiBase)

	// Guest enrollment is the one unauthenticated endpoint: it mints the
	// credential the guest uses everywhere else.
	api.POST("/conversations/:id/guests", h.JoinGuest)

	authed := api.Group("", middleware.Auth(participantSvc))
	{
		// Conversations & participants
		authed.POST("/conversations", h.CreateConversation)
		authed.POST("/conversations/:id/join", h.JoinConversation)
		authed.DELETE("/conversations/:id/participants/me", h.LeaveConversation)
		authed.PUT("/conversations/:id/language", h.UpdateLanguage)
		authed.GET("/conversations/:id/participants", h.ListParticipants)

		// Messages
		authed.POST("/conversations/:id/messages", h.SendMessage)
		authed.GET("/conversations/:id/messages", h.ListMessages)
		authed.GET("/conversations/:id/messages/:messageId", h.GetMessage)
		authed.PUT("/conversations/:id/messages/:messageId", h.EditMessage)
		authed.DELETE("/conversations/:id/messages/:messageId", h.DeleteMessage)

		// Delivery status
		authed.POST("/conversations/:id/messages/:messageId/received", h.MarkReceived)
		authed.POST("/conversations/:id/messages/:messageId/read", h.MarkRead)
		authed.GET("/conversations/:id/messages/:messageId/status", h.GetStatus)
		authed.GET("/conversations/:id/unread", h.UnreadCount)

		// Realtime
		authed.GET("/conversations/:id/ws", h.AttachWS)
	}

	return registry
}

// registerCORS installs the CORS middleware, echoing the allowlisted origin
// when one is configured and defaulting to allow-all otherwise.
func registerCORS(r *gin.Engine, cfg config.Config) {
	allowHeaders := []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID", middleware.HeaderIdempotencyKey}

	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
		return
	}

	// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
	allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
	for _, o := range cfg.CORS.AllowedOrigins {
		allowed[o] = struct{}{}
	}
	r.Use(func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); origin != "" {
			if _, ok := allowed[origin]; ok {
				h := c.Writer.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
		}
		c.Next()
	})
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     allowHeaders,
		ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
