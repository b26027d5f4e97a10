// Package main is the entry point for the API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/waveline-social/realtime-core/internal/config"
	"github.com/waveline-social/realtime-core/internal/crypto"
	"github.com/waveline-social/realtime-core/internal/event"
	"github.com/waveline-social/realtime-core/internal/feed"
	"github.com/waveline-social/realtime-core/internal/handler"
	"github.com/waveline-social/realtime-core/internal/middleware"
	"github.com/waveline-social/realtime-core/internal/notify"
	"github.com/waveline-social/realtime-core/internal/pipeline"
	"github.com/waveline-social/realtime-core/internal/presence"
	"github.com/waveline-social/realtime-core/internal/queue"
	"github.com/waveline-social/realtime-core/internal/store"
	"github.com/waveline-social/realtime-core/internal/transport"
	"github.com/waveline-social/realtime-core/pkg/logger"
	"github.com/waveline-social/realtime-core/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting API server")

	// Initialize tracing if enabled
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "realtime-core", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	// Connect to the commit authority. Without NATS the in-process
	// authority keeps local development working.
	var authority transport.Authority
	natsAuthority, err := transport.Connect(ctx, transport.Config{
		URL:         cfg.NATSURL,
		CAFile:      cfg.NATSCAFile,
		CertFile:    cfg.NATSCertFile,
		KeyFile:     cfg.NATSKeyFile,
		Token:       cfg.NATSToken,
		DedupWindow: cfg.IdempotencyRetention,
	}, log)
	if err != nil {
		log.Warn("NATS unavailable, using in-process authority", zap.Error(err))
		authority = transport.NewMemoryAuthority()
	} else {
		authority = natsAuthority
	}
	defer authority.Close()

	// Durable offline queue
	queueStore, err := queue.Open(cfg.QueueDir, log)
	if err != nil {
		log.Error("failed to open offline queue", zap.Error(err))
		os.Exit(1)
	}
	defer queueStore.Close()

	// Core state
	bus := event.NewBus(log)
	convStore := store.New(log)
	keyring := crypto.NewKeyRing()
	directory := crypto.NewMemoryDirectory()

	pipe := pipeline.New(convStore, keyring, queueStore, bus, pipeline.Options{
		EditWindow:       cfg.EditWindow,
		MaxContentLength: cfg.MaxContentLength,
	}, log)
	pipe.BindDirectory(directory)

	engine := queue.NewSyncEngine(
		queueStore,
		authority,
		pipe.ApplyCommitted,
		pipe.OnReplayFailure,
		cfg.QueueDrainInterval,
		cfg.SendRetryBase,
		cfg.SendRetryMax,
		log,
	)
	pipe.BindEngine(engine)
	go engine.Run(ctx)

	// Presence and typing
	coordinator := presence.New(bus, cfg.TypingTTL, cfg.PresenceTTL, log)
	defer coordinator.Close()

	// Feed ranking
	graph := feed.NewMemoryGraph()
	posts := feed.NewMemoryPosts()
	feedEngine := feed.NewEngine(graph, posts, cfg.Ranking, log)

	// Notification targeting
	dispatcher := notify.NewMemoryDispatcher()
	notifyEngine := notify.NewEngine(convStore, graph, dispatcher, cfg.Notify, log)
	notifySub := bus.Subscribe(256)
	go notifyEngine.Run(ctx, notifySub)

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(authority)
	conversationHandler := handler.NewConversationHandler(pipe, log)
	messageHandler := handler.NewMessageHandler(pipe, log)
	presenceHandler := handler.NewPresenceHandler(coordinator, log)
	feedHandler := handler.NewFeedHandler(feedEngine, log)
	socialHandler := handler.NewSocialHandler(graph, posts, bus, log)
	notificationHandler := handler.NewNotificationHandler(notifyEngine, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		// Conversations and messages
		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", conversationHandler.Create)
			r.Get("/", conversationHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", conversationHandler.Get)
				r.Post("/participants", conversationHandler.AddParticipant)
				r.Delete("/participants/{userID}", conversationHandler.RemoveParticipant)

				r.Get("/messages", messageHandler.List)
				r.Post("/messages", messageHandler.Send)
				r.Post("/read", messageHandler.MarkRead)

				r.Route("/messages/{messageID}", func(r chi.Router) {
					r.Put("/", messageHandler.Edit)
					r.Delete("/", messageHandler.Delete)
					r.Put("/reaction", messageHandler.React)
					r.Delete("/reaction", messageHandler.Unreact)
					r.Post("/cancel", messageHandler.Cancel)
					r.Post("/retry", messageHandler.Retry)
					r.Post("/delivered", messageHandler.MarkDelivered)
				})

				r.Put("/typing", presenceHandler.SetTyping)
				r.Get("/typing", presenceHandler.TypingUsers)
			})
		})

		// Presence
		r.Post("/presence/heartbeat", presenceHandler.Heartbeat)
		r.Get("/presence/{userID}", presenceHandler.Get)

		// Feed and social graph
		r.Get("/feed", feedHandler.Get)
		r.Post("/posts", socialHandler.CreatePost)
		r.Put("/follows/{authorID}", socialHandler.Follow)
		r.Put("/interests", socialHandler.SetInterests)

		// Notifications
		r.Route("/notifications", func(r chi.Router) {
			r.Put("/subscriptions/{category}", notificationHandler.Subscribe)
			r.Delete("/subscriptions/{category}", notificationHandler.Unsubscribe)
			r.Put("/timezone", notificationHandler.SetTimezone)
			r.With(middleware.RequireScope("notifications:audit")).
				Get("/suppressions/{userID}", notificationHandler.Suppressions)
		})
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	// Stop background loops and flush event consumers.
	cancel()
	notifySub.Close()
	bus.Close()

	log.Info("server stopped")
}
