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

	"rankqueue-backend/internal/config"
	"rankqueue-backend/internal/database"
	"rankqueue-backend/internal/handlers"
	"rankqueue-backend/internal/middleware"
	"rankqueue-backend/internal/mq"
	"rankqueue-backend/internal/queue"
	"rankqueue-backend/internal/services"
	"rankqueue-backend/internal/websocket"
	"rankqueue-backend/internal/zones"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func fatal(what string, err error, hints ...string) {
	log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Printf("❌ FATAL ERROR: %s", what)
	log.Printf("   Error: %v", err)
	for _, h := range hints {
		log.Printf("   %s", h)
	}
	log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Fatal(err)
}

func main() {
	log.Println("═══════════════════════════════════════════════════════════════════")
	log.Println("🚀 RANKQUEUE BACKEND SERVER STARTING")
	log.Println("═══════════════════════════════════════════════════════════════════")

	log.Println("📂 Loading environment variables...")
	config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		fatal("Invalid configuration", err)
	}

	log.Println("🔍 Checking DATABASE_URL environment variable...")
	if cfg.DatabaseURL == "" {
		fatal("DATABASE_URL environment variable is required", errors.New("DATABASE_URL not set"),
			"Please set DATABASE_URL in your environment or .env file")
	}
	log.Println("✅ DATABASE_URL found")

	log.Println("🔌 Connecting to database...")
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		fatal("Database connection failed", err,
			"This is usually caused by:",
			"1. Wrong DATABASE_URL format",
			"2. PostgreSQL service is down",
			"3. Network connectivity issue",
			"4. Invalid credentials")
	}
	defer db.Close()
	log.Println("✅ Database connection established")

	log.Println("🔄 Running database migrations...")
	if err := database.Migrate(db); err != nil {
		fatal("Database migrations failed", err)
	}
	log.Println("✅ Database migrations completed")

	log.Println("🌱 Seeding database with initial data...")
	if err := database.SeedUsers(db); err != nil {
		fatal("User seeding failed", err)
	}
	if err := database.SeedZones(db); err != nil {
		fatal("Zone seeding failed", err)
	}
	log.Println("✅ Seed data in place")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	userStore := database.NewUserStore(db)
	eventLog := database.NewEventLog(db)

	// Zone registry
	registry := zones.NewRegistry(database.NewZoneRepository(db), zones.Defaults{
		RadiusMeters:       cfg.Queue.DefaultRadiusMeters,
		GracePeriodSeconds: int(cfg.Queue.DefaultGracePeriod / time.Second),
	})
	if err := registry.Load(ctx); err != nil {
		fatal("Loading zones failed", err)
	}

	// Realtime fan-out: websocket hub first, broker and push are optional
	wsHub := websocket.NewHub()
	go wsHub.Run()
	log.Println("✅ WebSocket hub started")

	broadcasters := queue.Broadcasters{wsHub}
	notifiers := queue.Notifiers{wsHub}

	if cfg.AMQPURL != "" {
		broker, err := mq.Connect(ctx, cfg.AMQPURL, 10)
		if err != nil {
			log.Printf("⚠️  RabbitMQ unavailable: %v (broker publishing disabled)", err)
		} else {
			defer broker.Close()
			publisher := mq.NewEventPublisher(broker, 1024)
			go publisher.Run(context.Background())
			defer publisher.Close()
			broadcasters = append(broadcasters, publisher)
		}
	} else {
		log.Println("ℹ️  AMQP_URL not set, broker publishing disabled")
	}

	// Supports both file path and base64-encoded credentials (for cloud deployments)
	var fcmService *services.FCMService
	if cfg.FirebaseCredentialsBase64 != "" {
		fcmService, err = services.NewFCMServiceFromBase64(cfg.FirebaseCredentialsBase64)
	} else {
		fcmService, err = services.NewFCMService(cfg.FirebaseCredentialsFile)
	}
	if err != nil {
		log.Printf("⚠️  Failed to initialize FCM: %v (push notifications disabled)", err)
	} else {
		log.Println("✅ Firebase Cloud Messaging initialized")
		push := services.NewPushNotifier(fcmService, userStore, 256)
		go push.Run(context.Background())
		defer push.Close()
		notifiers = append(notifiers, push)
	}

	// Queue coordinator
	coordinator := queue.NewCoordinator(queue.Options{
		Log:         eventLog,
		Zones:       registry,
		Broadcaster: broadcasters,
		Notifier:    notifiers,
		Retry: queue.RetryPolicy{
			MaxAttempts: cfg.Queue.PersistMaxAttempts,
			BaseDelay:   cfg.Queue.PersistBaseBackoff,
			MaxDelay:    cfg.Queue.PersistMaxBackoff,
		},
		MaxFixAge:              cfg.Queue.MaxFixAge,
		MaxClockSkew:           cfg.Queue.MaxClockSkew,
		DefaultLoadingDuration: cfg.Queue.DefaultLoadingDuration,
		EstimateWindow:         cfg.Queue.EstimateWindow,
		MaxAutoSkips:           cfg.Queue.MaxAutoSkips,
		CommandBuffer:          cfg.Queue.CommandBuffer,
	})
	defer coordinator.Close()

	log.Println("🔄 Recovering zone queues from the event log...")
	if err := coordinator.Recover(ctx, registry.IDs()); err != nil {
		fatal("Queue recovery failed", err)
	}
	log.Printf("✅ Recovered %d zones", len(registry.IDs()))

	r := chi.NewRouter()

	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	// Authentication routes (no auth required)
	r.Post("/api/auth/login", handlers.Login(userStore, cfg.JWTSecret))

	// WebSocket endpoint (authentication handled in handler via query param)
	r.Get("/ws", websocket.HandleWebSocket(wsHub, coordinator, cfg.JWTSecret))

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))

		r.Get("/zones", handlers.ListZones(registry))
		r.Get("/zones/{id}", handlers.GetZone(registry))
		r.Get("/zones/{id}/queue", handlers.GetQueue(coordinator))
		r.Get("/zones/{id}/queue/archived", handlers.GetArchivedEntries(coordinator))
		r.Get("/zones/{id}/queue/{entryId}", handlers.GetEntry(coordinator))

		r.Post("/users/fcm-token", handlers.RegisterFCMToken(userStore))

		// Driver endpoints
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole("driver"))

			r.Post("/zones/{id}/queue/join", handlers.JoinQueue(coordinator))
			r.Post("/zones/{id}/queue/leave", handlers.LeaveQueue(coordinator))
			r.Post("/zones/{id}/location", handlers.SubmitLocation(coordinator))
			r.Get("/driver/entries", handlers.GetMyEntries(eventLog))
		})

		// Loading flow; self-service zones let drivers advance their own entry
		r.Post("/zones/{id}/queue/{entryId}/start-loading", handlers.StartLoading(coordinator))
		r.Post("/zones/{id}/queue/{entryId}/depart", handlers.MarkDeparted(coordinator))

		// Marshal endpoints
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole("marshal", "operator"))

			r.Post("/zones/{id}/queue/{entryId}/skip", handlers.SkipEntry(coordinator))
			r.Post("/zones/{id}/queue/{entryId}/remove", handlers.RemoveEntry(coordinator))
			r.Get("/zones/{id}/events", handlers.GetEvents(coordinator))
		})

		// Operator endpoints
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole("operator"))

			r.Post("/zones", handlers.CreateZone(registry))
			r.Patch("/zones/{id}", handlers.UpdateZone(registry))
			r.Post("/users", handlers.CreateUser(userStore))
		})
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Println("═══════════════════════════════════════════════════════════════════")
	log.Println("✅ ALL INITIALIZATION COMPLETE")
	log.Printf("🚀 Server starting on http://localhost:%s", cfg.Port)
	log.Println("🔌 Ready to accept requests!")
	log.Println("═══════════════════════════════════════════════════════════════════")

	go func() {
		<-ctx.Done()
		log.Println("🛑 Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("⚠️  Graceful shutdown failed: %v", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fatal("Server failed to start", err, "Port: "+cfg.Port)
	}
}
