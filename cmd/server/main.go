package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/tunequeue/backend/docs"
	"github.com/tunequeue/backend/internal/database"
	"github.com/tunequeue/backend/internal/handlers"
	mW "github.com/tunequeue/backend/internal/middleware"
	"github.com/tunequeue/backend/internal/queue"
	"github.com/tunequeue/backend/internal/services"
)

// @title Tunequeue Backend API
// @version 1.0
// @description Queue admission and points settlement API for venue playback queues
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")

	viper.BindEnv("queue.standard_cost", "QUEUE_STANDARD_COST")
	viper.BindEnv("queue.priority_cost", "QUEUE_PRIORITY_COST")
	viper.BindEnv("admission.ledger_timeout", "ADMISSION_LEDGER_TIMEOUT")
	viper.BindEnv("admission.queue_timeout", "ADMISSION_QUEUE_TIMEOUT")
	viper.BindEnv("admission.compensation_retries", "ADMISSION_COMPENSATION_RETRIES")
	viper.BindEnv("admission.compensation_backoff", "ADMISSION_COMPENSATION_BACKOFF")
	viper.BindEnv("reconciler.interval", "RECONCILER_INTERVAL")
	viper.BindEnv("reconciler.stale_after", "RECONCILER_STALE_AFTER")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Stores and clients; the process owns their lifecycle, the services
	// receive handles and never manage connections themselves.
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	defer redisClient.Close()

	queueStore := queue.NewStore(redisClient)
	ledgerService := services.NewLedgerService(db)
	sagaStore := services.NewSagaStore(db)
	costResolver := services.NewCostResolver(db)
	admissionService := services.NewAdmissionService(queueStore, ledgerService, sagaStore, costResolver, redisClient)
	queueHandler := handlers.NewQueueHandler(admissionService)

	// Background reconciliation sweep for sagas the inline paths left behind
	reconCtx, stopRecon := context.WithCancel(context.Background())
	defer stopRecon()
	reconciler := services.NewReconciler(sagaStore, queueStore, ledgerService)
	go reconciler.Run(reconCtx)

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "Tunequeue Backend API"
	docs.SwaggerInfo.Description = "Queue admission and points settlement API for venue playback queues"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Everything here requires an externally issued bearer token
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Post("/queue/add", queueHandler.AddToQueue)
			r.Get("/queue/check-duplicate/{venueId}/{trackId}", queueHandler.CheckDuplicate)
			r.Get("/queue/{venueId}", queueHandler.GetQueue)
			r.Delete("/queue/{venueId}/{entryId}", queueHandler.RemoveFromQueue)

			r.Post("/points/transaction", ledgerService.CreatePointsTransaction)
			r.Post("/points/refund", ledgerService.RefundPoints)
			r.Get("/points/balance/{venueId}", ledgerService.GetPointsBalance)
			r.Get("/points/transactions/{venueId}", ledgerService.ListPointsTransactions)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	stopRecon()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
