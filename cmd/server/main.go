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
	"github.com/lunastreaming/backend-luna-plataformas-v1-sub000/docs"
	"github.com/lunastreaming/backend-luna-plataformas-v1-sub000/internal/database"
	mW "github.com/lunastreaming/backend-luna-plataformas-v1-sub000/internal/middleware"
	"github.com/lunastreaming/backend-luna-plataformas-v1-sub000/internal/services"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
)

// @title Luna Marketplace Core API
// @version 1.0
// @description Balance ledger and refund engine for the Luna digital-goods marketplace
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env

	viper.SetEnvPrefix("")

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
	viper.BindEnv("settings.cache_ttl", "SETTINGS_CACHE_TTL")
	viper.BindEnv("refund.fee_fraction", "REFUND_FEE_FRACTION")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "Luna Marketplace Core API"
	docs.SwaggerInfo.Description = "Balance ledger and refund engine for the Luna digital-goods marketplace"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Refund fee defaults to zero (full prorated refunds).
	refundFee := decimal.Zero
	if raw := viper.GetString("refund.fee_fraction"); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil {
			log.Fatalf("Invalid REFUND_FEE_FRACTION: %v", err)
		}
		refundFee = parsed
	}

	ledgerService := services.NewLedgerService(db)
	exchangeService := services.NewExchangeService(db, ledgerService)
	settingsService := services.NewSettingsService(db, redisClient)
	rechargeService := services.NewRechargeService(db, ledgerService, exchangeService)
	refundService := services.NewRefundService(db, ledgerService, refundFee)
	transferService := services.NewTransferService(db, ledgerService, settingsService)
	expiryService := services.NewExpiryService(db)

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
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
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
		// Public endpoints (no auth required)
		r.Get("/exchange-rate", exchangeService.GetCurrent)
		r.Get("/exchange-rate/convert", exchangeService.ConvertAmount)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Post("/exchange-rate", exchangeService.Publish)

			r.Get("/accounts/balance", ledgerService.GetBalance)
			r.Get("/transactions", ledgerService.ListEntries)

			r.Post("/recharges", rechargeService.Request)
			r.Post("/recharges/{txId}/approve", rechargeService.ApproveHandler)
			r.Post("/recharges/{txId}/reject", rechargeService.RejectHandler)
			r.Post("/recharges/{txId}/cancel", rechargeService.CancelHandler)

			r.Post("/refunds", refundService.Handle)
			r.Post("/transfers", transferService.Handle)

			// Entry point for the daily expiry cron
			r.Post("/subscriptions/expire", expiryService.Handle)
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
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
