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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/merchantmitra/backend/internal/database"
	"github.com/merchantmitra/backend/internal/handlers"
	mW "github.com/merchantmitra/backend/internal/middleware"
	"github.com/merchantmitra/backend/internal/notify"
	"github.com/merchantmitra/backend/internal/services"
	"github.com/merchantmitra/backend/internal/sms"
)

// @title Merchant Mitra Backend API
// @version 1.0
// @description Khata ledger and UPI payment collection backend for small merchants
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

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
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")
	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")

	viper.BindEnv("sms.api_key", "SMS_API_KEY")
	viper.BindEnv("sms.base_url", "SMS_BASE_URL")

	viper.BindEnv("payment.waiting_window", "PAYMENT_WAITING_WINDOW")
	viper.BindEnv("payment.sms_match_window", "PAYMENT_SMS_MATCH_WINDOW")
	viper.BindEnv("payment.sweep_interval", "PAYMENT_SWEEP_INTERVAL")

	viper.SetDefault("jwt.expiry_hours", 72)
	viper.SetDefault("argon2.time", 1)
	viper.SetDefault("argon2.memory", 64*1024)
	viper.SetDefault("argon2.threads", 4)
	viper.SetDefault("argon2.key_length", 32)
	viper.SetDefault("argon2.salt_length", 16)

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize dependencies
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	var notifier notify.Notifier
	if redisClient != nil {
		notifier = notify.NewRedisNotifier(redisClient)
	} else {
		notifier = notify.NewLocalNotifier()
	}

	smsProvider := sms.FromConfig()

	merchantService := services.NewMerchantService(db, redisClient)
	khataService := services.NewKhataService(db, notifier)
	paymentService := services.NewPaymentService(db, notifier, smsProvider)
	reconciler := services.NewSMSReconciler(paymentService)
	webhookHandler := handlers.NewSMSWebhookHandler(reconciler, redisClient)

	sweeper := services.NewTimeoutSweeper(db, notifier)
	if err := sweeper.Start(); err != nil {
		log.Fatalf("Failed to start timeout sweeper: %v", err)
	}
	defer sweeper.Stop()

	// Setup router
	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/static/*", http.StripPrefix("/static", mW.StaticFileServer("./static")))

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints
		r.Post("/auth/register", merchantService.Register)
		r.Post("/auth/login", merchantService.Login)
		r.Post("/auth/logout", merchantService.Logout)
		r.Post("/sms-webhook", webhookHandler.Receive)

		// Protected endpoints
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware(redisClient))

			r.Get("/auth/account", merchantService.GetAccount)
			r.Put("/auth/account", merchantService.UpdateAccount)

			// Payment collection
			r.Post("/payments/collect", paymentService.CollectPayment)
			r.Get("/payments", paymentService.ListPayments)
			r.Get("/payments/{paymentId}", paymentService.GetPayment)
			r.Post("/payments/{paymentId}/confirm", paymentService.ConfirmPayment)

			// Khata
			r.Post("/customers", khataService.CreateCustomer)
			r.Get("/customers", khataService.ListCustomers)
			r.Get("/customers/{customerId}", khataService.GetCustomer)
			r.Put("/customers/{customerId}", khataService.UpdateCustomer)
			r.Delete("/customers/{customerId}", khataService.DeleteCustomer)
			r.Post("/customers/{customerId}/entries", khataService.AddEntry)
			r.Put("/customers/{customerId}/entries/{entryId}", khataService.UpdateEntry)
			r.Delete("/customers/{customerId}/entries/{entryId}", khataService.DeleteEntry)
			r.Post("/customers/{customerId}/entries/{entryId}/paid", khataService.MarkEntryPaid)
			r.Post("/customers/{customerId}/payments", khataService.RecordKhataPayment)
			r.Get("/customers/{customerId}/statement", khataService.GetStatement)
			r.Post("/customers/{customerId}/recompute", khataService.RecomputeCustomerTotals)
			r.Get("/khata/stats", khataService.GetKhataStats)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

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
