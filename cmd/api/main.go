package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"

	"github.com/mybooks/server/internal/auth"
	"github.com/mybooks/server/internal/config"
	"github.com/mybooks/server/internal/db"
	httphandler "github.com/mybooks/server/internal/http"
	"github.com/mybooks/server/internal/http/handlers"
	"github.com/mybooks/server/internal/repo"
	"github.com/mybooks/server/internal/sms"
)

func main() {
	// Load .env from CWD so it works from repo root (env vars override)
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()

	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	if err := runMigrations(database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Initialize repositories
	userRepo := repo.NewUserRepo(database)
	authRequestRepo := repo.NewAuthRequestRepo(database)
	otpRepo := repo.NewOtpRepo(database)

	sender, err := buildSender(cfg)
	if err != nil {
		log.Fatalf("Failed to configure SMS gateway: %v", err)
	}

	limiter := auth.NewRateLimiter(otpRepo)
	authService := auth.NewService(userRepo, authRequestRepo, otpRepo, sender, limiter, cfg.OTPSalt)
	authHandler := handlers.NewAuthHandler(authService)

	router := httphandler.NewRouter(authHandler)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

// buildSender selects the real gateway or the dev stand-in. DEV_MODE
// never sends; everything else requires Eskiz credentials.
func buildSender(cfg *config.Config) (sms.Sender, error) {
	if cfg.DevMode {
		log.Println("DEV_MODE: SMS codes are logged, not sent")
		return sms.NewLogSender(), nil
	}
	return sms.NewEskiz(sms.EskizConfig{
		Email:       cfg.EskizEmail,
		Password:    cfg.EskizPassword,
		From:        cfg.EskizFrom,
		CallbackURL: cfg.EskizCallbackURL,
	})
}

// runMigrations runs database migrations using goose
func runMigrations(database *sql.DB) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	migrationDir := "internal/db/migrations"
	if info, err := os.Stat(migrationDir); err != nil || !info.IsDir() {
		return fmt.Errorf("migrations directory not found (run from repo root)")
	}

	absDir, _ := filepath.Abs(migrationDir)
	log.Printf("Running migrations from %s", absDir)

	if err := goose.Up(database, migrationDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
