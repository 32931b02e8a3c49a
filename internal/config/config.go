package config

import (
	"fmt"
	"os"
)

// Config holds the application configuration shared by the API and bot
// processes.
type Config struct {
	DatabaseURL string
	Port        string
	OTPSalt     string

	BotToken    string
	BotUsername string

	EskizEmail       string
	EskizPassword    string
	EskizFrom        string
	EskizCallbackURL string

	DevMode bool
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:        "8080", // default port
		BotUsername: "mybooks_parol_bot",
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	cfg.DatabaseURL = databaseURL

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}

	otpSalt := os.Getenv("OTP_SALT")
	if otpSalt == "" {
		return nil, fmt.Errorf("OTP_SALT environment variable is required")
	}
	cfg.OTPSalt = otpSalt

	cfg.BotToken = os.Getenv("BOT_TOKEN")
	if username := os.Getenv("BOT_USERNAME"); username != "" {
		cfg.BotUsername = username
	}

	cfg.EskizEmail = os.Getenv("ESKIZ_EMAIL")
	cfg.EskizPassword = os.Getenv("ESKIZ_PASSWORD")
	cfg.EskizFrom = os.Getenv("ESKIZ_FROM")
	cfg.EskizCallbackURL = os.Getenv("ESKIZ_CALLBACK_URL")

	cfg.DevMode = os.Getenv("DEV_MODE") == "true"

	return cfg, nil
}
