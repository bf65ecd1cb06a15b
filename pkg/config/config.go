package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the hedging core service.
type Config struct {
	Port string

	// Inbound auth
	BotSecret     string // HMAC key shared with the platform
	AdminKey      string // X-Admin-Key for admin endpoints
	AllowInsecure bool   // skip inbound signature checks (development only)

	// Session limits
	MaxSessions        int
	ShutdownTimeoutSec int

	// Session defaults
	SessionDefaultsPath string

	// Database (indicator state persistence)
	DBPath string

	// Logging
	LogLevel      string
	LogOutput     string // console, file, both
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
	LogCompress   bool

	GinMode string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the service still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                getEnv("PORT", "8080"),
		BotSecret:           os.Getenv("BOT_SECRET"),
		AdminKey:            os.Getenv("ADMIN_KEY"),
		AllowInsecure:       getEnv("ALLOW_INSECURE", "false") == "true",
		MaxSessions:         getEnvInt("MAX_SESSIONS", 100),
		ShutdownTimeoutSec:  getEnvInt("SHUTDOWN_TIMEOUT_SEC", 30),
		SessionDefaultsPath: getEnv("SESSION_DEFAULTS_PATH", "./defaults.yaml"),
		DBPath:              getEnv("DB_PATH", "./data/hedging.db"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogOutput:           strings.ToLower(getEnv("LOG_OUTPUT", "console")),
		LogFile:             getEnv("LOG_FILE", "./logs/hedging-core.log"),
		LogMaxSizeMB:        getEnvInt("LOG_MAX_SIZE_MB", 100),
		LogMaxBackups:       getEnvInt("LOG_MAX_BACKUPS", 5),
		LogMaxAgeDays:       getEnvInt("LOG_MAX_AGE_DAYS", 30),
		LogCompress:         getEnv("LOG_COMPRESS", "true") == "true",
		GinMode:             getEnv("GIN_MODE", "release"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
