package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Bus kinds accepted by REACTOR_BUS.
const (
	BusGoChannel = "gochannel"
	BusRedis     = "redis"
	BusNats      = "nats"
)

type Config struct {
	App     AppConfig
	Reactor ReactorConfig
	Auth    AuthConfig
	Typing  TypingConfig
}

type AppConfig struct {
	Port               string
	Environment        string
	LogFilePath        string
	SessionLogPath     string
	CorsAllowedOrigins string
}

type ReactorConfig struct {
	AppID     string
	Bus       string
	RedisURL  string
	NatsURL   string
	ResultTTL time.Duration
	// LocalIDStore is "memory" or "redis".
	LocalIDStore string
}

type AuthConfig struct {
	// JWTSecret guards the websocket handshake. Empty disables the check.
	JWTSecret string
}

type TypingConfig struct {
	StopTimeout time.Duration
}

func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: .env file not found, using system environment")
	}

	return &Config{
		App: AppConfig{
			Port:               getEnv("APP_PORT", "3000"),
			Environment:        getEnv("GO_ENV", "development"),
			LogFilePath:        getEnv("LOG_FILE_PATH", "logs/app.log"),
			SessionLogPath:     getEnv("SESSION_LOG_PATH", "logs/sessions.log"),
			CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),
		},
		Reactor: ReactorConfig{
			AppID:        getEnv("REACTOR_APP_ID", "local"),
			Bus:          strings.ToLower(getEnv("REACTOR_BUS", BusGoChannel)),
			RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379"),
			NatsURL:      getEnv("NATS_URL", "nats://localhost:4222"),
			ResultTTL:    getEnvAsDuration("REACTOR_RESULT_TTL", 5*time.Minute),
			LocalIDStore: strings.ToLower(getEnv("REACTOR_LOCAL_ID_STORE", "memory")),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		Typing: TypingConfig{
			StopTimeout: time.Duration(getEnvAsInt("TYPING_STOP_TIMEOUT_MS", 1000)) * time.Millisecond,
		},
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}
