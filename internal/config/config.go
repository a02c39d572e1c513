package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Security SecurityConfig
	Broker   BrokerConfig
	Engine   EngineConfig
	Logging  LoggingConfig
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port     int
	Host     string
	UseHTTPS bool
	CertFile string
	KeyFile  string
}

// DatabaseConfig - настройки подключения к БД
type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// SecurityConfig holds the at-rest encryption key for broker auth
// material. There is no JWT/session config: this service has no
// user-facing login, only the narrow operator surface.
type SecurityConfig struct {
	EncryptionKey string
}

// BrokerConfig tunes the reference broker REST client (C6).
type BrokerConfig struct {
	BaseURL         string
	RESTCallTimeout time.Duration
	RateLimitPerMin int // posted broker limit, e.g. 80/min
	RateLimitGuard  int // trip the limiter below the posted ceiling
}

// EngineConfig tunes the dispatcher/executor pools and background
// daemons (C11-C15).
type EngineConfig struct {
	// Webhook dispatch (C11)
	DispatcherWorkers int
	QueueCapacity     int
	EnqueueBudget     time.Duration

	// Broker execution (C12)
	ExecutorWorkers int
	TaskDeadline    time.Duration

	// Reconciliation (C13)
	ReconcileInterval time.Duration

	// Token refresh daemon (C14)
	TokenRefreshInterval time.Duration
	TokenRefreshWindow   time.Duration

	// Signal dedup (C3) and copy-trade fill dedup (C15)
	SignalDedupWindow   time.Duration
	SignalDedupCapacity int
	CopyFillDedupWindow time.Duration

	ShutdownDrain time.Duration
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
}

// Load загружает конфигурацию из переменных окружения
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:     getEnvAsInt("SERVER_PORT", 8080),
			Host:     getEnv("SERVER_HOST", "0.0.0.0"),
			UseHTTPS: getEnvAsBool("USE_HTTPS", false),
			CertFile: getEnv("CERT_FILE", ""),
			KeyFile:  getEnv("KEY_FILE", ""),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "futuresbridge"),
			User:     getEnv("DB_USER", "user"),
			Password: getEnv("DB_PASSWORD", "password"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Security: SecurityConfig{
			EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		},
		Broker: BrokerConfig{
			BaseURL:         getEnv("BROKER_BASE_URL", "https://api.broker.example/v1"),
			RESTCallTimeout: getEnvAsDuration("BROKER_REST_TIMEOUT", 60*time.Second),
			RateLimitPerMin: getEnvAsInt("BROKER_RATE_LIMIT_PER_MIN", 80),
			RateLimitGuard:  getEnvAsInt("BROKER_RATE_LIMIT_GUARD", 70),
		},
		Engine: EngineConfig{
			DispatcherWorkers: getEnvAsInt("DISPATCHER_WORKERS", 10),
			QueueCapacity:     getEnvAsInt("QUEUE_CAPACITY", 1000),
			EnqueueBudget:     getEnvAsDuration("ENQUEUE_BUDGET", 50*time.Millisecond),

			ExecutorWorkers: getEnvAsInt("EXECUTOR_WORKERS", 10),
			TaskDeadline:    getEnvAsDuration("TASK_DEADLINE", 60*time.Second),

			ReconcileInterval: getEnvAsDuration("RECONCILE_INTERVAL", 300*time.Second),

			TokenRefreshInterval: getEnvAsDuration("TOKEN_REFRESH_INTERVAL", 5*time.Minute),
			TokenRefreshWindow:   getEnvAsDuration("TOKEN_REFRESH_WINDOW", 30*time.Minute),

			SignalDedupWindow:   getEnvAsDuration("SIGNAL_DEDUP_WINDOW", 5*time.Second),
			SignalDedupCapacity: getEnvAsInt("SIGNAL_DEDUP_CAPACITY", 10000),
			CopyFillDedupWindow: getEnvAsDuration("COPY_FILL_DEDUP_WINDOW", 10*time.Second),

			ShutdownDrain: getEnvAsDuration("SHUTDOWN_DRAIN", 10*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	// Валидация критичных параметров
	if cfg.Security.EncryptionKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required for encrypting broker auth material")
	}

	if len(cfg.Security.EncryptionKey) != 32 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes for ChaCha20-Poly1305")
	}

	return cfg, nil
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
