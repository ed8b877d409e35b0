package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers
const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

// Config структура конфигурации
type Config struct {
	Port             string
	AppEnv           string
	TelegramBotToken string
	JWTSecret        string

	StoreDriver    string
	DatabaseURL    string
	DatabaseConfig DatabaseConfig
	MongoConfig    MongoConfig

	NATSConfig  NATSConfig
	RedisConfig RedisConfig

	Sweep  SweepConfig
	Policy PolicyConfig

	// EnvFileLoaded - был ли найден .env
	EnvFileLoaded bool
}

// DatabaseConfig содержит конфигурацию базы данных
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// URL собирает строку подключения к Postgres
func (d DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

// MongoConfig содержит параметры MongoDB
type MongoConfig struct {
	URI      string
	Database string
}

// NATSConfig - брокер уведомлений; пустой URL отключает публикацию
type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

// RedisConfig - блокировка обхода; пустой адрес означает локальную блокировку
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// SweepConfig - расписание и окна обслуживания
type SweepConfig struct {
	Schedule         string
	Timeout          time.Duration
	StaleAfter       time.Duration
	ExpiredRetention time.Duration
}

// PolicyConfig - политика жалоб
type PolicyConfig struct {
	ReportThreshold int
	FlagDuration    time.Duration
}

// LoadConfig загружает .env (если он есть) и переменные окружения
func LoadConfig() (*Config, error) {
	loaded := godotenv.Load() == nil

	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}
	cfg.EnvFileLoaded = loaded
	return cfg, nil
}

// FromEnv читает конфигурацию только из окружения
func FromEnv() (*Config, error) {
	dbConfig := DatabaseConfig{
		Host:     getEnv("PGHOST", "localhost"),
		Port:     getEnv("PGPORT", "5432"),
		User:     getEnv("PGUSER", "bookswap_user"),
		Password: getEnv("PGPASSWORD", "bookswap_pass"),
		Name:     getEnv("PGDATABASE", "bookswap"),
		SSLMode:  getEnv("PGSSLMODE", "disable"),
	}

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		AppEnv:           getEnv("APP_ENV", "production"),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		JWTSecret:        getEnv("JWT_SECRET", ""),
		StoreDriver:      strings.ToLower(getEnv("STORE_DRIVER", DriverPostgres)),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		DatabaseConfig:   dbConfig,
		MongoConfig: MongoConfig{
			URI:      getEnv("MONGO_URI", "mongodb://localhost:27017"),
			Database: getEnv("MONGO_DATABASE", "bookswap"),
		},
		NATSConfig: NATSConfig{
			URL:           getEnv("NATS_URL", ""),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "bookswap"),
		},
		RedisConfig: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
		},
		Sweep: SweepConfig{
			Schedule: getEnv("SWEEP_SCHEDULE", "0 3 * * *"),
		},
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = dbConfig.URL()
	}

	var err error
	if cfg.RedisConfig.DB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.Sweep.Timeout, err = getEnvDuration("SWEEP_TIMEOUT", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Sweep.StaleAfter, err = getEnvDuration("STALE_AFTER", 7*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.Sweep.ExpiredRetention, err = getEnvDuration("EXPIRED_RETENTION", 30*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.Policy.ReportThreshold, err = getEnvInt("REPORT_THRESHOLD", 5); err != nil {
		return nil, err
	}
	if cfg.Policy.FlagDuration, err = getEnvDuration("FLAG_DURATION", 7*24*time.Hour); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("не задана обязательная переменная окружения JWT_SECRET")
	}
	switch c.StoreDriver {
	case DriverPostgres, DriverMongo, DriverMemory:
	default:
		return fmt.Errorf("неизвестный STORE_DRIVER %q", c.StoreDriver)
	}
	if c.Policy.ReportThreshold < 1 {
		return fmt.Errorf("REPORT_THRESHOLD должен быть положительным")
	}
	return nil
}

// getEnv получает переменную окружения или использует дефолтное значение
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: ожидалось целое число: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: ожидалась длительность: %w", key, err)
	}
	return d, nil
}
