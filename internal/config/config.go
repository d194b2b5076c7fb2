package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
	BackendSQLite   = "sqlite"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	AppEnv                string
	StoreBackend          string
	DatabaseURL           string
	MongoURI              string
	MongoDatabase         string
	SQLitePath            string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	DefaultShopID         string
	ShopTimezone          string
	InsightsTTLSeconds    int
	AuthSecret            string
	AccessTokenTTLMinutes int
	Logger                LoggerConfig
}

type LoggerConfig struct {
	Development       bool
	Level             string
	Encoding          string
	DisableCaller     bool
	DisableStacktrace bool
}

// Load reads an optional .env file and then the process environment.
func Load() Config {
	_ = godotenv.Load()

	appEnv := getEnv("APP_ENV", "production")
	development := appEnv == "development"
	defaultEncoding := "json"
	defaultLevel := "info"
	if development {
		defaultEncoding = "console"
		defaultLevel = "debug"
	}

	ttl := getEnvInt("INSIGHTS_TTL_SECONDS", 300)
	if ttl < 1 {
		ttl = 300
	}
	tokenTTL := getEnvInt("ACCESS_TOKEN_TTL_MINUTES", 720)
	if tokenTTL < 1 {
		tokenTTL = 720
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		AppEnv:                appEnv,
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		MongoURI:              os.Getenv("MONGO_URI"),
		MongoDatabase:         getEnv("MONGO_DATABASE", "shopledger"),
		SQLitePath:            os.Getenv("SQLITE_PATH"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               getEnvInt("REDIS_DB", 0),
		DefaultShopID:         getEnv("DEFAULT_SHOP_ID", "main-shop"),
		ShopTimezone:          getEnv("SHOP_TIMEZONE", "Asia/Bangkok"),
		InsightsTTLSeconds:    ttl,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		Logger: LoggerConfig{
			Development:       development,
			Level:             getEnv("LOGGER_LEVEL", defaultLevel),
			Encoding:          getEnv("LOGGER_ENCODING", defaultEncoding),
			DisableCaller:     getEnvBool("LOGGER_DISABLE_CALLER", false),
			DisableStacktrace: getEnvBool("LOGGER_DISABLE_STACKTRACE", !development),
		},
	}
	cfg.StoreBackend = resolveBackend(strings.ToLower(strings.TrimSpace(os.Getenv("STORE_BACKEND"))), cfg)

	return cfg
}

// resolveBackend keeps an explicit STORE_BACKEND and otherwise picks the first
// configured database, falling back to memory.
func resolveBackend(explicit string, cfg Config) string {
	switch explicit {
	case BackendMemory, BackendPostgres, BackendMongo, BackendSQLite:
		return explicit
	}
	switch {
	case cfg.DatabaseURL != "":
		return BackendPostgres
	case cfg.MongoURI != "":
		return BackendMongo
	case cfg.SQLitePath != "":
		return BackendSQLite
	}
	return BackendMemory
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return fallback
}
