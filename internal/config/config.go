package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/spec-kit/ticketbot/internal/domain"
)

// ErrMissingToken is returned when the platform token is required but absent.
var ErrMissingToken = errors.New("TELEGRAM_TOKEN is required outside local mode")

// Config aggregates runtime configuration for the bot.
type Config struct {
	App      AppConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Logger   LoggerConfig
	Auth     AuthConfig
	Tickets  TicketConfig
	Telegram TelegramConfig
}

// AppConfig controls process level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	MigrationsDir  string
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// AuthConfig defines ops API token parameters.
type AuthConfig struct {
	JWTSecret             string
	AccessTokenTTLMinutes int
}

// TicketConfig holds lifecycle timings and limits.
type TicketConfig struct {
	InactivitySeconds     int
	ConfirmTimeoutSeconds int
	DeferredCloseSeconds  int
	MaxRenewals           int
	ClaimRetentionSeconds int
	ReconcileConcurrency  int
	HistoryProbeLimit     int
	RegistryBackend       string
	CategoriesFile        string
	Categories            map[domain.Category]CategoryInfo
}

// CategoryInfo is display metadata for a category.
type CategoryInfo struct {
	Label    string `yaml:"label"`
	Guidance string `yaml:"guidance"`
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Token           string
	StaffChatID     int64
	LogChatID       int64
	OwnerIDs        []int64
	PollTimeoutSecs int
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	ownerIDs, err := parseIDList(os.Getenv("TELEGRAM_OWNER_IDS"))
	if err != nil {
		return nil, fmt.Errorf("invalid TELEGRAM_OWNER_IDS: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "support-ticket-bot"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10)),
			MinConns:       int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2)),
			RunMigrations:  getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true),
			MigrationsDir:  getEnv("POSTGRES_MIGRATIONS_DIR", "migrations"),
			ConnMaxIdleSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			JWTSecret:             getEnv("AUTH_JWT_SECRET", "dev-secret"),
			AccessTokenTTLMinutes: getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 60),
		},
		Tickets: TicketConfig{
			InactivitySeconds:     getEnvAsInt("TICKET_INACTIVITY_SECONDS", 1800),
			ConfirmTimeoutSeconds: getEnvAsInt("TICKET_CONFIRM_TIMEOUT_SECONDS", 30),
			DeferredCloseSeconds:  getEnvAsInt("TICKET_DEFERRED_CLOSE_SECONDS", 30),
			MaxRenewals:           getEnvAsInt("TICKET_MAX_RENEWALS", 3),
			ClaimRetentionSeconds: getEnvAsInt("TICKET_CLAIM_RETENTION_SECONDS", 3600),
			ReconcileConcurrency:  getEnvAsInt("TICKET_RECONCILE_CONCURRENCY", 8),
			HistoryProbeLimit:     getEnvAsInt("TICKET_HISTORY_PROBE_LIMIT", 20),
			RegistryBackend:       strings.ToLower(getEnv("TICKET_REGISTRY_BACKEND", "postgres")),
			CategoriesFile:        os.Getenv("TICKET_CATEGORIES_FILE"),
		},
		Telegram: TelegramConfig{
			Token:           os.Getenv("TELEGRAM_TOKEN"),
			StaffChatID:     int64(getEnvAsInt("TELEGRAM_STAFF_CHAT_ID", 0)),
			LogChatID:       int64(getEnvAsInt("TELEGRAM_LOG_CHAT_ID", 0)),
			OwnerIDs:        ownerIDs,
			PollTimeoutSecs: getEnvAsInt("TELEGRAM_POLL_TIMEOUT_SECONDS", 10),
		},
	}

	categories, err := LoadCategories(cfg.Tickets.CategoriesFile)
	if err != nil {
		return nil, err
	}
	cfg.Tickets.Categories = categories

	if !cfg.IsMockMode() && strings.TrimSpace(cfg.Telegram.Token) == "" {
		return nil, ErrMissingToken
	}
	return cfg, nil
}

// IsMockMode reports whether the in-memory platform should be used.
func (c *Config) IsMockMode() bool {
	return c.App.Env == "local" || c.App.Env == "test"
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// Inactivity returns the auto-close window.
func (t TicketConfig) Inactivity() time.Duration {
	return seconds(t.InactivitySeconds, 1800)
}

// ConfirmTimeout returns how long a close prompt waits for a choice.
func (t TicketConfig) ConfirmTimeout() time.Duration {
	return seconds(t.ConfirmTimeoutSeconds, 30)
}

// DeferredCloseDelay returns the delay before a deferred close tears down.
func (t TicketConfig) DeferredCloseDelay() time.Duration {
	return seconds(t.DeferredCloseSeconds, 30)
}

// ClaimRetention returns how long claim flags outlive teardown.
func (t TicketConfig) ClaimRetention() time.Duration {
	return seconds(t.ClaimRetentionSeconds, 3600)
}

// Label returns the display label of a category.
func (t TicketConfig) Label(c domain.Category) string {
	if info, ok := t.Categories[c]; ok && info.Label != "" {
		return info.Label
	}
	return c.Key()
}

// Guidance returns the initial guidance text of a category.
func (t TicketConfig) Guidance(c domain.Category) string {
	if info, ok := t.Categories[c]; ok {
		return info.Guidance
	}
	return ""
}

// LoadCategories reads category display metadata from a YAML file keyed by
// category key. An empty path yields the built-in defaults.
func LoadCategories(path string) (map[domain.Category]CategoryInfo, error) {
	result := defaultCategories()
	if path == "" {
		return result, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read categories file: %w", err)
	}
	var raw map[string]CategoryInfo
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse categories file: %w", err)
	}
	for key, info := range raw {
		category, err := domain.ParseCategory(key)
		if err != nil {
			return nil, fmt.Errorf("categories file: %w", err)
		}
		result[category] = info
	}
	return result, nil
}

func defaultCategories() map[domain.Category]CategoryInfo {
	return map[domain.Category]CategoryInfo{
		domain.CategoryClaims:   {Label: "Claims/Credits", Guidance: "Please describe your issue or request."},
		domain.CategoryBoosts:   {Label: "Server Boosts", Guidance: "Please describe your issue or request."},
		domain.CategoryPremium:  {Label: "Premium Upgrades", Guidance: "Please describe your issue or request."},
		domain.CategoryReseller: {Label: "Reseller", Guidance: "Please describe your issue or request."},
	}
}

func seconds(value, fallback int) time.Duration {
	if value <= 0 {
		value = fallback
	}
	return time.Duration(value) * time.Second
}

func parseIDList(val string) ([]int64, error) {
	if strings.TrimSpace(val) == "" {
		return nil, nil
	}
	var ids []int64
	for _, part := range strings.Split(val, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}
