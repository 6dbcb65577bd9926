package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the shopping assistant service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool
	LogLevel         string

	SessionStore         string
	SessionTTL           time.Duration
	SessionMaxMessages   int
	SessionSweepInterval time.Duration
	RedisURL             string

	DatabaseURL string

	VectorBackend    string
	QdrantURL        string
	QdrantAPIKey     string
	QdrantCollection string

	EmbeddingProvider string
	EmbeddingURL      string
	EmbeddingModel    string
	EmbeddingDim      int
	EmbeddingTimeout  time.Duration
	SearchTimeout     time.Duration

	LLMMode    string
	LLMHTTPURL string
	LLMModel   string
	LLMTimeout time.Duration

	CatalogBackend string
	SupabaseURL    string
	SupabaseAPIKey string

	StoreTimeout    time.Duration
	SurveyEvery     int
	MaxMessageChars int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "shopkeeper"),
		AllowAnyOrigin:   false,
		LogLevel:         strings.ToLower(envOrDefault("LOG_LEVEL", "info")),

		SessionStore:         strings.ToLower(envOrDefault("SESSION_STORE", "memory")),
		SessionTTL:           30 * time.Minute,
		SessionMaxMessages:   20,
		SessionSweepInterval: time.Minute,
		RedisURL:             stringsTrimSpace("REDIS_URL"),

		DatabaseURL: stringsTrimSpace("DATABASE_URL"),

		VectorBackend:    strings.ToLower(envOrDefault("VECTOR_BACKEND", "memory")),
		QdrantURL:        envOrDefault("QDRANT_URL", "localhost:6334"),
		QdrantAPIKey:     stringsTrimSpace("QDRANT_API_KEY"),
		QdrantCollection: envOrDefault("QDRANT_COLLECTION", "shop_knowledge"),

		// "hash" keeps the service usable without a model server.
		EmbeddingProvider: strings.ToLower(envOrDefault("EMBEDDING_PROVIDER", "hash")),
		EmbeddingURL:      envOrDefault("EMBEDDING_URL", "http://localhost:11434"),
		EmbeddingModel:    envOrDefault("EMBEDDING_MODEL", "nomic-embed-text"),
		EmbeddingDim:      768,
		EmbeddingTimeout:  5 * time.Second,
		SearchTimeout:     3 * time.Second,

		LLMMode:    strings.ToLower(envOrDefault("LLM_MODE", "auto")),
		LLMHTTPURL: stringsTrimSpace("LLM_HTTP_URL"),
		LLMModel:   envOrDefault("LLM_MODEL", "shop-assistant"),
		LLMTimeout: 15 * time.Second,

		CatalogBackend: strings.ToLower(envOrDefault("CATALOG_BACKEND", "memory")),
		SupabaseURL:    stringsTrimSpace("SUPABASE_URL"),
		SupabaseAPIKey: stringsTrimSpace("SUPABASE_API_KEY"),

		ShutdownTimeout: 15 * time.Second,
		StoreTimeout:    2 * time.Second,
		SurveyEvery:     3,
		MaxMessageChars: 2000,
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.SessionTTL, err = durationFromEnv("SESSION_TTL", cfg.SessionTTL); err != nil {
		return Config{}, err
	}
	if cfg.SessionMaxMessages, err = intFromEnv("SESSION_MAX_MESSAGES", cfg.SessionMaxMessages); err != nil {
		return Config{}, err
	}
	if cfg.SessionSweepInterval, err = durationFromEnv("SESSION_SWEEP_INTERVAL", cfg.SessionSweepInterval); err != nil {
		return Config{}, err
	}
	if cfg.EmbeddingDim, err = intFromEnv("EMBEDDING_DIM", cfg.EmbeddingDim); err != nil {
		return Config{}, err
	}
	if cfg.EmbeddingTimeout, err = durationFromEnv("EMBEDDING_TIMEOUT", cfg.EmbeddingTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SearchTimeout, err = durationFromEnv("SEARCH_TIMEOUT", cfg.SearchTimeout); err != nil {
		return Config{}, err
	}
	if cfg.LLMTimeout, err = durationFromEnv("LLM_TIMEOUT", cfg.LLMTimeout); err != nil {
		return Config{}, err
	}
	if cfg.StoreTimeout, err = durationFromEnv("STORE_TIMEOUT", cfg.StoreTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SurveyEvery, err = intFromEnv("SURVEY_EVERY", cfg.SurveyEvery); err != nil {
		return Config{}, err
	}
	if cfg.MaxMessageChars, err = intFromEnv("MAX_MESSAGE_CHARS", cfg.MaxMessageChars); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	if cfg.SessionTTL < time.Second {
		return fmt.Errorf("SESSION_TTL must be at least 1s")
	}
	if cfg.SessionMaxMessages <= 0 {
		return fmt.Errorf("SESSION_MAX_MESSAGES must be positive")
	}
	if cfg.SessionSweepInterval <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be positive")
	}
	if cfg.EmbeddingDim <= 0 {
		return fmt.Errorf("EMBEDDING_DIM must be positive")
	}
	if cfg.SurveyEvery <= 0 {
		return fmt.Errorf("SURVEY_EVERY must be positive")
	}
	if cfg.MaxMessageChars <= 0 {
		return fmt.Errorf("MAX_MESSAGE_CHARS must be positive")
	}
	for key, d := range map[string]time.Duration{
		"EMBEDDING_TIMEOUT": cfg.EmbeddingTimeout,
		"SEARCH_TIMEOUT":    cfg.SearchTimeout,
		"LLM_TIMEOUT":       cfg.LLMTimeout,
		"STORE_TIMEOUT":     cfg.StoreTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}

	switch cfg.SessionStore {
	case "memory":
	case "redis":
		if cfg.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when SESSION_STORE=redis")
		}
	default:
		return fmt.Errorf("SESSION_STORE must be memory or redis, got %q", cfg.SessionStore)
	}

	switch cfg.VectorBackend {
	case "memory", "qdrant":
	case "pgvector":
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when VECTOR_BACKEND=pgvector")
		}
	default:
		return fmt.Errorf("VECTOR_BACKEND must be memory, qdrant or pgvector, got %q", cfg.VectorBackend)
	}

	switch cfg.EmbeddingProvider {
	case "hash", "ollama":
	default:
		return fmt.Errorf("EMBEDDING_PROVIDER must be hash or ollama, got %q", cfg.EmbeddingProvider)
	}

	switch cfg.LLMMode {
	case "auto", "http", "mock":
	default:
		return fmt.Errorf("LLM_MODE must be auto, http or mock, got %q", cfg.LLMMode)
	}
	if cfg.LLMMode == "http" && cfg.LLMHTTPURL == "" {
		return fmt.Errorf("LLM_HTTP_URL is required when LLM_MODE=http")
	}

	switch cfg.CatalogBackend {
	case "memory":
	case "supabase":
		if cfg.SupabaseURL == "" || cfg.SupabaseAPIKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_API_KEY are required when CATALOG_BACKEND=supabase")
		}
	default:
		return fmt.Errorf("CATALOG_BACKEND must be memory or supabase, got %q", cfg.CatalogBackend)
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", cfg.LogLevel)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
