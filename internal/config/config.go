// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/kotae/internal/llm"
	"github.com/ashita-ai/kotae/internal/model"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	ShutdownTimeout     time.Duration
	MaxRequestBodyBytes int64

	// Storage. SQLitePath selects the embedded store; otherwise DatabaseURL
	// (and NotifyURL for LISTEN/NOTIFY) point at Postgres.
	DatabaseURL string
	NotifyURL   string
	SQLitePath  string

	// Qdrant knowledge index. Empty URL serves knowledge from the store.
	QdrantURL          string
	QdrantAPIKey       string
	QdrantCollection   string
	SearchSyncInterval time.Duration

	// JWT settings. Empty key paths generate an ephemeral key pair.
	JWTPrivateKeyPath string
	JWTPublicKeyPath  string
	JWTExpiration     time.Duration

	// LLM providers, in default resolution order.
	LLMProviders  []llm.Candidate
	LLMTimeout    time.Duration
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	GeminiAPIKey  string
	GeminiModel   string
	OllamaURL     string
	OllamaModel   string
	Pricing       llm.Pricing

	// Engine settings.
	MaxIterationsCap          int
	DefaultMinIterations      int
	DefaultMaxIterations      int
	MaxConcurrentSubQuestions int
	RunTimeout                time.Duration
	SubQuestionTimeout        time.Duration
	ConversationWindow        int

	// Background execution and resumption.
	RunnerWorkers    int
	RunQueueSize     int
	ResumeStaleAfter time.Duration
	ResumeInterval   time.Duration

	// Per-owner rate limit on run creation.
	RateLimitRPS   float64
	RateLimitBurst int

	// OTEL settings.
	OTELEndpoint    string
	OTELInsecure    bool
	OTELSampleRatio float64
	ServiceName     string

	LogLevel string
}

// Load reads and validates configuration from environment variables.
func Load() (Config, error) {
	cfg, err := Parse()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse reads configuration from environment variables with sensible
// defaults but does not validate it, so callers can apply overrides first.
// Every malformed variable is reported, not just the first.
func Parse() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	intVar := func(key string, def int) int {
		v, err := envInt(key, def)
		collect(err)
		return v
	}
	durVar := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		collect(err)
		return v
	}
	floatVar := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		collect(err)
		return v
	}
	boolVar := func(key string, def bool) bool {
		v, err := envBool(key, def)
		collect(err)
		return v
	}

	providers := llm.ParseCandidates(envStr("KOTAE_LLM_PROVIDERS", "openai,gemini,ollama"))

	cfg := Config{
		Port:                intVar("KOTAE_PORT", 8080),
		ReadTimeout:         durVar("KOTAE_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        durVar("KOTAE_WRITE_TIMEOUT", 15*time.Minute),
		ShutdownTimeout:     durVar("KOTAE_SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxRequestBodyBytes: int64(intVar("KOTAE_MAX_REQUEST_BODY_BYTES", 1*1024*1024)),

		DatabaseURL: envStr("DATABASE_URL", ""),
		NotifyURL:   envStr("NOTIFY_URL", ""),
		SQLitePath:  envStr("KOTAE_SQLITE_PATH", ""),

		QdrantURL:          envStr("QDRANT_URL", ""),
		QdrantAPIKey:       envStr("QDRANT_API_KEY", ""),
		QdrantCollection:   envStr("KOTAE_QDRANT_COLLECTION", "kotae_knowledge"),
		SearchSyncInterval: durVar("KOTAE_SEARCH_SYNC_INTERVAL", 30*time.Second),

		JWTPrivateKeyPath: envStr("KOTAE_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:  envStr("KOTAE_JWT_PUBLIC_KEY", ""),
		JWTExpiration:     durVar("KOTAE_JWT_EXPIRATION", 24*time.Hour),

		LLMProviders:  providers,
		LLMTimeout:    durVar("KOTAE_LLM_TIMEOUT", 90*time.Second),
		OpenAIAPIKey:  envStr("OPENAI_API_KEY", ""),
		OpenAIBaseURL: envStr("OPENAI_BASE_URL", llm.DefaultOpenAIBaseURL),
		OpenAIModel:   envStr("KOTAE_OPENAI_MODEL", "gpt-4o-mini"),
		GeminiAPIKey:  envStr("GEMINI_API_KEY", ""),
		GeminiModel:   envStr("KOTAE_GEMINI_MODEL", "gemini-2.0-flash"),
		OllamaURL:     envStr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:   envStr("KOTAE_OLLAMA_MODEL", "qwen2.5:7b"),
		Pricing: llm.Pricing{
			PromptPer1K:     floatVar("KOTAE_PRICE_PROMPT_PER_1K", 0),
			CompletionPer1K: floatVar("KOTAE_PRICE_COMPLETION_PER_1K", 0),
		},

		MaxIterationsCap:          intVar("KOTAE_MAX_ITERATIONS_CAP", model.HardMaxIterations),
		DefaultMinIterations:      intVar("KOTAE_DEFAULT_MIN_ITERATIONS", 1),
		DefaultMaxIterations:      intVar("KOTAE_DEFAULT_MAX_ITERATIONS", 3),
		MaxConcurrentSubQuestions: intVar("KOTAE_MAX_CONCURRENT_SUBQUESTIONS", 4),
		RunTimeout:                durVar("KOTAE_RUN_TIMEOUT", 10*time.Minute),
		SubQuestionTimeout:        durVar("KOTAE_SUBQUESTION_TIMEOUT", 2*time.Minute),
		ConversationWindow:        intVar("KOTAE_CONVERSATION_WINDOW", 20),

		RunnerWorkers:    intVar("KOTAE_RUNNER_WORKERS", 4),
		RunQueueSize:     intVar("KOTAE_RUN_QUEUE_SIZE", 256),
		ResumeStaleAfter: durVar("KOTAE_RESUME_STALE_AFTER", 15*time.Minute),
		ResumeInterval:   durVar("KOTAE_RESUME_INTERVAL", time.Minute),

		RateLimitRPS:   floatVar("KOTAE_RATE_LIMIT_RPS", 1),
		RateLimitBurst: intVar("KOTAE_RATE_LIMIT_BURST", 5),

		OTELEndpoint:    envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:    boolVar("OTEL_EXPORTER_OTLP_INSECURE", false),
		OTELSampleRatio: floatVar("KOTAE_TRACE_SAMPLE_RATIO", 1),
		ServiceName:     envStr("OTEL_SERVICE_NAME", "kotae"),

		LogLevel: envStr("KOTAE_LOG_LEVEL", "info"),
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return cfg, nil
}

var knownProviders = map[string]bool{"openai": true, "gemini": true, "ollama": true}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" && c.SQLitePath == "" {
		errs = append(errs, errors.New("one of DATABASE_URL or KOTAE_SQLITE_PATH is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("KOTAE_PORT=%d is out of range", c.Port))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, errors.New("KOTAE_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.MaxIterationsCap < 1 || c.MaxIterationsCap > model.HardMaxIterations {
		errs = append(errs, fmt.Errorf("KOTAE_MAX_ITERATIONS_CAP must be between 1 and %d", model.HardMaxIterations))
	}
	if c.DefaultMinIterations < 1 || c.DefaultMaxIterations < c.DefaultMinIterations || c.DefaultMaxIterations > c.MaxIterationsCap {
		errs = append(errs, fmt.Errorf("default iterations must satisfy 1 <= min (%d) <= max (%d) <= cap (%d)",
			c.DefaultMinIterations, c.DefaultMaxIterations, c.MaxIterationsCap))
	}
	if c.MaxConcurrentSubQuestions < 1 {
		errs = append(errs, errors.New("KOTAE_MAX_CONCURRENT_SUBQUESTIONS must be positive"))
	}
	if c.RunTimeout <= 0 || c.SubQuestionTimeout <= 0 || c.LLMTimeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	if c.ResumeStaleAfter <= c.RunTimeout {
		// A run still executing elsewhere must never look stale.
		errs = append(errs, fmt.Errorf("KOTAE_RESUME_STALE_AFTER (%s) must exceed KOTAE_RUN_TIMEOUT (%s)",
			c.ResumeStaleAfter, c.RunTimeout))
	}
	if c.RunnerWorkers < 1 || c.RunQueueSize < 1 {
		errs = append(errs, errors.New("KOTAE_RUNNER_WORKERS and KOTAE_RUN_QUEUE_SIZE must be positive"))
	}
	if len(c.LLMProviders) == 0 {
		errs = append(errs, errors.New("KOTAE_LLM_PROVIDERS must name at least one provider"))
	}
	for _, p := range c.LLMProviders {
		if !knownProviders[p.Provider] {
			errs = append(errs, fmt.Errorf("KOTAE_LLM_PROVIDERS: unknown provider %q", p.Provider))
		}
	}
	if c.OTELSampleRatio < 0 || c.OTELSampleRatio > 1 {
		errs = append(errs, errors.New("KOTAE_TRACE_SAMPLE_RATIO must be between 0 and 1"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ParseLogLevel maps KOTAE_LOG_LEVEL to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("KOTAE_LOG_LEVEL=%q is not a valid level", s)
	}
	return lvl, nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
