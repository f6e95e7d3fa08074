// Package config loads service configuration from a YAML file with
// RAGGUARD_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fractal-lba/ragguard/internal/abtest"
	"github.com/fractal-lba/ragguard/internal/cache"
	"github.com/fractal-lba/ragguard/internal/confidence"
	"github.com/fractal-lba/ragguard/internal/eval"
	"github.com/fractal-lba/ragguard/internal/grader"
	"github.com/fractal-lba/ragguard/internal/llm"
	"github.com/fractal-lba/ragguard/internal/selfrag"
	tracing "github.com/fractal-lba/ragguard/pkg/otel"
)

// Config is the full service configuration.
type Config struct {
	LLM         LLMConfig         `yaml:"llm"`
	Cache       CacheConfig       `yaml:"cache"`
	Grader      GraderConfig      `yaml:"grader"`
	SelfRAG     SelfRAGConfig     `yaml:"selfrag"`
	Confidence  ConfidenceConfig  `yaml:"confidence"`
	Eval        EvalConfig        `yaml:"eval"`
	Experiments ExperimentsConfig `yaml:"experiments"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Server      ServerConfig      `yaml:"server"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

type LLMConfig struct {
	Provider          string        `yaml:"provider"`
	Model             string        `yaml:"model"`
	APIKeyEnv         string        `yaml:"api_key_env"`
	BaseURL           string        `yaml:"base_url"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	Timeout           time.Duration `yaml:"timeout"`
}

type CacheConfig struct {
	Backend       string        `yaml:"backend"`
	Size          int           `yaml:"size"`
	TTL           time.Duration `yaml:"ttl"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	PostgresDSN   string        `yaml:"postgres_dsn"`
}

type GraderConfig struct {
	Threshold    float64 `yaml:"threshold"`
	MaxDocuments int     `yaml:"max_documents"`
}

type SelfRAGConfig struct {
	MaxIterations int     `yaml:"max_iterations"`
	MinConfidence float64 `yaml:"min_confidence"`
}

type ConfidenceConfig struct {
	DeepAnalysis bool               `yaml:"deep_analysis"`
	Weights      confidence.Weights `yaml:"weights"`
}

type EvalConfig struct {
	PassThreshold float64       `yaml:"pass_threshold"`
	Concurrency   int           `yaml:"concurrency"`
	CaseTimeout   time.Duration `yaml:"case_timeout"`
	Weights       eval.Weights  `yaml:"weights"`
}

type ExperimentsConfig struct {
	MinSamplesPerVariant int     `yaml:"min_samples_per_variant"`
	MinScoreDelta        float64 `yaml:"min_score_delta"`
	SnapshotPath         string  `yaml:"snapshot_path"`
}

// RetrievalConfig points at the document search service. An empty URL
// disables the answer endpoint.
type RetrievalConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	TopK    int           `yaml:"top_k"`
}

type ServerConfig struct {
	Port        string `yaml:"port"`
	TokenRate   int    `yaml:"token_rate"`
	MetricsUser string `yaml:"metrics_user"`
	MetricsPass string `yaml:"metrics_pass"`
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"sampling_rate"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
}

// Default returns the built-in configuration.
func Default() Config {
	ev := eval.DefaultConfig()
	ex := abtest.DefaultConfig()
	gr := grader.DefaultConfig()
	sr := selfrag.DefaultOptions()
	return Config{
		LLM: LLMConfig{
			Provider:          "openai",
			Model:             "gpt-4o-mini",
			RequestsPerSecond: 10,
			Burst:             20,
			Timeout:           30 * time.Second,
		},
		Cache: CacheConfig{
			Backend:   "memory",
			Size:      10000,
			TTL:       gr.CacheTTL,
			RedisAddr: "localhost:6379",
		},
		Grader:     GraderConfig{Threshold: gr.Threshold, MaxDocuments: gr.MaxDocuments},
		SelfRAG:    SelfRAGConfig{MaxIterations: sr.MaxIterations, MinConfidence: sr.MinConfidence},
		Confidence: ConfidenceConfig{Weights: confidence.DefaultWeights()},
		Eval: EvalConfig{
			PassThreshold: ev.PassThreshold,
			Concurrency:   ev.Concurrency,
			CaseTimeout:   ev.CaseTimeout,
			Weights:       ev.Weights,
		},
		Experiments: ExperimentsConfig{
			MinSamplesPerVariant: ex.MinSamplesPerVariant,
			MinScoreDelta:        ex.MinScoreDelta,
			SnapshotPath:         "data/experiments.json",
		},
		Retrieval: RetrievalConfig{Timeout: 10 * time.Second, TopK: 10},
		Server:    ServerConfig{Port: "8080", TokenRate: 100},
		Telemetry: TelemetryConfig{
			Endpoint:     "localhost:4317",
			Insecure:     true,
			SamplingRate: 1.0,
			ServiceName:  "ragguard",
			Environment:  "development",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from RAGGUARD_* environment variables.
func (c *Config) ApplyEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("RAGGUARD_LLM_PROVIDER", &c.LLM.Provider)
	str("RAGGUARD_LLM_MODEL", &c.LLM.Model)
	str("RAGGUARD_LLM_BASE_URL", &c.LLM.BaseURL)
	str("RAGGUARD_LLM_API_KEY_ENV", &c.LLM.APIKeyEnv)
	str("RAGGUARD_CACHE_BACKEND", &c.Cache.Backend)
	str("RAGGUARD_REDIS_ADDR", &c.Cache.RedisAddr)
	str("RAGGUARD_REDIS_PASSWORD", &c.Cache.RedisPassword)
	str("RAGGUARD_POSTGRES_DSN", &c.Cache.PostgresDSN)
	str("RAGGUARD_RETRIEVAL_URL", &c.Retrieval.URL)
	str("RAGGUARD_SNAPSHOT_PATH", &c.Experiments.SnapshotPath)
	str("RAGGUARD_PORT", &c.Server.Port)
	str("RAGGUARD_METRICS_USER", &c.Server.MetricsUser)
	str("RAGGUARD_METRICS_PASS", &c.Server.MetricsPass)
	str("RAGGUARD_OTEL_ENDPOINT", &c.Telemetry.Endpoint)

	var errs []error
	if v := os.Getenv("RAGGUARD_TOKEN_RATE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("RAGGUARD_TOKEN_RATE: %w", err))
		}
		c.Server.TokenRate = n
	}
	if v := os.Getenv("RAGGUARD_LLM_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("RAGGUARD_LLM_RPS: %w", err))
		}
		c.LLM.RequestsPerSecond = f
	}
	if v := os.Getenv("RAGGUARD_DEEP_ANALYSIS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("RAGGUARD_DEEP_ANALYSIS: %w", err))
		}
		c.Confidence.DeepAnalysis = b
	}
	if v := os.Getenv("RAGGUARD_TELEMETRY_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("RAGGUARD_TELEMETRY_ENABLED: %w", err))
		}
		c.Telemetry.Enabled = b
	}
	return errors.Join(errs...)
}

// Issue is one validation problem.
type Issue struct {
	Field   string
	Message string
}

// ValidationError aggregates config validation issues.
type ValidationError struct {
	Issues []Issue
}

func (err *ValidationError) Error() string {
	if err == nil || len(err.Issues) == 0 {
		return "config validation failed"
	}
	lines := make([]string, 0, len(err.Issues))
	for _, issue := range err.Issues {
		lines = append(lines, fmt.Sprintf("%s: %s", issue.Field, issue.Message))
	}
	return strings.Join(lines, "\n")
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var issues []Issue
	add := func(field, msg string) { issues = append(issues, Issue{Field: field, Message: msg}) }
	unit := func(field string, v float64) {
		if v < 0 || v > 1 {
			add(field, fmt.Sprintf("must be in [0,1], got %v", v))
		}
	}

	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		add("llm.provider", fmt.Sprintf("unknown provider %q", c.LLM.Provider))
	}
	if c.LLM.RequestsPerSecond < 0 {
		add("llm.requests_per_second", "must not be negative")
	}

	switch c.Cache.Backend {
	case "memory":
		if c.Cache.Size <= 0 {
			add("cache.size", "must be positive")
		}
	case "redis":
		if c.Cache.RedisAddr == "" {
			add("cache.redis_addr", "is required for the redis backend")
		}
	case "postgres":
		if c.Cache.PostgresDSN == "" {
			add("cache.postgres_dsn", "is required for the postgres backend")
		}
	default:
		add("cache.backend", fmt.Sprintf("unknown backend %q", c.Cache.Backend))
	}

	unit("grader.threshold", c.Grader.Threshold)
	if c.SelfRAG.MaxIterations < 1 {
		add("selfrag.max_iterations", "must be at least 1")
	}
	unit("selfrag.min_confidence", c.SelfRAG.MinConfidence)
	if err := c.Confidence.Weights.Validate(); err != nil {
		add("confidence.weights", err.Error())
	}
	unit("eval.pass_threshold", c.Eval.PassThreshold)
	if c.Eval.Concurrency < 1 {
		add("eval.concurrency", "must be at least 1")
	}
	if err := c.Eval.Weights.Validate(); err != nil {
		add("eval.weights", err.Error())
	}
	if c.Experiments.MinSamplesPerVariant < 1 {
		add("experiments.min_samples_per_variant", "must be at least 1")
	}
	if c.Server.Port == "" {
		add("server.port", "is required")
	}
	if c.Server.TokenRate < 1 {
		add("server.token_rate", "must be at least 1")
	}
	if (c.Server.MetricsUser == "") != (c.Server.MetricsPass == "") {
		add("server.metrics_user", "metrics_user and metrics_pass must be set together")
	}
	unit("telemetry.sampling_rate", c.Telemetry.SamplingRate)

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// APIKey returns the LLM key from the configured environment variable,
// defaulting to the provider's conventional name.
func (c *Config) APIKey() string {
	name := c.LLM.APIKeyEnv
	if name == "" {
		switch c.LLM.Provider {
		case "anthropic":
			name = "ANTHROPIC_API_KEY"
		default:
			name = "OPENAI_API_KEY"
		}
	}
	return os.Getenv(name)
}

// LLMClientConfig returns the completer configuration.
func (c *Config) LLMClientConfig() llm.Config {
	return llm.Config{
		Provider: c.LLM.Provider,
		Model:    c.LLM.Model,
		APIKey:   c.APIKey(),
		BaseURL:  c.LLM.BaseURL,
		Timeout:  c.LLM.Timeout,
	}
}

func (c *Config) CacheOptions() cache.Options {
	return cache.Options{
		Backend:       c.Cache.Backend,
		Size:          c.Cache.Size,
		RedisAddr:     c.Cache.RedisAddr,
		RedisPassword: c.Cache.RedisPassword,
		RedisDB:       c.Cache.RedisDB,
		PostgresDSN:   c.Cache.PostgresDSN,
	}
}

func (c *Config) GraderConfig() grader.Config {
	cfg := grader.DefaultConfig()
	cfg.Threshold = c.Grader.Threshold
	cfg.MaxDocuments = c.Grader.MaxDocuments
	cfg.CacheTTL = c.Cache.TTL
	return cfg
}

func (c *Config) SelfRAGOptions() selfrag.Options {
	return selfrag.Options{MaxIterations: c.SelfRAG.MaxIterations, MinConfidence: c.SelfRAG.MinConfidence}
}

func (c *Config) EvalConfig() eval.Config {
	cfg := eval.DefaultConfig()
	cfg.Weights = c.Eval.Weights
	cfg.PassThreshold = c.Eval.PassThreshold
	cfg.Concurrency = c.Eval.Concurrency
	cfg.CaseTimeout = c.Eval.CaseTimeout
	return cfg
}

func (c *Config) ExperimentConfig() abtest.Config {
	return abtest.Config{
		MinSamplesPerVariant: c.Experiments.MinSamplesPerVariant,
		MinScoreDelta:        c.Experiments.MinScoreDelta,
		SnapshotPath:         c.Experiments.SnapshotPath,
	}
}

func (c *Config) TracingConfig() *tracing.Config {
	cfg := tracing.DefaultConfig(c.Telemetry.ServiceName)
	cfg.CollectorEndpoint = c.Telemetry.Endpoint
	cfg.CollectorInsecure = c.Telemetry.Insecure
	cfg.SamplingRate = c.Telemetry.SamplingRate
	cfg.Environment = c.Telemetry.Environment
	return cfg
}
