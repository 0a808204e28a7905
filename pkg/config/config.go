package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pario-ai/tiercache/pkg/models"
	"gopkg.in/yaml.v3"
)

// Config holds all tiercache configuration.
type Config struct {
	Listen    string           `yaml:"listen"`
	DBPath    string           `yaml:"db_path"`
	APIKeys   []string         `yaml:"api_keys"`
	AdminKeys []string         `yaml:"admin_keys"`
	Providers []ProviderConfig `yaml:"providers"`
	Router    RouterConfig     `yaml:"router"`
	Model     ModelConfig      `yaml:"model"`
	Embedder  EmbedderConfig   `yaml:"embedder"`
	Cache     CacheConfig      `yaml:"cache"`
	Semantic  SemanticConfig   `yaml:"semantic"`
	Quota     QuotaConfig      `yaml:"quota"`
	Invoke    InvokeConfig     `yaml:"invoke"`
	Log       LogConfig        `yaml:"log"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Retention RetentionConfig  `yaml:"retention"`
	Session   SessionConfig    `yaml:"session"`
}

// RouterConfig defines model routing and fallback chains.
type RouterConfig struct {
	Routes []RouteConfig `yaml:"routes"`
}

// RouteConfig maps a model alias to an ordered list of targets.
type RouteConfig struct {
	Model   string        `yaml:"model"`
	Targets []RouteTarget `yaml:"targets"`
}

// RouteTarget identifies a specific provider and model in a fallback chain.
type RouteTarget struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// ProviderConfig defines an upstream LLM provider.
// Type is "openai" (default) or "anthropic".
type ProviderConfig struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	Type   string `yaml:"type"`
}

// ModelConfig shapes every live completion.
type ModelConfig struct {
	Name                string  `yaml:"name"`
	Temperature         float64 `yaml:"temperature"`
	MaxCompletionTokens int     `yaml:"max_completion_tokens"`
	SystemPrompt        string  `yaml:"system_prompt"`
}

// EmbedderConfig selects the query embedder. Type is "openai" or "hashing".
type EmbedderConfig struct {
	Type       string        `yaml:"type"`
	URL        string        `yaml:"url"`
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`
}

// CacheConfig controls the exact-match tier.
// Backend is "sqlite" or "redis"; Scope is "global" or "session".
type CacheConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Backend  string        `yaml:"backend"`
	TTL      time.Duration `yaml:"ttl"`
	Scope    string        `yaml:"scope"`
	RedisURL string        `yaml:"redis_url"`
}

// SemanticConfig controls the similarity tier.
// Backend is "sqlite", "memory" or "weaviate".
type SemanticConfig struct {
	Enabled     bool           `yaml:"enabled"`
	Backend     string         `yaml:"backend"`
	Threshold   float64        `yaml:"threshold"`
	SearchLimit int            `yaml:"search_limit"`
	MemoryItems int            `yaml:"memory_items"`
	Weaviate    WeaviateConfig `yaml:"weaviate"`
}

// WeaviateConfig locates the vector database.
type WeaviateConfig struct {
	Host   string `yaml:"host"`
	Scheme string `yaml:"scheme"`
	APIKey string `yaml:"api_key"`
	Class  string `yaml:"class"`
}

// QuotaConfig controls admission and metering. An empty DSN uses DBPath.
type QuotaConfig struct {
	DSN       string             `yaml:"dsn"`
	Policy    models.QuotaPolicy `yaml:"policy"`
	Estimator EstimatorConfig    `yaml:"estimator"`
}

// UnmarshalYAML replaces the default ceilings when the file carries a policy
// block, so an omitted ceiling means unlimited rather than the default. The
// enabled switch keeps its default unless set.
func (q *QuotaConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain QuotaConfig
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == "policy" {
			q.Policy = models.QuotaPolicy{Enabled: q.Policy.Enabled}
		}
	}
	return node.Decode((*plain)(q))
}

// EstimatorConfig controls pre-call token estimation. Encoding selects a
// tiktoken encoding; empty uses the character heuristic alone.
type EstimatorConfig struct {
	CharsPerToken float64 `yaml:"chars_per_token"`
	Encoding      string  `yaml:"encoding"`
}

// InvokeConfig controls upstream calls and retries.
type InvokeConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
	Breaker        BreakerConfig `yaml:"breaker"`
}

// BreakerConfig controls the upstream circuit breaker.
type BreakerConfig struct {
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
}

// LogConfig controls structured logging. An empty File logs to stderr.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// RetentionConfig controls the housekeeping loop. Zero ages disable the
// corresponding prune.
type RetentionConfig struct {
	Interval          time.Duration `yaml:"interval"`
	LogMaxAge         time.Duration `yaml:"log_max_age"`
	EmbeddingMaxAge   time.Duration `yaml:"embedding_max_age"`
	ReservationMaxAge time.Duration `yaml:"reservation_max_age"`
}

// SessionConfig controls session detection and how much of a session is
// replayed to the model as context.
type SessionConfig struct {
	GapTimeout   time.Duration `yaml:"gap_timeout"`
	HistoryTurns int           `yaml:"history_turns"`
}

// Default returns a Config with sensible defaults. The similarity threshold
// and the token heuristic are deliberately left unset: Validate requires
// both to be configured.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		DBPath: "tiercache.db",
		Model: ModelConfig{
			Name:                "gpt-4o",
			Temperature:         0.7,
			MaxCompletionTokens: 1000,
		},
		Embedder: EmbedderConfig{
			Type:       "hashing",
			Model:      "text-embedding-3-small",
			Dimensions: 384,
			Timeout:    10 * time.Second,
		},
		Cache: CacheConfig{
			Enabled: true,
			Backend: "sqlite",
			TTL:     time.Hour,
			Scope:   "global",
		},
		Semantic: SemanticConfig{
			Enabled:     true,
			Backend:     "sqlite",
			SearchLimit: 8,
			MemoryItems: 3,
			Weaviate: WeaviateConfig{
				Scheme: "http",
				Class:  "TiercacheAnswer",
			},
		},
		Quota: QuotaConfig{
			Policy: models.QuotaPolicy{
				Enabled:           true,
				RequestsPerMinute: 20,
				TokensPerRequest:  4000,
				TokensPerDay:      100000,
				TokensPerMonth:    2000000,
			},
		},
		Invoke: InvokeConfig{
			Timeout:        60 * time.Second,
			MaxAttempts:    4,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     8 * time.Second,
			Multiplier:     2,
			Breaker: BreakerConfig{
				ConsecutiveFailures: 5,
				OpenTimeout:         30 * time.Second,
			},
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Retention: RetentionConfig{
			Interval:          time.Hour,
			LogMaxAge:         90 * 24 * time.Hour,
			EmbeddingMaxAge:   30 * 24 * time.Hour,
			ReservationMaxAge: 15 * time.Minute,
		},
		Session: SessionConfig{
			GapTimeout:   30 * time.Minute,
			HistoryTurns: 5,
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// LedgerDSN returns the quota ledger DSN, defaulting to the shared SQLite file.
func (c *Config) LedgerDSN() string {
	if c.Quota.DSN != "" {
		return c.Quota.DSN
	}
	return c.DBPath
}

// InFlightBound is the longest a request can keep a reservation open.
func (c *Config) InFlightBound() time.Duration {
	return c.Invoke.Timeout*time.Duration(max(c.Invoke.MaxAttempts, 1)) + c.Invoke.MaxBackoff
}

func oneOf(field, v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%s: %q is not one of %s", field, v, strings.Join(allowed, ", "))
}

// Validate reports every problem that would stop the answer pipeline from
// starting.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Providers) == 0 {
		errs = append(errs, errors.New("providers: at least one provider is required"))
	}
	for i, p := range c.Providers {
		if p.Name == "" || p.URL == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: name and url are required", i))
		}
		if p.Type != "" {
			if err := oneOf(fmt.Sprintf("providers[%d].type", i), p.Type, "openai", "anthropic"); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if c.Model.Name == "" {
		errs = append(errs, errors.New("model.name is required"))
	}

	if err := oneOf("cache.backend", c.Cache.Backend, "sqlite", "redis"); err != nil {
		errs = append(errs, err)
	}
	if err := oneOf("cache.scope", c.Cache.Scope, "global", "session"); err != nil {
		errs = append(errs, err)
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisURL == "" {
		errs = append(errs, errors.New("cache.redis_url is required for the redis backend"))
	}

	if c.Semantic.Threshold <= 0 || c.Semantic.Threshold > 1 {
		errs = append(errs, fmt.Errorf("semantic.threshold must be set in (0, 1], got %v", c.Semantic.Threshold))
	}
	if err := oneOf("semantic.backend", c.Semantic.Backend, "sqlite", "memory", "weaviate"); err != nil {
		errs = append(errs, err)
	}
	if c.Semantic.Backend == "weaviate" && c.Semantic.Weaviate.Host == "" {
		errs = append(errs, errors.New("semantic.weaviate.host is required for the weaviate backend"))
	}
	if err := oneOf("embedder.type", c.Embedder.Type, "openai", "hashing"); err != nil {
		errs = append(errs, err)
	}
	if c.Embedder.Dimensions <= 0 {
		errs = append(errs, errors.New("embedder.dimensions must be positive"))
	}

	if c.Quota.Estimator.CharsPerToken <= 0 {
		errs = append(errs, fmt.Errorf("quota.estimator.chars_per_token must be set, got %v", c.Quota.Estimator.CharsPerToken))
	}
	if err := c.Quota.Policy.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("quota.policy: %w", err))
	}
	if c.Invoke.MaxAttempts < 1 {
		errs = append(errs, errors.New("invoke.max_attempts must be at least 1"))
	}
	// A reservation reaped while its call is in flight can never be committed.
	if age, floor := c.Retention.ReservationMaxAge, c.InFlightBound(); age > 0 && age < floor {
		errs = append(errs, fmt.Errorf("retention.reservation_max_age must be at least %s (invoke.timeout x max_attempts + max_backoff), got %s", floor, age))
	}

	return errors.Join(errs...)
}
