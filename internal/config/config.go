package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure.
type Config struct {
	Server          ServerConfig          `json:"server" yaml:"server"`
	Providers       []ProviderConfig      `json:"providers" yaml:"providers"`
	Pipeline        PipelineConfig        `json:"pipeline" yaml:"pipeline"`
	Validation      ValidationConfig      `json:"validation" yaml:"validation"`
	Personalization PersonalizationConfig `json:"personalization" yaml:"personalization"`
	Database        DatabaseConfig        `json:"database" yaml:"database"`
	Embedding       EmbeddingConfig       `json:"embedding" yaml:"embedding"`
	Sweep           SweepConfig           `json:"sweep" yaml:"sweep"`
}

type ServerConfig struct {
	Port     int    `json:"port" yaml:"port"`
	LogLevel string `json:"log_level" yaml:"log_level"`
}

// ProviderConfig describes one generation backend. Order in the config file
// is the fallback order.
type ProviderConfig struct {
	ID        string            `json:"id" yaml:"id"`
	Type      string            `json:"type" yaml:"type"`
	Name      string            `json:"name" yaml:"name"`
	Endpoint  string            `json:"endpoint" yaml:"endpoint"`
	APIKey    string            `json:"api_key" yaml:"api_key"`
	Models    []string          `json:"models,omitempty" yaml:"models,omitempty"`
	TimeoutMs int               `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	Extra     map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

type PipelineConfig struct {
	MaxRetries          *int    `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	ClassifierTimeoutMs int     `json:"classifier_timeout_ms" yaml:"classifier_timeout_ms"`
	RetrievalTimeoutMs  int     `json:"retrieval_timeout_ms" yaml:"retrieval_timeout_ms"`
	GenerationTimeoutMs int     `json:"generation_timeout_ms" yaml:"generation_timeout_ms"`
	ValidationTimeoutMs int     `json:"validation_timeout_ms" yaml:"validation_timeout_ms"`
	TopK                int     `json:"top_k" yaml:"top_k"`
	MinSimilarity       float64 `json:"min_similarity" yaml:"min_similarity"`
	SemanticWeight      float64 `json:"semantic_weight" yaml:"semantic_weight"`
	LexicalWeight       float64 `json:"lexical_weight" yaml:"lexical_weight"`
	ContextBudget       int     `json:"context_budget" yaml:"context_budget"`
	HistoryTurns        int     `json:"history_turns" yaml:"history_turns"`
	FallbackMessage     string  `json:"fallback_message" yaml:"fallback_message"`
	UseLLMClassifier    bool    `json:"use_llm_classifier" yaml:"use_llm_classifier"`
}

// LevelWeights are the aggregation weights of the three sub-checks.
type LevelWeights struct {
	Fact          float64 `json:"fact" yaml:"fact"`
	Confidence    float64 `json:"confidence" yaml:"confidence"`
	Contradiction float64 `json:"contradiction" yaml:"contradiction"`
}

type ValidationConfig struct {
	FactThreshold       float64                 `json:"fact_threshold" yaml:"fact_threshold"`
	AcceptThreshold     float64                 `json:"accept_threshold" yaml:"accept_threshold"`
	RejectThreshold     float64                 `json:"reject_threshold" yaml:"reject_threshold"`
	SevereContradiction float64                 `json:"severe_contradiction" yaml:"severe_contradiction"`
	Weights             map[string]LevelWeights `json:"weights,omitempty" yaml:"weights,omitempty"`
}

type PersonalizationConfig struct {
	LearningRate float64 `json:"learning_rate" yaml:"learning_rate"`
	Window       int     `json:"window" yaml:"window"`
	HistoryLimit int     `json:"history_limit" yaml:"history_limit"`
	Workers      int     `json:"workers" yaml:"workers"`
}

type DatabaseConfig struct {
	// MemoryBackend selects the memory store: memory, sqlite, postgres or neo4j.
	MemoryBackend string         `json:"memory_backend" yaml:"memory_backend"`
	Postgres      PostgresConfig `json:"postgres" yaml:"postgres"`
	SQLite        SQLiteConfig   `json:"sqlite" yaml:"sqlite"`
	Neo4j         Neo4jConfig    `json:"neo4j" yaml:"neo4j"`
	Redis         RedisConfig    `json:"redis" yaml:"redis"`
	Qdrant        QdrantConfig   `json:"qdrant" yaml:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn" yaml:"dsn"`
}

type SQLiteConfig struct {
	Path string `json:"path" yaml:"path"`
}

type Neo4jConfig struct {
	URI      string `json:"uri" yaml:"uri"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
}

type RedisConfig struct {
	URL    string `json:"url" yaml:"url"`
	Stream string `json:"stream" yaml:"stream"`
	Group  string `json:"group" yaml:"group"`
}

type QdrantConfig struct {
	Host       string `json:"host" yaml:"host"`
	Port       int    `json:"port" yaml:"port"`
	Collection string `json:"collection" yaml:"collection"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider" yaml:"provider"`
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Model     string `json:"model" yaml:"model"`
	APIKey    string `json:"api_key" yaml:"api_key"`
	Dimension int    `json:"dimension" yaml:"dimension"`
}

type SweepConfig struct {
	IntervalMinutes int `json:"interval_minutes" yaml:"interval_minutes"`
	GraceHours      int `json:"grace_hours" yaml:"grace_hours"`
}

// DefaultFallbackMessage is returned when every generation provider failed.
const DefaultFallbackMessage = "[fallback] I'm unable to generate a reliable answer right now. Please try again in a moment."

// Defaults returns a configuration with every default filled in.
func Defaults() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3210
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "development"
	}

	p := &c.Pipeline
	if p.MaxRetries == nil {
		n := 2
		p.MaxRetries = &n
	}
	setInt(&p.ClassifierTimeoutMs, 2000)
	setInt(&p.RetrievalTimeoutMs, 1500)
	setInt(&p.GenerationTimeoutMs, 30000)
	setInt(&p.ValidationTimeoutMs, 5000)
	setInt(&p.TopK, 10)
	if p.TopK > 10 {
		p.TopK = 10
	}
	setFloat(&p.MinSimilarity, 0.2)
	if p.SemanticWeight == 0 && p.LexicalWeight == 0 {
		p.SemanticWeight, p.LexicalWeight = 0.7, 0.3
	}
	setInt(&p.ContextBudget, 6000)
	setInt(&p.HistoryTurns, 6)
	if p.FallbackMessage == "" {
		p.FallbackMessage = DefaultFallbackMessage
	}

	v := &c.Validation
	setFloat(&v.FactThreshold, 0.5)
	setFloat(&v.AcceptThreshold, 0.75)
	setFloat(&v.RejectThreshold, 0.4)
	setFloat(&v.SevereContradiction, 0.8)
	if v.Weights == nil {
		v.Weights = map[string]LevelWeights{}
	}
	for level, w := range defaultWeights {
		if _, ok := v.Weights[level]; !ok {
			v.Weights[level] = w
		}
	}

	pz := &c.Personalization
	setFloat(&pz.LearningRate, 0.2)
	setInt(&pz.Window, 10)
	setInt(&pz.HistoryLimit, 200)
	setInt(&pz.Workers, 4)

	d := &c.Database
	if d.MemoryBackend == "" {
		d.MemoryBackend = "memory"
	}
	if d.SQLite.Path == "" {
		d.SQLite.Path = "data/groundwork.db"
	}
	if d.Redis.Stream == "" {
		d.Redis.Stream = "groundwork:finalize"
	}
	if d.Redis.Group == "" {
		d.Redis.Group = "personalization"
	}
	if d.Qdrant.Port == 0 {
		d.Qdrant.Port = 6334
	}
	if d.Qdrant.Collection == "" {
		d.Qdrant.Collection = "memories"
	}

	setInt(&c.Sweep.IntervalMinutes, 60)
	setInt(&c.Sweep.GraceHours, 24)
}

var defaultWeights = map[string]LevelWeights{
	"basic":    {Fact: 0.3, Confidence: 0.4, Contradiction: 0.3},
	"standard": {Fact: 0.4, Confidence: 0.3, Contradiction: 0.3},
	"enhanced": {Fact: 0.45, Confidence: 0.25, Contradiction: 0.3},
}

// Ms converts a millisecond setting to a duration.
func Ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON or YAML config file (chosen by extension), substitutes
// environment variable references, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	resolved := expandEnv(string(data))

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(resolved), &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate rejects settings that would break pipeline invariants.
func (c *Config) Validate() error {
	if c.Validation.RejectThreshold >= c.Validation.AcceptThreshold {
		return fmt.Errorf("reject_threshold %.2f must be below accept_threshold %.2f",
			c.Validation.RejectThreshold, c.Validation.AcceptThreshold)
	}
	if c.Personalization.LearningRate <= 0 || c.Personalization.LearningRate > 1 {
		return fmt.Errorf("learning_rate %.2f must be in (0,1]", c.Personalization.LearningRate)
	}
	if *c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	switch c.Database.MemoryBackend {
	case "memory", "sqlite", "postgres", "neo4j":
	default:
		return fmt.Errorf("unknown memory_backend %q", c.Database.MemoryBackend)
	}
	return nil
}

// expandEnv substitutes ${VAR} and ${VAR:default} with environment values.
func expandEnv(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})
}

func setInt(p *int, def int) {
	if *p == 0 {
		*p = def
	}
}

func setFloat(p *float64, def float64) {
	if *p == 0 {
		*p = def
	}
}
