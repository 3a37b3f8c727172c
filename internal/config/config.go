// Package config provides configuration loading for archond.
package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Config is the root configuration for all archond components.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Auth      AuthConfig      `koanf:"auth"`
	Catalog   CatalogConfig   `koanf:"catalog"`
	Meili     MeiliConfig     `koanf:"meili"`
	Qdrant    QdrantConfig    `koanf:"qdrant"`
	Redis     RedisConfig     `koanf:"redis"`
	Gemini    GeminiConfig    `koanf:"gemini"`
	Ingest    IngestConfig    `koanf:"ingest"`
	Chat      ChatConfig      `koanf:"chat"`
	Rerank    RerankConfig    `koanf:"rerank"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// AuthConfig holds JWT and access-control settings.
type AuthConfig struct {
	JWTSecretKey  Secret   `koanf:"jwt_secret_key"`
	JWTAlgorithm  string   `koanf:"jwt_algorithm"`
	ExpireMinutes int      `koanf:"jwt_expire_minutes"`
	RefreshExpire Duration `koanf:"refresh_expire"`

	// DisableAuth resolves every authenticated route to a synthesized
	// admin. Development only.
	DisableAuth bool `koanf:"disable_auth"`
}

// CatalogConfig holds the sqlite catalog location.
type CatalogConfig struct {
	Path string `koanf:"path"`
}

// MeiliConfig holds the lexical index engine connection.
type MeiliConfig struct {
	URL    string `koanf:"url"`
	APIKey Secret `koanf:"api_key"`
	Index  string `koanf:"index"`
}

// QdrantConfig holds the vector index engine connection (gRPC port, not
// the HTTP REST port).
type QdrantConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	Collection string `koanf:"collection"`
	UseTLS     bool   `koanf:"use_tls"`
}

// RedisConfig holds the broker / result backend connection.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password Secret `koanf:"password"`
	DB       int    `koanf:"db"`
}

// GeminiConfig holds LLM credentials and model names. When APIKey is
// empty, chat and semantic indexing are skipped and search degrades to
// lexical-only.
type GeminiConfig struct {
	APIKey         Secret `koanf:"api_key"`
	EmbedModel     string `koanf:"embed_model"`
	ChatModel      string `koanf:"chat_model"`
	EmbedDimension int    `koanf:"embed_dimension"`

	// RequestsPerMinute throttles outbound embedding calls.
	RequestsPerMinute int `koanf:"requests_per_minute"`
}

// IngestConfig holds ingestion pipeline settings.
type IngestConfig struct {
	// ScanRootPath constrains scan roots: every scan path must
	// canonicalize within it.
	ScanRootPath string `koanf:"scan_root_path"`

	ChunkSize        int      `koanf:"chunk_size"`    // approximate tokens
	ChunkOverlap     int      `koanf:"chunk_overlap"` // approximate tokens
	MaxArchiveDepth  int      `koanf:"max_archive_depth"`
	TaskTimeout      Duration `koanf:"task_timeout"`
	MountTimeout     Duration `koanf:"mount_timeout"`
	PSTTimeout       Duration `koanf:"pst_timeout"`
	FrameTimeout     Duration `koanf:"frame_timeout"`
	EnableOCR        bool     `koanf:"enable_ocr"`
	EnableNER        bool     `koanf:"enable_ner"`
	WorkerConcurrency int     `koanf:"worker_concurrency"`
}

// ChatConfig holds RAG chat settings.
type ChatConfig struct {
	SessionTTL  Duration `koanf:"session_ttl"`
	MaxSessions int      `koanf:"max_sessions"`
	Locale      string   `koanf:"locale"` // "fr" or "en"; unknown falls back to fr
}

// RerankConfig controls the optional LLM reranking stage.
type RerankConfig struct {
	Enabled bool   `koanf:"enabled"`
	TopN    int    `koanf:"top_n"`
	TopKOut int    `koanf:"top_k_out"`
	Model   string `koanf:"model"`
}

// RateLimitConfig holds sliding-window throttling settings.
type RateLimitConfig struct {
	MaxRequests int      `koanf:"max_requests"`
	Window      Duration `koanf:"window"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json or console
}

// Validate checks the configuration for fatal misconfiguration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server: invalid port %d", c.Server.Port)
	}
	if c.Ingest.ScanRootPath == "" {
		return fmt.Errorf("ingest: scan_root_path is required")
	}
	if !filepath.IsAbs(c.Ingest.ScanRootPath) {
		return fmt.Errorf("ingest: scan_root_path must be absolute, got %q", c.Ingest.ScanRootPath)
	}
	if !c.Auth.DisableAuth && !c.Auth.JWTSecretKey.IsSet() {
		return fmt.Errorf("auth: jwt_secret_key is required unless disable_auth is set")
	}
	if c.Auth.JWTAlgorithm != "HS256" {
		return fmt.Errorf("auth: unsupported jwt_algorithm %q", c.Auth.JWTAlgorithm)
	}
	if c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		return fmt.Errorf("ingest: chunk_overlap %d must be smaller than chunk_size %d",
			c.Ingest.ChunkOverlap, c.Ingest.ChunkSize)
	}
	if c.Gemini.APIKey.IsSet() && c.Gemini.EmbedDimension <= 0 {
		return fmt.Errorf("gemini: embed_dimension required when api_key is set")
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8800
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Auth.JWTAlgorithm == "" {
		cfg.Auth.JWTAlgorithm = "HS256"
	}
	if cfg.Auth.ExpireMinutes == 0 {
		cfg.Auth.ExpireMinutes = 60
	}
	if cfg.Auth.RefreshExpire == 0 {
		cfg.Auth.RefreshExpire = Duration(7 * 24 * time.Hour)
	}

	if cfg.Catalog.Path == "" {
		cfg.Catalog.Path = "archon.db"
	}

	if cfg.Meili.URL == "" {
		cfg.Meili.URL = "http://localhost:7700"
	}
	if cfg.Meili.Index == "" {
		cfg.Meili.Index = "documents"
	}

	if cfg.Qdrant.Host == "" {
		cfg.Qdrant.Host = "localhost"
	}
	if cfg.Qdrant.Port == 0 {
		cfg.Qdrant.Port = 6334
	}
	if cfg.Qdrant.Collection == "" {
		cfg.Qdrant.Collection = "archon_chunks"
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}

	if cfg.Gemini.EmbedModel == "" {
		cfg.Gemini.EmbedModel = "gemini-embedding-001"
	}
	if cfg.Gemini.ChatModel == "" {
		cfg.Gemini.ChatModel = "gemini-2.5-flash"
	}
	if cfg.Gemini.EmbedDimension == 0 {
		cfg.Gemini.EmbedDimension = 768
	}
	if cfg.Gemini.RequestsPerMinute == 0 {
		cfg.Gemini.RequestsPerMinute = 300
	}

	if cfg.Ingest.ChunkSize == 0 {
		cfg.Ingest.ChunkSize = 500
	}
	if cfg.Ingest.ChunkOverlap == 0 {
		cfg.Ingest.ChunkOverlap = 50
	}
	if cfg.Ingest.MaxArchiveDepth == 0 {
		cfg.Ingest.MaxArchiveDepth = 5
	}
	if cfg.Ingest.TaskTimeout == 0 {
		cfg.Ingest.TaskTimeout = Duration(time.Hour)
	}
	if cfg.Ingest.MountTimeout == 0 {
		cfg.Ingest.MountTimeout = Duration(120 * time.Second)
	}
	if cfg.Ingest.PSTTimeout == 0 {
		cfg.Ingest.PSTTimeout = Duration(300 * time.Second)
	}
	if cfg.Ingest.FrameTimeout == 0 {
		cfg.Ingest.FrameTimeout = Duration(60 * time.Second)
	}
	if cfg.Ingest.WorkerConcurrency == 0 {
		cfg.Ingest.WorkerConcurrency = 1
	}

	if cfg.Chat.SessionTTL == 0 {
		cfg.Chat.SessionTTL = Duration(time.Hour)
	}
	if cfg.Chat.MaxSessions == 0 {
		cfg.Chat.MaxSessions = 500
	}
	if cfg.Chat.Locale == "" {
		cfg.Chat.Locale = "fr"
	}

	if cfg.Rerank.TopN == 0 {
		cfg.Rerank.TopN = 15
	}
	if cfg.Rerank.TopKOut == 0 {
		cfg.Rerank.TopKOut = 5
	}
	if cfg.Rerank.Model == "" {
		cfg.Rerank.Model = "gemini-2.5-flash"
	}

	if cfg.RateLimit.MaxRequests == 0 {
		cfg.RateLimit.MaxRequests = 120
	}
	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = Duration(time.Minute)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// SemanticEnabled reports whether the LLM credential is configured.
// When false, chat is unavailable and the hybrid retriever runs
// lexical-only.
func (c *Config) SemanticEnabled() bool {
	return c.Gemini.APIKey.IsSet()
}
