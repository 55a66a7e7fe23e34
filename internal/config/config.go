// Package config mirrors RedClaus-cortex/core/internal/config's shape: a
// mapstructure/yaml-tagged struct tree, a Default() constructor per
// sub-config, and viper-backed env/file loading. Loading itself is an
// external concern (spec §1 Non-goals put the listener/transport out of
// scope), but the engine constructor still takes this typed Config rather
// than loose parameters, the way every teacher store takes a *XxxConfig.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full set of tunables named across spec §4, §5 and §7.
type Config struct {
	Storage     StorageConfig     `mapstructure:"storage" yaml:"storage"`
	Embedding   EmbeddingConfig   `mapstructure:"embedding" yaml:"embedding"`
	Vector      VectorConfig      `mapstructure:"vector" yaml:"vector"`
	Memory      MemoryConfig      `mapstructure:"memory" yaml:"memory"`
	Fusion      FusionConfig      `mapstructure:"fusion" yaml:"fusion"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance" yaml:"maintenance"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency" yaml:"concurrency"`
	Status      StatusConfig      `mapstructure:"status" yaml:"status"`
	Document    DocumentConfig    `mapstructure:"document" yaml:"document"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// StorageConfig places the on-disk layout from spec §6: one root directory
// with warm/kv, warm/text, warm/vector and cold/ beneath it.
type StorageConfig struct {
	// DataDir is the root directory; Warm/Cold subdirectories and the KV
	// file itself are derived from it.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

func (s StorageConfig) KVPath() string    { return s.DataDir + "/warm/kv/store.db" }
func (s StorageConfig) TextDir() string   { return s.DataDir + "/warm/text" }
func (s StorageConfig) VectorDir() string { return s.DataDir + "/warm/vector" }
func (s StorageConfig) ColdDir() string   { return s.DataDir + "/cold" }
func (s StorageConfig) PidFile() string   { return s.DataDir + "/warm/server.pid" }

// EmbeddingConfig selects the embedder backend and its output dimension.
type EmbeddingConfig struct {
	// Model names the embedding backend; "fake" selects the deterministic
	// in-process embedder used by tests and by deployments with no real
	// embedding backend configured (spec §4.2).
	Model     string `mapstructure:"model" yaml:"model"`
	Dimension int    `mapstructure:"dimension" yaml:"dimension"`
}

// VectorConfig tunes the Vector Index (C3).
type VectorConfig struct {
	// MaxNeighbors is loaded from configuration but not passed to the
	// vector index: the engine builds the index with its fixed per-item
	// neighbor list size, vectorindex.MinNeighbors (16).
	MaxNeighbors int `mapstructure:"max_neighbors" yaml:"max_neighbors"`
}

// MemoryConfig tunes the Memory Store (C7).
type MemoryConfig struct {
	// STMDefaultTTLMS seeds expires_at for STM memories with no explicit
	// TTL (spec §3 names expires_at as STM-only but gives no default).
	STMDefaultTTLMS int64 `mapstructure:"stm_default_ttl_ms" yaml:"stm_default_ttl_ms"`
}

// FusionConfig tunes the Fusion Retriever (C8), spec §4.8.
type FusionConfig struct {
	SubTimeoutMS int64   `mapstructure:"sub_timeout_ms" yaml:"sub_timeout_ms"`
	WeightVector float64 `mapstructure:"weight_vector" yaml:"weight_vector"`
	WeightText   float64 `mapstructure:"weight_text" yaml:"weight_text"`
	WeightGraph  float64 `mapstructure:"weight_graph" yaml:"weight_graph"`
	CacheTTLMS   int64   `mapstructure:"cache_ttl_ms" yaml:"cache_ttl_ms"`
	CacheMax     int     `mapstructure:"cache_max" yaml:"cache_max"`
}

// MaintenanceConfig tunes Consolidation & Maintenance (C9), spec §4.9.
type MaintenanceConfig struct {
	CleanIntervalMS          int64   `mapstructure:"clean_interval_ms" yaml:"clean_interval_ms"`
	ConsolidateImportanceMin float64 `mapstructure:"consolidate_importance_min" yaml:"consolidate_importance_min"`
	ConsolidateAccessMin     int64   `mapstructure:"consolidate_access_min" yaml:"consolidate_access_min"`
	LTMDecayPerClean         float64 `mapstructure:"ltm_decay_per_clean" yaml:"ltm_decay_per_clean"`
	LTMStrengthenOnAccess    float64 `mapstructure:"ltm_strengthen_on_access" yaml:"ltm_strengthen_on_access"`
}

// ConcurrencyConfig implements spec §5's shared-resource policy bound.
type ConcurrencyConfig struct {
	MaxConcurrentRequests int `mapstructure:"max_concurrent_requests" yaml:"max_concurrent_requests"`
}

// StatusConfig backs spec §6's health rule:
// `degraded` iff p95Ms > P95MsThreshold or rss_mb > RSSMbThreshold.
type StatusConfig struct {
	P95MsThreshold int64   `mapstructure:"p95_ms_threshold" yaml:"p95_ms_threshold"`
	RSSMbThreshold float64 `mapstructure:"rss_mb_threshold" yaml:"rss_mb_threshold"`
}

// DocumentConfig tunes the Document Pipeline (C6).
type DocumentConfig struct {
	ChunkMinChars      int     `mapstructure:"chunk_min_chars" yaml:"chunk_min_chars"`
	ChunkMaxChars      int     `mapstructure:"chunk_max_chars" yaml:"chunk_max_chars"`
	ChunkOverlapRatio  float64 `mapstructure:"chunk_overlap_ratio" yaml:"chunk_overlap_ratio"`
	PDFMaxBytes        int64   `mapstructure:"pdf_max_bytes" yaml:"pdf_max_bytes"`
	PDFMaxTimeMS       int64   `mapstructure:"pdf_max_time_ms" yaml:"pdf_max_time_ms"`
	PDFMaxPages        int     `mapstructure:"pdf_max_pages" yaml:"pdf_max_pages"`
}

// LoggingConfig mirrors the teacher's logging.level/file shape.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// Default returns a Config with sensible defaults for every tunable spec §4/
// §5/§7 names, mirroring core/internal/config's Default().
func Default() *Config {
	return &Config{
		Storage: StorageConfig{DataDir: "./data"},
		Embedding: EmbeddingConfig{
			Model:     "fake",
			Dimension: 384,
		},
		Vector: VectorConfig{MaxNeighbors: 32},
		Memory: MemoryConfig{STMDefaultTTLMS: 3600_000},
		Fusion: FusionConfig{
			SubTimeoutMS: 500,
			WeightVector: 0.5,
			WeightText:   0.3,
			WeightGraph:  0.2,
			CacheTTLMS:   3000,
			CacheMax:     1000,
		},
		Maintenance: MaintenanceConfig{
			CleanIntervalMS:          60_000,
			ConsolidateImportanceMin: 1.5,
			ConsolidateAccessMin:     3,
			LTMDecayPerClean:         0.99,
			LTMStrengthenOnAccess:    1.05,
		},
		Concurrency: ConcurrencyConfig{MaxConcurrentRequests: 10},
		Status: StatusConfig{
			P95MsThreshold: 500,
			RSSMbThreshold: 2048,
		},
		Document: DocumentConfig{
			ChunkMinChars:     512,
			ChunkMaxChars:     1024,
			ChunkOverlapRatio: 0.1,
			PDFMaxBytes:       50 << 20,
			PDFMaxTimeMS:      30_000,
			PDFMaxPages:       500,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadFromPath reads configuration from path, falling back to Default()
// values for anything unset, with HYBRIDMEMORY_-prefixed environment
// variables overriding file values (mirrors core/internal/config's
// CORTEX_ prefix convention).
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("HYBRIDMEMORY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// Validate checks the loaded configuration for internally inconsistent
// values before the engine starts up.
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return fmt.Errorf("config: storage.data_dir must not be empty")
	}
	if c.Concurrency.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("config: concurrency.max_concurrent_requests must be positive")
	}
	sum := c.Fusion.WeightVector + c.Fusion.WeightText + c.Fusion.WeightGraph
	if sum <= 0 {
		return fmt.Errorf("config: fusion weights must sum to a positive value")
	}
	if c.Document.ChunkMinChars <= 0 || c.Document.ChunkMaxChars <= c.Document.ChunkMinChars {
		return fmt.Errorf("config: document.chunk_max_chars must exceed chunk_min_chars")
	}
	return nil
}
