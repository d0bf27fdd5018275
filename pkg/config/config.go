// Package config loads the calculation core's runtime configuration from
// the environment (optionally via a .env file), with an optional YAML file
// overlaying structured defaults — the same two-layer approach the teacher
// uses (env-first, godotenv for local development) generalized with a
// typed YAML overlay for the richer nested config spec.md §6 calls for.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// CacheConfig mirrors spec.md §6 "Cache" recognised options.
type CacheConfig struct {
	ClusterName      string       `yaml:"cluster_name"`
	InstanceName     string       `yaml:"instance_name"`
	Port             int          `yaml:"port"`
	BackupCount      int          `yaml:"backup_count"`
	MulticastEnabled bool         `yaml:"multicast_enabled"`
	Peers            []string     `yaml:"peers"`
	MapTTLs          MapTTLConfig `yaml:"map_ttls"`
	MaxSizePerNode   int          `yaml:"max_size_per_node"`
	EvictionPolicy   string       `yaml:"eviction_policy"`
	LeaseTimeout     time.Duration `yaml:"lease_timeout"`
}

// MapTTLConfig is the per-map TTL table spec.md §6 enumerates.
type MapTTLConfig struct {
	Position  time.Duration `yaml:"position"`
	Inventory time.Duration `yaml:"inventory"`
	Rule      time.Duration `yaml:"rule"`
	Limit     time.Duration `yaml:"limit"`
}

// PipelineConfig mirrors spec.md §6 "Pipeline" recognised options.
type PipelineConfig struct {
	Bootstrap           []string      `yaml:"bootstrap"`
	GroupID             string        `yaml:"group_id"`
	PartitionsPerTopic  int           `yaml:"partitions_per_topic"`
	MaxInFlight         int           `yaml:"max_in_flight"`
	Concurrency         int           `yaml:"concurrency"`
	RetryBackoffBase    time.Duration `yaml:"retry_backoff_base"`
	RetryBackoffFactor  float64       `yaml:"retry_backoff_factor"`
	RetryBackoffCap     time.Duration `yaml:"retry_backoff_cap"`
	RetryMaxAttempts    int           `yaml:"retry_max_attempts"`
	PartitionBufferSize int           `yaml:"partition_buffer_size"`
	LastSeenCacheSize   int           `yaml:"last_seen_cache_size"`
}

// EngineConfig mirrors spec.md §6 "Engines" recognised options.
type EngineConfig struct {
	ShortSellBudget time.Duration `yaml:"short_sell_budget_ms"`
	LeaseTimeout    time.Duration `yaml:"lease_timeout_ms"`
	RetentionDays   int           `yaml:"retention_days"`

	// SettlementCutoffs maps a market code to its daily settlement cutoff,
	// expressed as a time-of-day offset since UTC midnight. A market absent
	// from this map has no settlement-cutoff overlay trigger.
	SettlementCutoffs map[string]time.Duration `yaml:"settlement_cutoffs"`
}

// NamedResilienceConfig is one entry of spec.md §6's per-named-call
// resilience table (circuit breaker + rate limiter settings).
type NamedResilienceConfig struct {
	Name           string        `yaml:"name"`
	SlidingWindow  int           `yaml:"sliding_window"`
	FailureRate    float64       `yaml:"failure_rate"`
	WaitInOpen     time.Duration `yaml:"wait_in_open"`
	HalfOpenProbes int           `yaml:"half_open_probes"`
	RateLimit      float64       `yaml:"rate_limit"`
	RefreshPeriod  time.Duration `yaml:"refresh_period"`
	Timeout        time.Duration `yaml:"timeout"`
}

// AdaptersConfig points the Inventory Engine's upstream feeds at their REST
// base URLs, mirroring spec.md §6 "Adapters" recognised options.
type AdaptersConfig struct {
	ReferenceDataURL string        `yaml:"reference_data_url"`
	MarketDataURL    string        `yaml:"market_data_url"`
	ContractDataURL  string        `yaml:"contract_data_url"`
	Timeout          time.Duration `yaml:"timeout"`
}

// ReconciliationConfig bounds the periodic drift-scan loop.
type ReconciliationConfig struct {
	Interval  time.Duration `yaml:"interval"`
	RulesFile string        `yaml:"rules_file"`
}

// Config is the fully assembled runtime configuration.
type Config struct {
	Port       string
	DBPath     string
	LogLevel   string
	LogPretty  bool
	Cache         CacheConfig             `yaml:"cache"`
	Pipeline      PipelineConfig          `yaml:"pipeline"`
	Engine        EngineConfig            `yaml:"engine"`
	Resilience    []NamedResilienceConfig `yaml:"resilience"`
	Adapters      AdaptersConfig          `yaml:"adapters"`
	Reconciliation ReconciliationConfig   `yaml:"reconciliation"`
}

// Default returns the configuration used when neither environment variables
// nor a YAML overlay are present.
func Default() Config {
	return Config{
		Port:      "8080",
		DBPath:    "./data/ims.db",
		LogLevel:  "info",
		LogPretty: false,
		Cache: CacheConfig{
			ClusterName:      "ims-dev",
			InstanceName:     "node-1",
			Port:             5701,
			BackupCount:      1,
			MulticastEnabled: false,
			MapTTLs: MapTTLConfig{
				Position:  0,
				Inventory: 0,
				Rule:      0,
				Limit:     0,
			},
			MaxSizePerNode: 1_000_000,
			EvictionPolicy: "LRU",
			LeaseTimeout:   100 * time.Millisecond,
		},
		Pipeline: PipelineConfig{
			Bootstrap:           []string{"localhost:9092"},
			GroupID:             "ims-core",
			PartitionsPerTopic:  16,
			MaxInFlight:         1,
			Concurrency:         8,
			RetryBackoffBase:    time.Second,
			RetryBackoffFactor:  2,
			RetryBackoffCap:     60 * time.Second,
			RetryMaxAttempts:    10,
			PartitionBufferSize: 10_000,
			LastSeenCacheSize:   100_000,
		},
		Engine: EngineConfig{
			ShortSellBudget: 120 * time.Millisecond,
			LeaseTimeout:    100 * time.Millisecond,
			RetentionDays:   30,
			SettlementCutoffs: map[string]time.Duration{
				"JP": 15 * time.Hour, // 15:00 UTC
			},
		},
		Resilience: []NamedResilienceConfig{
			{
				Name:           "cache.lease",
				SlidingWindow:  50,
				FailureRate:    0.5,
				WaitInOpen:     30 * time.Second,
				HalfOpenProbes: 5,
				RateLimit:      0,
				Timeout:        100 * time.Millisecond,
			},
			{
				Name:           "pipeline.publish",
				SlidingWindow:  50,
				FailureRate:    0.5,
				WaitInOpen:     30 * time.Second,
				HalfOpenProbes: 5,
				Timeout:        2 * time.Second,
			},
		},
		Adapters: AdaptersConfig{
			ReferenceDataURL: "http://localhost:9001",
			MarketDataURL:    "http://localhost:9002",
			ContractDataURL:  "http://localhost:9003",
			Timeout:          5 * time.Second,
		},
		Reconciliation: ReconciliationConfig{
			Interval:  time.Minute,
			RulesFile: "",
		},
	}
}

// Load builds configuration by layering: defaults, then an optional YAML
// file (IMS_CONFIG_FILE or ./config.yaml if present), then environment
// variables, matching the teacher's "ignore missing .env, env wins" pattern
// in pkg/config.Load.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	yamlPath := getEnv("IMS_CONFIG_FILE", "./config.yaml")
	if data, err := os.ReadFile(yamlPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config %s: %w", yamlPath, err)
		}
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogPretty = getEnv("LOG_PRETTY", boolString(cfg.LogPretty)) == "true"

	cfg.Cache.ClusterName = getEnv("CACHE_CLUSTER_NAME", cfg.Cache.ClusterName)
	cfg.Cache.InstanceName = getEnv("CACHE_INSTANCE_NAME", cfg.Cache.InstanceName)
	cfg.Cache.Port = getEnvInt("CACHE_PORT", cfg.Cache.Port)
	cfg.Cache.BackupCount = getEnvInt("CACHE_BACKUP_COUNT", cfg.Cache.BackupCount)
	cfg.Cache.MulticastEnabled = getEnv("CACHE_MULTICAST_ENABLED", boolString(cfg.Cache.MulticastEnabled)) == "true"
	if peers := getEnv("CACHE_PEERS", ""); peers != "" {
		cfg.Cache.Peers = splitAndTrim(peers)
	}

	cfg.Pipeline.GroupID = getEnv("PIPELINE_GROUP_ID", cfg.Pipeline.GroupID)
	if bootstrap := getEnv("PIPELINE_BOOTSTRAP", ""); bootstrap != "" {
		cfg.Pipeline.Bootstrap = splitAndTrim(bootstrap)
	}
	cfg.Pipeline.Concurrency = getEnvInt("PIPELINE_CONCURRENCY", cfg.Pipeline.Concurrency)

	cfg.Engine.RetentionDays = getEnvInt("ENGINE_RETENTION_DAYS", cfg.Engine.RetentionDays)

	cfg.Adapters.ReferenceDataURL = getEnv("ADAPTERS_REFERENCE_DATA_URL", cfg.Adapters.ReferenceDataURL)
	cfg.Adapters.MarketDataURL = getEnv("ADAPTERS_MARKET_DATA_URL", cfg.Adapters.MarketDataURL)
	cfg.Adapters.ContractDataURL = getEnv("ADAPTERS_CONTRACT_DATA_URL", cfg.Adapters.ContractDataURL)

	cfg.Reconciliation.RulesFile = getEnv("RECONCILIATION_RULES_FILE", cfg.Reconciliation.RulesFile)

	return &cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
