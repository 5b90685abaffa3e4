// Package config handles insight configuration.
//
// Configuration is layered: compiled-in defaults, then an optional YAML
// file, then INSIGHT_-prefixed environment variables. Environment variables
// win, so containerized deployments can override a checked-in config file
// without editing it.
//
// Example:
//
//	cfg, err := config.Load("insight.yaml")
//	if err != nil {
//		log.Fatalf("invalid config: %v", err)
//	}
//	fmt.Printf("data dir: %s\n", cfg.Storage.DataDir)
//
// Environment Variables:
//   - INSIGHT_DATA_DIR="./data"
//   - INSIGHT_QUESTION_DIMENSIONS=384
//   - INSIGHT_CONFIDENCE_FLOOR=0.6
//   - INSIGHT_TREND_VIEW_WEIGHT=2.0
//   - INSIGHT_LOG_LEVEL=info
//
// For the complete list, see the Config struct field documentation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all insight configuration.
//
// Organized into logical sections:
//   - Storage: durable store location and mode
//   - Search: embedding dimensions and ANN index tuning
//   - Topics: mapping floor, aggregate staleness, probability thresholds
//   - Interactions: trend score weights and window
//   - Cache: derived-result cache sizing
//   - Logging: log level and format
type Config struct {
	Storage      StorageConfig      `yaml:"storage"`
	Search       SearchConfig       `yaml:"search"`
	Topics       TopicsConfig       `yaml:"topics"`
	Interactions InteractionsConfig `yaml:"interactions"`
	Cache        CacheConfig        `yaml:"cache"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// StorageConfig holds durable store settings.
type StorageConfig struct {
	// DataDir is the BadgerDB directory. Ignored when InMemory is set.
	DataDir string `yaml:"dataDir"`
	// InMemory runs the store without disk persistence (tests, previews).
	InMemory bool `yaml:"inMemory"`
}

// SearchConfig holds vector and lexical search settings.
type SearchConfig struct {
	// QuestionDimensions is the embedding width of the questions collection.
	QuestionDimensions int `yaml:"questionDimensions"`
	// SyllabusDimensions is the embedding width of the syllabus collection.
	SyllabusDimensions int `yaml:"syllabusDimensions"`

	// HNSW graph tuning.
	M              int `yaml:"m"`
	EfConstruction int `yaml:"efConstruction"`
	EfSearch       int `yaml:"efSearch"`

	// MinSimilarity is the default similarity cutoff for hybrid queries.
	MinSimilarity float64 `yaml:"minSimilarity"`
}

// TopicsConfig holds mapping and aggregation settings.
type TopicsConfig struct {
	// ConfidenceFloor is the minimum classifier confidence for storing a
	// semantic or keyword mapping. Manual mappings bypass it.
	ConfidenceFloor float64 `yaml:"confidenceFloor"`
	// AggregateMaxAge marks a published aggregate snapshot stale.
	// Zero disables staleness checks.
	AggregateMaxAge time.Duration `yaml:"aggregateMaxAge"`
	// ProbabilityHigh and ProbabilityMedium are the category boundaries.
	ProbabilityHigh   float64 `yaml:"probabilityHigh"`
	ProbabilityMedium float64 `yaml:"probabilityMedium"`
	// YearsBack is the default probability lookback window in years.
	YearsBack int `yaml:"yearsBack"`
}

// InteractionsConfig holds trend ranking settings.
type InteractionsConfig struct {
	// Trend score coefficients.
	ViewWeight     float64 `yaml:"viewWeight"`
	FavoriteWeight float64 `yaml:"favoriteWeight"`
	AgeWeight      float64 `yaml:"ageWeight"`
	// TrendingWindow bounds the recent-view count.
	TrendingWindow time.Duration `yaml:"trendingWindow"`
}

// CacheConfig holds derived-result cache settings.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	Size    int           `yaml:"size"`
	TTL     time.Duration `yaml:"ttl"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level (debug, info, warn, error)
	Level string `yaml:"level"`
	// Format (json, console)
	Format string `yaml:"format"`
	// Output path (stdout, stderr, or file path)
	Output string `yaml:"output"`
}

// Default returns the compiled-in configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir: "./data",
		},
		Search: SearchConfig{
			QuestionDimensions: 384,
			SyllabusDimensions: 384,
			M:                  16,
			EfConstruction:     200,
			EfSearch:           100,
			MinSimilarity:      0.0,
		},
		Topics: TopicsConfig{
			ConfidenceFloor:   0.6,
			AggregateMaxAge:   0,
			ProbabilityHigh:   0.7,
			ProbabilityMedium: 0.3,
			YearsBack:         10,
		},
		Interactions: InteractionsConfig{
			ViewWeight:     2.0,
			FavoriteWeight: 3.0,
			AgeWeight:      -0.1,
			TrendingWindow: 7 * 24 * time.Hour,
		},
		Cache: CacheConfig{
			Enabled: true,
			Size:    1024,
			TTL:     5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (when
// non-empty), then INSIGHT_ environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays INSIGHT_-prefixed environment variables.
func (c *Config) applyEnv() {
	c.Storage.DataDir = getEnv("INSIGHT_DATA_DIR", c.Storage.DataDir)
	c.Storage.InMemory = getEnvBool("INSIGHT_IN_MEMORY", c.Storage.InMemory)

	c.Search.QuestionDimensions = getEnvInt("INSIGHT_QUESTION_DIMENSIONS", c.Search.QuestionDimensions)
	c.Search.SyllabusDimensions = getEnvInt("INSIGHT_SYLLABUS_DIMENSIONS", c.Search.SyllabusDimensions)
	c.Search.M = getEnvInt("INSIGHT_HNSW_M", c.Search.M)
	c.Search.EfConstruction = getEnvInt("INSIGHT_HNSW_EF_CONSTRUCTION", c.Search.EfConstruction)
	c.Search.EfSearch = getEnvInt("INSIGHT_HNSW_EF_SEARCH", c.Search.EfSearch)
	c.Search.MinSimilarity = getEnvFloat("INSIGHT_MIN_SIMILARITY", c.Search.MinSimilarity)

	c.Topics.ConfidenceFloor = getEnvFloat("INSIGHT_CONFIDENCE_FLOOR", c.Topics.ConfidenceFloor)
	c.Topics.AggregateMaxAge = getEnvDuration("INSIGHT_AGGREGATE_MAX_AGE", c.Topics.AggregateMaxAge)
	c.Topics.ProbabilityHigh = getEnvFloat("INSIGHT_PROBABILITY_HIGH", c.Topics.ProbabilityHigh)
	c.Topics.ProbabilityMedium = getEnvFloat("INSIGHT_PROBABILITY_MEDIUM", c.Topics.ProbabilityMedium)
	c.Topics.YearsBack = getEnvInt("INSIGHT_YEARS_BACK", c.Topics.YearsBack)

	c.Interactions.ViewWeight = getEnvFloat("INSIGHT_TREND_VIEW_WEIGHT", c.Interactions.ViewWeight)
	c.Interactions.FavoriteWeight = getEnvFloat("INSIGHT_TREND_FAVORITE_WEIGHT", c.Interactions.FavoriteWeight)
	c.Interactions.AgeWeight = getEnvFloat("INSIGHT_TREND_AGE_WEIGHT", c.Interactions.AgeWeight)
	c.Interactions.TrendingWindow = getEnvDuration("INSIGHT_TRENDING_WINDOW", c.Interactions.TrendingWindow)

	c.Cache.Enabled = getEnvBool("INSIGHT_CACHE_ENABLED", c.Cache.Enabled)
	c.Cache.Size = getEnvInt("INSIGHT_CACHE_SIZE", c.Cache.Size)
	c.Cache.TTL = getEnvDuration("INSIGHT_CACHE_TTL", c.Cache.TTL)

	c.Logging.Level = getEnv("INSIGHT_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("INSIGHT_LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnv("INSIGHT_LOG_OUTPUT", c.Logging.Output)
}

// Validate checks the configuration for logical errors.
func (c *Config) Validate() error {
	if !c.Storage.InMemory && c.Storage.DataDir == "" {
		return fmt.Errorf("storage: dataDir required unless inMemory is set")
	}

	if c.Search.QuestionDimensions <= 0 {
		return fmt.Errorf("search: invalid question dimensions: %d", c.Search.QuestionDimensions)
	}
	if c.Search.SyllabusDimensions <= 0 {
		return fmt.Errorf("search: invalid syllabus dimensions: %d", c.Search.SyllabusDimensions)
	}
	if c.Search.M <= 0 || c.Search.EfConstruction <= 0 || c.Search.EfSearch <= 0 {
		return fmt.Errorf("search: hnsw parameters must be positive")
	}
	if c.Search.MinSimilarity < 0 || c.Search.MinSimilarity > 1 {
		return fmt.Errorf("search: minSimilarity must be in [0, 1]: %g", c.Search.MinSimilarity)
	}

	if c.Topics.ConfidenceFloor < 0 || c.Topics.ConfidenceFloor > 1 {
		return fmt.Errorf("topics: confidenceFloor must be in [0, 1]: %g", c.Topics.ConfidenceFloor)
	}
	if c.Topics.ProbabilityHigh < c.Topics.ProbabilityMedium {
		return fmt.Errorf("topics: probabilityHigh (%g) below probabilityMedium (%g)",
			c.Topics.ProbabilityHigh, c.Topics.ProbabilityMedium)
	}
	if c.Topics.YearsBack < 1 {
		return fmt.Errorf("topics: yearsBack must be at least 1: %d", c.Topics.YearsBack)
	}

	if c.Interactions.TrendingWindow <= 0 {
		return fmt.Errorf("interactions: trendingWindow must be positive: %v", c.Interactions.TrendingWindow)
	}

	if c.Cache.Enabled && c.Cache.Size <= 0 {
		return fmt.Errorf("cache: size must be positive when enabled: %d", c.Cache.Size)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging: unknown level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging: unknown format %q", c.Logging.Format)
	}

	return nil
}

// String returns a log-safe summary of the Config.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{DataDir: %s, InMemory: %v, Dims: %d/%d, Floor: %g, Cache: %v}",
		c.Storage.DataDir, c.Storage.InMemory,
		c.Search.QuestionDimensions, c.Search.SyllabusDimensions,
		c.Topics.ConfidenceFloor, c.Cache.Enabled,
	)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Bare numbers are seconds.
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
