package domain

import (
	"fmt"
	"time"
)

// Config holds the complete Arachne configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Provider   ProviderConfig   `json:"provider"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Pipeline tuning
	Linkage  LinkageConfig  `json:"linkage"`
	Detector DetectorConfig `json:"detector"`
	Risk     RiskConfig     `json:"risk"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// LinkageConfig tunes the linkage graph builder and the strong-link filter.
// Caps bound pairwise expansion per artifact group; weights are the
// per-shared-artifact increments per category. Defaults match observed
// empirical tuning and are configuration, not algorithmic constants.
type LinkageConfig struct {
	CapDevice  int `json:"capDevice"`
	CapIP      int `json:"capIp"`
	CapCard    int `json:"capCard"`
	CapAddress int `json:"capAddress"`

	WeightDevice  int `json:"weightDevice"`
	WeightIP      int `json:"weightIp"`
	WeightCard    int `json:"weightCard"`
	WeightAddress int `json:"weightAddress"`

	StrongLinkThreshold int `json:"strongLinkThreshold"`
}

// Cap returns the person-count cap for a category.
func (c LinkageConfig) Cap(category ArtifactCategory) int {
	switch category {
	case CategoryDevice:
		return c.CapDevice
	case CategoryIP:
		return c.CapIP
	case CategoryCard:
		return c.CapCard
	case CategoryAddress:
		return c.CapAddress
	default:
		return 0
	}
}

// WeightIncrement returns the per-shared-artifact weight increment for a category.
func (c LinkageConfig) WeightIncrement(category ArtifactCategory) int {
	switch category {
	case CategoryDevice:
		return c.WeightDevice
	case CategoryIP:
		return c.WeightIP
	case CategoryCard:
		return c.WeightCard
	case CategoryAddress:
		return c.WeightAddress
	default:
		return 0
	}
}

// DetectorConfig tunes community detection.
type DetectorConfig struct {
	// MaxAggregationLevels is the safety bound on aggregation rounds.
	MaxAggregationLevels int `json:"maxAggregationLevels"`
}

// RiskConfig tunes the explainability query engine.
type RiskConfig struct {
	// MinCommunitySize filters out tiny communities from ranking queries.
	MinCommunitySize int `json:"minCommunitySize"`

	// Result caps for ranking queries.
	TopCommunitiesLimit int `json:"topCommunitiesLimit"`
	TopMembersLimit     int `json:"topMembersLimit"`
	ArtifactLimit       int `json:"artifactLimit"`
	NeighborLimit       int `json:"neighborLimit"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// ProviderConfig selects the entity/relationship provider backing the
// refresh pipeline.
type ProviderConfig struct {
	// Driver is "repository" (read from the SQL store) or "neo4j".
	Driver string `json:"driver"`

	// Neo4j settings
	Neo4jURI      string `json:"neo4jUri"`
	Neo4jUser     string `json:"neo4jUser"`
	Neo4jPassword string `json:"-"`
	Neo4jDatabase string `json:"neo4jDatabase"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"

	// TierEnterprise includes multi-node, SSO, etc.
	TierEnterprise Tier = "enterprise"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./arachne.db",
		},
		Provider: ProviderConfig{
			Driver: "repository",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Linkage: LinkageConfig{
			CapDevice:           50,
			CapIP:               30,
			CapCard:             20,
			CapAddress:          25,
			WeightDevice:        5,
			WeightIP:            2,
			WeightCard:          6,
			WeightAddress:       4,
			StrongLinkThreshold: 30,
		},
		Detector: DetectorConfig{
			MaxAggregationLevels: 20,
		},
		Risk: RiskConfig{
			MinCommunitySize:    5,
			TopCommunitiesLimit: 10,
			TopMembersLimit:     10,
			ArtifactLimit:       15,
			NeighborLimit:       25,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "arachne",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "arachne",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// Validate checks pipeline parameters. A configuration error is fatal at
// startup: the refresh pipeline must not run with invalid caps or weights.
func (c *Config) Validate() error {
	l := c.Linkage
	for _, category := range Categories() {
		if l.Cap(category) < 0 {
			return fmt.Errorf("linkage: cap_%s must be non-negative, got %d", category, l.Cap(category))
		}
		if l.WeightIncrement(category) <= 0 {
			return fmt.Errorf("linkage: weight_%s must be positive, got %d", category, l.WeightIncrement(category))
		}
	}
	if l.StrongLinkThreshold < 0 {
		return fmt.Errorf("linkage: strong_link_threshold must be non-negative, got %d", l.StrongLinkThreshold)
	}
	if c.Detector.MaxAggregationLevels <= 0 {
		return fmt.Errorf("detector: max_aggregation_levels must be positive, got %d", c.Detector.MaxAggregationLevels)
	}
	if c.Risk.MinCommunitySize < 1 {
		return fmt.Errorf("risk: min_community_size must be at least 1, got %d", c.Risk.MinCommunitySize)
	}
	return nil
}
