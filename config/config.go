// Package config loads the detection engine configuration from YAML and
// environment, with defaults for every tunable. Severity ladder, alert
// threshold, decay half-life, correlation window and learning policy are all
// configuration so operators can tune without a redeploy.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sentrasec/detection-engine/domain/entity"
	"github.com/sentrasec/detection-engine/pkg/logging"
)

// Config is the root configuration for the detection engine.
type Config struct {
	Service      ServiceConfig      `mapstructure:"service"`
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Cache        CacheConfig        `mapstructure:"cache"`
	MessageQueue MessageQueueConfig `mapstructure:"messagequeue"`
	Pipeline     PipelineConfig     `mapstructure:"pipeline"`
	Scoring      ScoringConfig      `mapstructure:"scoring"`
	Baseline     BaselineConfig     `mapstructure:"baseline"`
	Correlation  CorrelationConfig  `mapstructure:"correlation"`
	Alerting     AlertingConfig     `mapstructure:"alerting"`
	Learning     LearningConfig     `mapstructure:"learning"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Logging      logging.Config     `mapstructure:"logging"`
}

// ServiceConfig identifies the running service instance.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig contains the HTTP server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimitRPS    float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst  int           `mapstructure:"rate_limit_burst"`
}

// DatabaseConfig holds both persistence backends: postgres for incidents,
// alerts and model state; mongo for the bounded raw-event replay window.
type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	MongoDB  MongoDBConfig  `mapstructure:"mongodb"`
}

// PostgresConfig contains postgres connection settings.
type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN renders the lib/pq connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.Username, c.Password, c.SSLMode)
}

// MongoDBConfig contains mongo connection settings for the event store.
type MongoDBConfig struct {
	URI          string        `mapstructure:"uri"`
	Database     string        `mapstructure:"database"`
	Collection   string        `mapstructure:"collection"`
	ReplayWindow time.Duration `mapstructure:"replay_window"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// CacheConfig contains redis settings for baseline snapshots.
type CacheConfig struct {
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig contains redis connection and snapshot settings.
type RedisConfig struct {
	Address          string        `mapstructure:"address"`
	Password         string        `mapstructure:"password"`
	Database         int           `mapstructure:"database"`
	PoolSize         int           `mapstructure:"pool_size"`
	Namespace        string        `mapstructure:"namespace"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	SnapshotTTL      time.Duration `mapstructure:"snapshot_ttl"`
}

// MessageQueueConfig contains kafka settings.
type MessageQueueConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka"`
}

// KafkaConfig contains the ingestion consumer and notification producer
// settings.
type KafkaConfig struct {
	Brokers            []string      `mapstructure:"brokers"`
	ConsumerGroup      string        `mapstructure:"consumer_group"`
	EventsTopic        string        `mapstructure:"events_topic"`
	DeadLetterTopic    string        `mapstructure:"dead_letter_topic"`
	NotificationsTopic string        `mapstructure:"notifications_topic"`
	WorkerCount        int           `mapstructure:"worker_count"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	ProcessingTimeout  time.Duration `mapstructure:"processing_timeout"`
	IngestionEnabled   bool          `mapstructure:"ingestion_enabled"`
}

// PipelineConfig tunes the analysis pipeline itself.
type PipelineConfig struct {
	EntityShards     int           `mapstructure:"entity_shards"`
	AnalysisTimeout  time.Duration `mapstructure:"analysis_timeout"`
	BatchConcurrency int           `mapstructure:"batch_concurrency"`
}

// ScoringConfig tunes the scoring engine.
type ScoringConfig struct {
	SeverityThresholds   entity.SeverityThresholds `mapstructure:"severity_thresholds"`
	AnomalyCap           float64                   `mapstructure:"anomaly_cap"`
	EntropyThreshold     float64                   `mapstructure:"entropy_threshold"`
	RequestRateThreshold float64                   `mapstructure:"request_rate_threshold"`
	SQLKeywordBoost      float64                   `mapstructure:"sql_keyword_boost"`
	EntropyBoost         float64                   `mapstructure:"entropy_boost"`
	RequestRateBoost     float64                   `mapstructure:"request_rate_boost"`
	DeviationThreshold   float64                   `mapstructure:"deviation_threshold"`
}

// BaselineConfig tunes the behavioral baseline store.
type BaselineConfig struct {
	Shards   int           `mapstructure:"shards"`
	HalfLife time.Duration `mapstructure:"half_life"`
}

// CorrelationConfig tunes the correlation/dedup engine. MinScore is the
// floor below which a score cannot open a new incident; scores under it
// still merge into an incident that is already open for the signature.
type CorrelationConfig struct {
	Window        time.Duration `mapstructure:"window"`
	QuietPeriod   time.Duration `mapstructure:"quiet_period"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Shards        int           `mapstructure:"shards"`
	FuzzyWindow   time.Duration `mapstructure:"fuzzy_window"`
	MinScore      float64       `mapstructure:"min_score"`
}

// AlertingConfig tunes alert creation.
type AlertingConfig struct {
	AlertThreshold float64 `mapstructure:"alert_threshold"`
}

// LearningConfig tunes the continuous learning controller.
type LearningConfig struct {
	PerformanceFloor  float64       `mapstructure:"performance_floor"`
	StalenessCeiling  time.Duration `mapstructure:"staleness_ceiling"`
	RollbackMargin    float64       `mapstructure:"rollback_margin"`
	EvaluationMinimum int           `mapstructure:"evaluation_minimum"`
	MaxOutcomes       int           `mapstructure:"max_outcomes"`
	CheckInterval     time.Duration `mapstructure:"check_interval"`
	RetainedVersions  int           `mapstructure:"retained_versions"`
	LearningRate      float64       `mapstructure:"learning_rate"`
	TrainingEpochs    int           `mapstructure:"training_epochs"`
}

// AuthConfig secures the HTTP API.
type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// Load reads configuration from the given path, falling back to defaults
// and DETECTION_* environment overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvPrefix("DETECTION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "detection-engine")
	v.SetDefault("service.version", "1.0.0")
	v.SetDefault("service.environment", "development")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.rate_limit_rps", 500)
	v.SetDefault("server.rate_limit_burst", 1000)

	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.database", "detection")
	v.SetDefault("database.postgres.username", "detection_app")
	v.SetDefault("database.postgres.ssl_mode", "disable")
	v.SetDefault("database.postgres.max_open_conns", 25)
	v.SetDefault("database.postgres.max_idle_conns", 5)
	v.SetDefault("database.postgres.conn_max_lifetime", "5m")

	v.SetDefault("database.mongodb.uri", "mongodb://localhost:27017")
	v.SetDefault("database.mongodb.database", "detection")
	v.SetDefault("database.mongodb.collection", "events")
	v.SetDefault("database.mongodb.replay_window", "72h")
	v.SetDefault("database.mongodb.timeout", "10s")

	v.SetDefault("cache.redis.address", "localhost:6379")
	v.SetDefault("cache.redis.database", 0)
	v.SetDefault("cache.redis.pool_size", 10)
	v.SetDefault("cache.redis.namespace", "detection")
	v.SetDefault("cache.redis.snapshot_interval", "1m")
	v.SetDefault("cache.redis.snapshot_ttl", "24h")

	v.SetDefault("messagequeue.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("messagequeue.kafka.consumer_group", "detection-engine")
	v.SetDefault("messagequeue.kafka.events_topic", "raw-events")
	v.SetDefault("messagequeue.kafka.dead_letter_topic", "raw-events-dlq")
	v.SetDefault("messagequeue.kafka.notifications_topic", "detection-notifications")
	v.SetDefault("messagequeue.kafka.worker_count", 8)
	v.SetDefault("messagequeue.kafka.max_retries", 3)
	v.SetDefault("messagequeue.kafka.retry_delay", "1s")
	v.SetDefault("messagequeue.kafka.processing_timeout", "30s")
	v.SetDefault("messagequeue.kafka.ingestion_enabled", true)

	v.SetDefault("pipeline.entity_shards", 64)
	v.SetDefault("pipeline.analysis_timeout", "5s")
	v.SetDefault("pipeline.batch_concurrency", 16)

	v.SetDefault("scoring.severity_thresholds.medium", 0.5)
	v.SetDefault("scoring.severity_thresholds.high", 0.7)
	v.SetDefault("scoring.severity_thresholds.critical", 0.9)
	v.SetDefault("scoring.anomaly_cap", 4.0)
	v.SetDefault("scoring.entropy_threshold", 5.0)
	v.SetDefault("scoring.request_rate_threshold", 100)
	v.SetDefault("scoring.sql_keyword_boost", 0.6)
	v.SetDefault("scoring.entropy_boost", 0.3)
	v.SetDefault("scoring.request_rate_boost", 0.3)
	v.SetDefault("scoring.deviation_threshold", 0.6)

	v.SetDefault("baseline.shards", 64)
	v.SetDefault("baseline.half_life", "6h")

	v.SetDefault("correlation.window", "5m")
	v.SetDefault("correlation.quiet_period", "15m")
	v.SetDefault("correlation.sweep_interval", "1m")
	v.SetDefault("correlation.shards", 32)
	v.SetDefault("correlation.fuzzy_window", "30m")
	v.SetDefault("correlation.min_score", 0.5)

	v.SetDefault("alerting.alert_threshold", 0.7)

	v.SetDefault("learning.performance_floor", 0.75)
	v.SetDefault("learning.staleness_ceiling", "24h")
	v.SetDefault("learning.rollback_margin", 0.1)
	v.SetDefault("learning.evaluation_minimum", 20)
	v.SetDefault("learning.max_outcomes", 10000)
	v.SetDefault("learning.check_interval", "5m")
	v.SetDefault("learning.retained_versions", 10)
	v.SetDefault("learning.learning_rate", 0.05)
	v.SetDefault("learning.training_epochs", 5)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.issuer", "detection-engine")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.service_name", "detection-engine")
}

// Validate checks cross-field constraints not expressible as defaults.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	t := c.Scoring.SeverityThresholds
	if !(t.Medium < t.High && t.High < t.Critical) {
		return fmt.Errorf("severity thresholds must be strictly increasing: %+v", t)
	}
	if t.Medium <= 0 || t.Critical > 1 {
		return fmt.Errorf("severity thresholds must lie in (0,1]: %+v", t)
	}
	if c.Alerting.AlertThreshold <= 0 || c.Alerting.AlertThreshold > 1 {
		return fmt.Errorf("alert threshold must lie in (0,1]: %f", c.Alerting.AlertThreshold)
	}
	if c.Baseline.HalfLife <= 0 {
		return fmt.Errorf("baseline half-life must be positive")
	}
	if c.Correlation.Window <= 0 || c.Correlation.QuietPeriod <= 0 {
		return fmt.Errorf("correlation window and quiet period must be positive")
	}
	if c.Correlation.MinScore < 0 || c.Correlation.MinScore >= 1 {
		return fmt.Errorf("correlation min score must lie in [0,1): %f", c.Correlation.MinScore)
	}
	if c.Learning.RollbackMargin <= 0 || c.Learning.RollbackMargin >= 1 {
		return fmt.Errorf("rollback margin must lie in (0,1): %f", c.Learning.RollbackMargin)
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth enabled but jwt_secret is empty")
	}
	return nil
}
