package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Environment string          `mapstructure:"environment"`
	Server      ServerConfig    `mapstructure:"server"`
	Kafka       KafkaConfig     `mapstructure:"kafka"`
	Store       StoreConfig     `mapstructure:"store"`
	Validator   ValidatorConfig `mapstructure:"validator"`
	Threat      ThreatConfig    `mapstructure:"threat"`
	Monitor     MonitorConfig   `mapstructure:"monitor"`
	Health      HealthConfig    `mapstructure:"health"`
	Logging     LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	HTTPPort     int           `mapstructure:"http_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// KafkaConfig represents the position-report consumer configuration
type KafkaConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	GroupID  string   `mapstructure:"group_id"`
	MinBytes int      `mapstructure:"min_bytes"`
	MaxBytes int      `mapstructure:"max_bytes"`
}

// StoreConfig selects the backing store for position history and rate
// counters. The in-memory backend is correct for a single instance only;
// multi-instance deployments must use redis.
type StoreConfig struct {
	Backend string      `mapstructure:"backend"` // "memory" or "redis"
	Redis   RedisConfig `mapstructure:"redis"`
}

// RedisConfig represents Redis connection configuration
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// BoundingBox is the service's operating geofence
type BoundingBox struct {
	MinLat float64 `mapstructure:"min_lat"`
	MaxLat float64 `mapstructure:"max_lat"`
	MinLon float64 `mapstructure:"min_lon"`
	MaxLon float64 `mapstructure:"max_lon"`
}

// ValidatorConfig represents position-integrity validation configuration
type ValidatorConfig struct {
	MaxFieldLength     int           `mapstructure:"max_field_length"`
	MinTokenLength     int           `mapstructure:"min_token_length"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute"`
	HistoryLimit       int           `mapstructure:"history_limit"`
	HistoryMaxAge      time.Duration `mapstructure:"history_max_age"`
	MaxAcceleration    float64       `mapstructure:"max_acceleration"` // m/s^2
	Geofence           BoundingBox   `mapstructure:"geofence"`
}

// ThreatConfig represents threat monitor configuration
type ThreatConfig struct {
	HistoryLimit     int           `mapstructure:"history_limit"`
	HistoryMaxAge    time.Duration `mapstructure:"history_max_age"`
	EventLogCap      int           `mapstructure:"event_log_cap"`
	Window           time.Duration `mapstructure:"window"`
	MaxSpeedKMH      float64       `mapstructure:"max_speed_kmh"`
	FloodPerMinute   int           `mapstructure:"flood_per_minute"`
	HighEventFloor   int           `mapstructure:"high_event_floor"`
	MediumEventFloor int           `mapstructure:"medium_event_floor"`
}

// MonitorConfig represents performance monitor configuration
type MonitorConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	HistoryRetention time.Duration `mapstructure:"history_retention"`
	AlertCooldown    time.Duration `mapstructure:"alert_cooldown"`
	AlertRetention   time.Duration `mapstructure:"alert_retention"`
	TrendWindow      time.Duration `mapstructure:"trend_window"`
}

// HealthConfig represents health aggregator configuration
type HealthConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Load loads configuration from file and environment
func Load() (Config, error) {
	var config Config

	viper.SetDefault("environment", "development")

	viper.SetDefault("server.http_port", 8080)
	viper.SetDefault("server.read_timeout", "15s")
	viper.SetDefault("server.write_timeout", "15s")
	viper.SetDefault("server.idle_timeout", "60s")

	viper.SetDefault("kafka.enabled", false)
	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.topic", "position-reports")
	viper.SetDefault("kafka.group_id", "fleet-sentinel")
	viper.SetDefault("kafka.min_bytes", 1)
	viper.SetDefault("kafka.max_bytes", 10e6)

	viper.SetDefault("store.backend", "memory")
	viper.SetDefault("store.redis.addr", "localhost:6379")
	viper.SetDefault("store.redis.db", 0)

	viper.SetDefault("validator.max_field_length", 50)
	viper.SetDefault("validator.min_token_length", 32)
	viper.SetDefault("validator.rate_limit_per_minute", 60)
	viper.SetDefault("validator.history_limit", 100)
	viper.SetDefault("validator.history_max_age", "5m")
	viper.SetDefault("validator.max_acceleration", 2.0)
	// Operating geofence covers the national rail network.
	viper.SetDefault("validator.geofence.min_lat", 6.0)
	viper.SetDefault("validator.geofence.max_lat", 38.0)
	viper.SetDefault("validator.geofence.min_lon", 68.0)
	viper.SetDefault("validator.geofence.max_lon", 98.0)

	viper.SetDefault("threat.history_limit", 10)
	viper.SetDefault("threat.history_max_age", "5m")
	viper.SetDefault("threat.event_log_cap", 1000)
	viper.SetDefault("threat.window", "5m")
	viper.SetDefault("threat.max_speed_kmh", 300.0)
	viper.SetDefault("threat.flood_per_minute", 100)
	viper.SetDefault("threat.high_event_floor", 3)
	viper.SetDefault("threat.medium_event_floor", 5)

	viper.SetDefault("monitor.interval", "30s")
	viper.SetDefault("monitor.history_retention", "60m")
	viper.SetDefault("monitor.alert_cooldown", "2m")
	viper.SetDefault("monitor.alert_retention", "10m")
	viper.SetDefault("monitor.trend_window", "5m")

	viper.SetDefault("health.interval", "30s")

	viper.SetDefault("logging.level", "info")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/fleet-sentinel")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("FLEET_SENTINEL")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return config, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := viper.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return config, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// validateConfig validates the loaded configuration
func validateConfig(config Config) error {
	if config.Server.HTTPPort <= 0 || config.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", config.Server.HTTPPort)
	}

	if config.Kafka.Enabled && len(config.Kafka.Brokers) == 0 {
		return fmt.Errorf("at least one Kafka broker is required when kafka is enabled")
	}

	switch config.Store.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown store backend: %s", config.Store.Backend)
	}

	if config.Store.Backend == "redis" && config.Store.Redis.Addr == "" {
		return fmt.Errorf("redis address is required for the redis store backend")
	}

	if config.Validator.HistoryLimit <= 0 {
		return fmt.Errorf("validator history limit must be positive")
	}

	if config.Validator.RateLimitPerMinute <= 0 {
		return fmt.Errorf("validator rate limit must be positive")
	}

	g := config.Validator.Geofence
	if g.MinLat >= g.MaxLat || g.MinLon >= g.MaxLon {
		return fmt.Errorf("geofence bounds are inverted")
	}

	if config.Threat.HistoryLimit <= 0 || config.Threat.EventLogCap <= 0 {
		return fmt.Errorf("threat history limit and event log cap must be positive")
	}

	if config.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor interval must be positive")
	}

	if config.Monitor.AlertCooldown <= 0 || config.Monitor.AlertRetention <= 0 {
		return fmt.Errorf("monitor alert cooldown and retention must be positive")
	}

	if config.Health.Interval <= 0 {
		return fmt.Errorf("health interval must be positive")
	}

	return nil
}
