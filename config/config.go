package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Liveness   LivenessConfig   `yaml:"liveness"`
	Commands   CommandsConfig   `yaml:"commands"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Redis      RedisConfig      `yaml:"redis"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// LogConfig selects the zap level and encoder.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// MQTTConfig holds the broker connection and topic layout.
type MQTTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Broker    string `yaml:"broker"`
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	Namespace string `yaml:"namespace"` // topics are <namespace>/<device_code>/sensors
	QoS       byte   `yaml:"qos"`
}

// LivenessConfig controls the offline sweep.
type LivenessConfig struct {
	TimeoutSeconds int           `yaml:"timeout_seconds"`
	Timeout        time.Duration `yaml:"-"`
	Schedule       string        `yaml:"schedule"` // cron expression, e.g. "@every 5s"
}

// CommandsConfig controls the queued command publisher.
type CommandsConfig struct {
	Enabled             bool          `yaml:"enabled"`
	PollIntervalSeconds int           `yaml:"poll_interval_seconds"`
	PollInterval        time.Duration `yaml:"-"`
	BatchSize           int           `yaml:"batch_size"`
	MaxAttempts         int           `yaml:"max_attempts"`
}

// PushConfig holds the VAPID keys for web push alerts.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// WorkerPoolConfig holds the configuration for the alert worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// InfluxDBConfig configures the optional time-series mirror.
type InfluxDBConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

// RedisConfig configures the optional reading event stream.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills every unset field with its default value.
func (cfg *Config) ApplyDefaults() {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 20
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 2
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	if cfg.MQTT.Namespace == "" {
		cfg.MQTT.Namespace = "farm"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "fermentd"
	}
	if cfg.MQTT.QoS > 2 {
		log.Printf("mqtt.qos %d is invalid; defaulting to 1", cfg.MQTT.QoS)
		cfg.MQTT.QoS = 1
	}

	if cfg.Liveness.TimeoutSeconds <= 0 {
		cfg.Liveness.TimeoutSeconds = 10
	}
	cfg.Liveness.Timeout = time.Duration(cfg.Liveness.TimeoutSeconds) * time.Second
	if cfg.Liveness.Schedule == "" {
		cfg.Liveness.Schedule = "@every 5s"
	}

	if cfg.Commands.PollIntervalSeconds <= 0 {
		cfg.Commands.PollIntervalSeconds = 2
	}
	cfg.Commands.PollInterval = time.Duration(cfg.Commands.PollIntervalSeconds) * time.Second
	if cfg.Commands.BatchSize <= 0 {
		cfg.Commands.BatchSize = 50
	}
	if cfg.Commands.MaxAttempts <= 0 {
		cfg.Commands.MaxAttempts = 5
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Printf("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}

	if cfg.Redis.Stream == "" {
		cfg.Redis.Stream = "telemetry:readings"
	}
}
