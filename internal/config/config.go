package config

import "time"

// Config is the root application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Bus      BusConfig      `yaml:"bus"`
	Latency  LatencyConfig  `yaml:"latency"`
	Matching MatchingConfig `yaml:"matching"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Broker   BrokerConfig   `yaml:"broker"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host"             env:"SERVER_HOST"             env-default:"0.0.0.0"`
	Port            int           `yaml:"port"             env:"SERVER_PORT"             env-default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout"     env:"SERVER_READ_TIMEOUT"     env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout"    env:"SERVER_WRITE_TIMEOUT"    env-default:"30s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT" env-default:"10s"`
	// NodeID names this instance in presence records. Empty means random.
	NodeID string `yaml:"node_id" env:"SERVER_NODE_ID"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"  env:"LOG_LEVEL"  env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"text"`
}

// BusConfig tunes the simulated event bus.
type BusConfig struct {
	// Immediate switches to in-order delivery with no delay and no loss.
	Immediate        bool          `yaml:"immediate"         env:"BUS_IMMEDIATE"`
	MinLatency       time.Duration `yaml:"min_latency"       env:"BUS_MIN_LATENCY"       env-default:"100ms"`
	MaxLatency       time.Duration `yaml:"max_latency"       env:"BUS_MAX_LATENCY"       env-default:"500ms"`
	DispatchDelay    time.Duration `yaml:"dispatch_delay"    env:"BUS_DISPATCH_DELAY"    env-default:"50ms"`
	AbortProbability float64       `yaml:"abort_probability" env:"BUS_ABORT_PROBABILITY" env-default:"0.01"`
}

// Deterministic reports whether the bus should deliver without delay or loss.
// Zero values in YAML are replaced by env-default, hence the explicit flag.
func (b BusConfig) Deterministic() bool {
	return b.Immediate || (b.MinLatency == 0 && b.MaxLatency == 0 && b.DispatchDelay == 0 && b.AbortProbability == 0)
}

type LatencyConfig struct {
	// Disabled turns off the simulated per-service latency.
	Disabled bool `yaml:"disabled" env:"LATENCY_DISABLED"`
}

type MatchingConfig struct {
	Threshold float64 `yaml:"threshold"  env:"MATCHING_THRESHOLD"  env-default:"0.70"`
	PriceFlex float64 `yaml:"price_flex" env:"MATCHING_PRICE_FLEX" env-default:"0.20"`
}

// DatabaseConfig enables the PostgreSQL stores when DSN is set.
type DatabaseConfig struct {
	DSN string `yaml:"dsn" env:"DATABASE_DSN"`
}

// RedisConfig enables Redis snapshot persistence when Addr is set.
type RedisConfig struct {
	Addr      string `yaml:"addr"       env:"REDIS_ADDR"`
	Password  string `yaml:"password"   env:"REDIS_PASSWORD"`
	DB        int    `yaml:"db"         env:"REDIS_DB"         env-default:"0"`
	KeyPrefix string `yaml:"key_prefix" env:"REDIS_KEY_PREFIX" env-default:"roomie:"`
}

// BrokerConfig enables RabbitMQ delivery (AMQPURL) and the event relay
// (StreamURI).
type BrokerConfig struct {
	AMQPURL    string `yaml:"amqp_url"    env:"AMQP_URL"`
	StreamURI  string `yaml:"stream_uri"  env:"STREAM_URI"`
	StreamName string `yaml:"stream_name" env:"STREAM_NAME" env-default:"roomie-events"`
}
