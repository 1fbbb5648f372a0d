package config

import (
	"fmt"
	"strings"
)

// Validate performs business-rule validation on the loaded configuration.
// Load calls it automatically.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535 (got %d)", c.Server.Port)
	}
	if err := c.Log.validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if err := c.Bus.validate(); err != nil {
		return fmt.Errorf("bus: %w", err)
	}
	if err := c.Matching.validate(); err != nil {
		return fmt.Errorf("matching: %w", err)
	}
	if c.Broker.StreamURI != "" && strings.TrimSpace(c.Broker.StreamName) == "" {
		return fmt.Errorf("broker.stream_name is required when stream_uri is set")
	}
	return nil
}

func (l *LogConfig) validate() error {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("level must be debug, info, warn or error (got %q)", l.Level)
	}
	return nil
}

func (b *BusConfig) validate() error {
	if b.MinLatency < 0 || b.DispatchDelay < 0 {
		return fmt.Errorf("latencies must be >= 0")
	}
	if b.MinLatency > b.MaxLatency {
		return fmt.Errorf("min_latency (%v) must not exceed max_latency (%v)", b.MinLatency, b.MaxLatency)
	}
	if b.AbortProbability < 0 || b.AbortProbability > 1 {
		return fmt.Errorf("abort_probability must be in [0,1] (got %v)", b.AbortProbability)
	}
	return nil
}

func (m *MatchingConfig) validate() error {
	if m.Threshold < 0 || m.Threshold > 1 {
		return fmt.Errorf("threshold must be in [0,1] (got %v)", m.Threshold)
	}
	if m.PriceFlex < 0 {
		return fmt.Errorf("price_flex must be >= 0 (got %v)", m.PriceFlex)
	}
	return nil
}
