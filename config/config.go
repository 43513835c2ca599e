// Package config loads refhub's YAML configuration file: a single document
// layered over built-in defaults, validated at startup rather than lazily at
// first use. Command-line flags are parsed by main, not here.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Redis holds the shared-store connection parameters. The first Process
// constructed in an address space wins; later constructions with different
// parameters only log a warning (see store.Connect).
type Redis struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

func (r Redis) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Kafka configures the optional KafkaSink downstream (see sink.KafkaSink).
type Kafka struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Config is the full set of tunables for one refhub process.
type Config struct {
	Redis             Redis         `yaml:"redis"`
	TTL               time.Duration `yaml:"ttl"`
	RetrySleep        time.Duration `yaml:"retry_sleep"`
	Timeout           time.Duration `yaml:"timeout"`
	SessionLength     time.Duration `yaml:"session_length"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	Kafka             Kafka         `yaml:"kafka"`
}

// Default returns the built-in configuration defaults.
func Default() Config {
	return Config{
		Redis: Redis{
			Host: "localhost",
			Port: 6379,
			DB:   1,
		},
		TTL:               1800 * time.Second,
		RetrySleep:        500 * time.Millisecond,
		Timeout:           500 * time.Second,
		SessionLength:     900 * time.Second,
		HeartbeatInterval: 10 * time.Second,
	}
}

// UnmarshalYAML decodes durations from their human-readable form ("1800s",
// "500ms") via time.ParseDuration; yaml.v3 has no native time.Duration
// support. Fields absent from the document keep whatever the Config already
// holds, which is how Load layers a file over Default.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		Redis             Redis  `yaml:"redis"`
		TTL               string `yaml:"ttl"`
		RetrySleep        string `yaml:"retry_sleep"`
		Timeout           string `yaml:"timeout"`
		SessionLength     string `yaml:"session_length"`
		HeartbeatInterval string `yaml:"heartbeat_interval"`
		Kafka             Kafka  `yaml:"kafka"`
	}{Redis: c.Redis, Kafka: c.Kafka}

	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.Redis = raw.Redis
	c.Kafka = raw.Kafka

	for _, f := range []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"ttl", raw.TTL, &c.TTL},
		{"retry_sleep", raw.RetrySleep, &c.RetrySleep},
		{"timeout", raw.Timeout, &c.Timeout},
		{"session_length", raw.SessionLength, &c.SessionLength},
		{"heartbeat_interval", raw.HeartbeatInterval, &c.HeartbeatInterval},
	} {
		if f.src == "" {
			continue
		}
		d, err := time.ParseDuration(f.src)
		if err != nil {
			return fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = d
	}
	return nil
}

// Load reads a YAML file, layering it over Default, and validates the
// liveness invariants before handing the config to anyone.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate enforces the two liveness invariants the protocol depends on:
// session_length <= TTL/2 so a live process renews its claims before they
// can expire, and 5*heartbeat_interval strictly less than TTL so orphan
// recovery fires before a dead holder's lock self-expires into a third
// party's hands.
func (c Config) Validate() error {
	if c.SessionLength > c.TTL/2 {
		return fmt.Errorf("session_length (%s) must be <= TTL/2 (%s)", c.SessionLength, c.TTL/2)
	}
	if 5*c.HeartbeatInterval >= c.TTL {
		return fmt.Errorf("5*heartbeat_interval (%s) must be < TTL (%s)", 5*c.HeartbeatInterval, c.TTL)
	}
	if c.TTL <= 0 || c.HeartbeatInterval <= 0 || c.Timeout <= 0 {
		return fmt.Errorf("ttl, heartbeat_interval and timeout must be positive")
	}
	return nil
}
