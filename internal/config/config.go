package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Admin     AdminConfig     `yaml:"admin"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Broker    BrokerConfig    `yaml:"broker"`
	Publisher PublisherConfig `yaml:"publisher"`
	Retention RetentionConfig `yaml:"retention"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
}

type AdminConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type BrokerConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type PublisherConfig struct {
	PollIntervalMS    int `yaml:"poll_interval_ms"`
	BatchSize         int `yaml:"batch_size"`
	MaxAttempts       int `yaml:"max_attempts"`
	RetrySweepEvery   int `yaml:"retry_sweep_every"`
	ShutdownTimeoutMS int `yaml:"shutdown_timeout_ms"`
}

func (p PublisherConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMS) * time.Millisecond
}

func (p PublisherConfig) ShutdownTimeout() time.Duration {
	return time.Duration(p.ShutdownTimeoutMS) * time.Millisecond
}

type RetentionConfig struct {
	MaxAgeHours          int `yaml:"max_age_hours"`
	SweepIntervalMinutes int `yaml:"sweep_interval_minutes"`
}

func (r RetentionConfig) MaxAge() time.Duration {
	return time.Duration(r.MaxAgeHours) * time.Hour
}

func (r RetentionConfig) SweepInterval() time.Duration {
	return time.Duration(r.SweepIntervalMinutes) * time.Minute
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override secrets from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if url := os.Getenv("AMQP_URL"); url != "" {
		cfg.Broker.URL = url
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Publisher.PollIntervalMS <= 0 {
		c.Publisher.PollIntervalMS = 1000
	}
	if c.Publisher.BatchSize <= 0 {
		c.Publisher.BatchSize = 100
	}
	if c.Publisher.MaxAttempts <= 0 {
		c.Publisher.MaxAttempts = 5
	}
	if c.Publisher.RetrySweepEvery <= 0 {
		c.Publisher.RetrySweepEvery = 10
	}
	if c.Publisher.ShutdownTimeoutMS <= 0 {
		c.Publisher.ShutdownTimeoutMS = 10000
	}
	if c.Retention.MaxAgeHours <= 0 {
		c.Retention.MaxAgeHours = 72
	}
	if c.Retention.SweepIntervalMinutes <= 0 {
		c.Retention.SweepIntervalMinutes = 60
	}
	if c.Broker.Exchange == "" {
		c.Broker.Exchange = "teamspace.events"
	}
}
