package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the runtime configuration. Values are resolved in three layers:
// built-in defaults, then the optional YAML file named by LIVEFEED_CONFIG,
// then environment variables.
type Config struct {
	Port           string `yaml:"port"`
	JWTSecret      string `yaml:"jwt_secret"`
	AllowedOrigins string `yaml:"allowed_origins"`

	// Kafka. An empty broker list selects the in-process event bus.
	KafkaBrokers           string        `yaml:"kafka_brokers"`
	KafkaGroupPrefix       string        `yaml:"kafka_group_prefix"`
	KafkaRetry             time.Duration `yaml:"kafka_retry"`
	ProducerConnectTimeout time.Duration `yaml:"producer_connect_timeout"`

	// Subscriber pipeline
	EmitRate        time.Duration `yaml:"emit_rate"`
	IgnoreOlderThan time.Duration `yaml:"ignore_older_than"`
	TopicEventNames bool          `yaml:"topic_event_names"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Port:                   "8080",
		JWTSecret:              "dev-secret-change-in-prod",
		AllowedOrigins:         "http://localhost:3000",
		KafkaGroupPrefix:       "livefeed",
		KafkaRetry:             3000 * time.Millisecond,
		ProducerConnectTimeout: 1000 * time.Millisecond,
		TopicEventNames:        true,
		LogLevel:               "info",
		LogFormat:              "json",
		RateLimitRPS:           100,
		RateLimitBurst:         200,
	}
}

// Load resolves the configuration from defaults, the LIVEFEED_CONFIG file and
// the environment.
func Load() (*Config, error) {
	cfg := Defaults()
	if path := os.Getenv("LIVEFEED_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// KafkaEnabled reports whether a broker list is configured.
func (c *Config) KafkaEnabled() bool {
	return len(c.Brokers()) > 0
}

// Brokers splits KafkaBrokers on commas, dropping blanks.
func (c *Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error

	c.Port = getEnv("PORT", c.Port)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.AllowedOrigins = getEnv("ALLOWED_ORIGINS", c.AllowedOrigins)

	c.KafkaBrokers = getEnv("KAFKA_BROKERS", c.KafkaBrokers)
	c.KafkaGroupPrefix = getEnv("KAFKA_GROUP_PREFIX", c.KafkaGroupPrefix)
	c.KafkaRetry = getEnvMillis("KAFKA_RETRY_MS", c.KafkaRetry, &errs)
	c.ProducerConnectTimeout = getEnvMillis("PRODUCER_CONNECT_TIMEOUT_MS", c.ProducerConnectTimeout, &errs)

	c.EmitRate = getEnvMillis("EMIT_RATE_MS", c.EmitRate, &errs)
	if v := os.Getenv("IGNORE_OLDER_THAN_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Errorf("IGNORE_OLDER_THAN_SECONDS: invalid value %q", v))
		} else {
			c.IgnoreOlderThan = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("TOPIC_EVENT_NAMES"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("TOPIC_EVENT_NAMES: %w", err))
		} else {
			c.TopicEventNames = b
		}
	}

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)

	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS: %w", err))
		} else {
			c.RateLimitRPS = f
		}
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_BURST: %w", err))
		} else {
			c.RateLimitBurst = n
		}
	}

	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvMillis reads an integer millisecond value. Negative or malformed
// values are reported through errs and leave fallback in place.
func getEnvMillis(key string, fallback time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		*errs = append(*errs, fmt.Errorf("%s: invalid millisecond value %q", key, v))
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}
