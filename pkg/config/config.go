// Package config loads worker configuration from the environment.
//
// All settings come from environment variables with the exact names the
// deployment manifests use (PG_DSN, NATS_DSN, ...). There is no config file:
// the worker runs in Kubernetes and everything is injected via the pod spec.
//
// Configuration precedence:
//  1. Environment variables
//  2. Default values
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config is the full worker configuration.
type Config struct {
	// PGDSN is the Postgres connection string for the session directory.
	PGDSN string `mapstructure:"pg_dsn" validate:"required"`

	// NATS holds message bus and lease bucket settings.
	NATS NATSConfig `mapstructure:",squash"`

	// Message holds outbound message publishing settings.
	Message MessageConfig `mapstructure:",squash"`

	// PodName identifies this worker instance. Lease values carry it so an
	// operator can tell which pod holds which session.
	PodName string `mapstructure:"pod_name" validate:"required"`

	// MetricsPort exposes the Prometheus endpoint when non-zero.
	MetricsPort int `mapstructure:"metrics_port" validate:"gte=0,lte=65535"`

	// Debug lowers the log level to DEBUG.
	Debug bool `mapstructure:"debug"`
}

// NATSConfig configures the JetStream connection, the task subjects and the
// lease bucket.
type NATSConfig struct {
	// URLs are the NATS server endpoints (NATS_DSN, comma-separated).
	URLs []string `mapstructure:"nats_dsn" validate:"required,min=1,dive,required"`

	// Prefix is the task subject prefix. Always normalized to end with a
	// single dot; lease keys and task subjects are built by appending to it.
	Prefix string `mapstructure:"nats_prefix" validate:"required,endswith=."`

	// KVBucket is the KV bucket backing session leases.
	KVBucket string `mapstructure:"nats_kv_bucket" validate:"required"`

	// KVTTL is the lease time-to-live. Entries not refreshed within the TTL
	// expire and the session becomes claimable again. NATS_KV_TTL is plain
	// seconds, so the field is decoded by hand in Load.
	KVTTL time.Duration `mapstructure:"-" validate:"required,gt=0"`

	// MaxDeliver bounds redelivery of task messages. On the final delivery a
	// failing task goes to the dead-letter subject instead of being retried.
	MaxDeliver int `mapstructure:"nats_max_delivered_messages_count" validate:"required,gt=0"`
}

// MessageConfig configures the outbound message stream.
type MessageConfig struct {
	// Subject is where collected chat messages are published.
	Subject string `mapstructure:"message_subject" validate:"required"`

	// Stream is the JetStream stream holding the subject.
	Stream string `mapstructure:"message_stream" validate:"required"`

	// BatchSize is the async publish window: at most this many publishes are
	// in flight before the publisher waits for acks.
	BatchSize int `mapstructure:"message_batch_size" validate:"required,gt=0"`
}

// envBindings maps mapstructure keys to their environment variable names.
var envBindings = map[string]string{
	"pg_dsn":                            "PG_DSN",
	"nats_dsn":                          "NATS_DSN",
	"nats_prefix":                       "NATS_PREFIX",
	"nats_kv_bucket":                    "NATS_KV_BUCKET",
	"nats_kv_ttl":                       "NATS_KV_TTL",
	"nats_max_delivered_messages_count": "NATS_MAX_DELIVERED_MESSAGES_COUNT",
	"message_subject":                   "MESSAGE_SUBJECT",
	"message_stream":                    "MESSAGE_STREAM",
	"message_batch_size":                "MESSAGE_BATCH_SIZE",
	"pod_name":                          "POD_NAME",
	"metrics_port":                      "METRICS_PORT",
	"debug":                             "DEBUG",
}

// Load reads configuration from the environment, applies defaults and
// validates the result.
func Load() (*Config, error) {
	v := viper.New()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Viper does not split env strings into slices on its own
	if raw := v.GetString("nats_dsn"); raw != "" {
		cfg.NATS.URLs = splitList(raw)
	}

	// NATS_KV_TTL is plain seconds in the environment
	if raw := v.GetString("nats_kv_ttl"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse NATS_KV_TTL: %w", err)
		}
		cfg.NATS.KVTTL = time.Duration(secs) * time.Second
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// ApplyDefaults fills unset fields with their defaults and normalizes values.
// Explicit values are preserved.
func (c *Config) ApplyDefaults() {
	if c.NATS.Prefix == "" {
		c.NATS.Prefix = "crawler.tasks."
	}
	c.NATS.Prefix = NormalizePrefix(c.NATS.Prefix)

	if c.NATS.KVBucket == "" {
		c.NATS.KVBucket = "TG_RESOURCES"
	}
	if c.NATS.KVTTL == 0 {
		c.NATS.KVTTL = 60 * time.Second
	}
	if c.NATS.MaxDeliver == 0 {
		c.NATS.MaxDeliver = 10
	}
	if c.Message.BatchSize == 0 {
		c.Message.BatchSize = 100
	}
	if c.PodName == "" {
		c.PodName = uuid.NewString()
	}
}

// Validate checks the configuration against the struct validation rules.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}
	return nil
}

// NormalizePrefix strips trailing dots and appends exactly one, so that
// "crawler.tasks", "crawler.tasks." and "crawler.tasks.." all yield
// "crawler.tasks.".
func NormalizePrefix(prefix string) string {
	return strings.TrimRight(prefix, ".") + "."
}

// splitList splits a comma-separated environment value, trimming whitespace
// and dropping empty elements.
func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
