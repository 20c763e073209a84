// Package config loads service settings from the environment, with an
// optional .env file for local development.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/drfirst/go-shrsync/internal/ledger"
	"github.com/drfirst/go-shrsync/internal/mapper"
)

// Outbox sinks.
const (
	SinkKafka = "kafka"
	SinkAMQP  = "amqp"
)

// Config holds every setting of the sync binaries.
type Config struct {
	Env         string `mapstructure:"ENV"`
	Port        string `mapstructure:"PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	RedisURL    string `mapstructure:"REDIS_URL"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`

	KafkaBrokers     string `mapstructure:"KAFKA_BROKERS"`
	KafkaReplication int16  `mapstructure:"KAFKA_REPLICATION"`
	FeedTopic        string `mapstructure:"FEED_TOPIC"`
	ConsumerGroup    string `mapstructure:"CONSUMER_GROUP"`
	DeadLetterTopic  string `mapstructure:"DEAD_LETTER_TOPIC"`
	OutboxSink       string `mapstructure:"OUTBOX_SINK"`
	AMQPURL          string `mapstructure:"AMQP_URL"`
	AMQPExchange     string `mapstructure:"AMQP_EXCHANGE"`

	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`

	SystemUserID           string `mapstructure:"SYSTEM_USER_ID"`
	FacilityID             string `mapstructure:"FACILITY_ID"`
	SHRBaseURL             string `mapstructure:"SHR_BASE_URL"`
	TRBaseURL              string `mapstructure:"TR_BASE_URL"`
	PRBaseURL              string `mapstructure:"PR_BASE_URL"`
	OrderAutoExpireMinutes int    `mapstructure:"ORDER_AUTO_EXPIRE_MINUTES"`
	ProcedureOrderTypeCode string `mapstructure:"PROCEDURE_ORDER_TYPE_CODE"`

	Workers      int    `mapstructure:"WORKERS"`
	APIKeys      string `mapstructure:"API_KEYS"`
	CORSOrigins  string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPM int    `mapstructure:"RATE_LIMIT_RPM"`
	LockTTL      int    `mapstructure:"LOCK_TTL_SECONDS"`
}

var defaults = map[string]any{
	"ENV":                       "development",
	"PORT":                      "8080",
	"LOG_LEVEL":                 "info",
	"KAFKA_BROKERS":             "localhost:9092",
	"KAFKA_REPLICATION":         1,
	"FEED_TOPIC":                "shr.encounter.feed",
	"CONSUMER_GROUP":            "shr-encounter-sync",
	"DEAD_LETTER_TOPIC":         "shr.dead.letter",
	"OUTBOX_SINK":               SinkKafka,
	"AMQP_EXCHANGE":             "shr.sync",
	"TRACE_SAMPLE_RATE":         1.0,
	"SYSTEM_USER_ID":            "shr-system",
	"SHR_BASE_URL":              "http://localhost:8081",
	"TR_BASE_URL":               "http://localhost:9080",
	"ORDER_AUTO_EXPIRE_MINUTES": 1440,
	"PROCEDURE_ORDER_TYPE_CODE": "Procedure",
	"WORKERS":                   4,
	"CORS_ORIGINS":              "*",
	"RATE_LIMIT_RPM":            600,
	"LOCK_TTL_SECONDS":          120,
}

// Load reads the configuration. Values in envFiles are loaded first without
// overriding variables already set; missing files are ignored.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}

	v := viper.New()
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for _, key := range []string{
		"DATABASE_URL", "REDIS_URL", "AMQP_URL", "OTLP_ENDPOINT",
		"FACILITY_ID", "PR_BASE_URL", "API_KEYS",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required and enumerated settings.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	switch c.OutboxSink {
	case SinkKafka:
	case SinkAMQP:
		if c.AMQPURL == "" {
			errs = append(errs, errors.New("AMQP_URL is required when OUTBOX_SINK=amqp"))
		}
	default:
		errs = append(errs, fmt.Errorf("OUTBOX_SINK must be %q or %q, got %q", SinkKafka, SinkAMQP, c.OutboxSink))
	}
	if c.SystemUserID == "" {
		errs = append(errs, errors.New("SYSTEM_USER_ID is required"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("WORKERS must be positive, got %d", c.Workers))
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		errs = append(errs, fmt.Errorf("TRACE_SAMPLE_RATE must be within [0,1], got %v", c.TraceSampleRate))
	}
	return errors.Join(errs...)
}

// IsDev reports whether the service runs in development mode.
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Brokers returns the Kafka seed brokers.
func (c *Config) Brokers() []string {
	return splitList(c.KafkaBrokers)
}

// APIKeyList returns the accepted API keys. An empty list disables key checks.
func (c *Config) APIKeyList() []string {
	return splitList(c.APIKeys)
}

// CORSOriginList returns the allowed CORS origins.
func (c *Config) CORSOriginList() []string {
	return splitList(c.CORSOrigins)
}

// LockTTLDuration is the distributed lock lifetime.
func (c *Config) LockTTLDuration() time.Duration {
	return time.Duration(c.LockTTL) * time.Second
}

// MapperProperties builds the mapper settings from the configuration.
func (c *Config) MapperProperties() mapper.Properties {
	p := mapper.DefaultProperties()
	p.FacilityID = c.FacilityID
	p.PRBaseURL = c.PRBaseURL
	p.URIs = ledger.NewURIBuilder(c.SHRBaseURL, c.TRBaseURL)
	if c.ProcedureOrderTypeCode != "" {
		p.ProcedureOrderTypeCode = c.ProcedureOrderTypeCode
	}
	if c.OrderAutoExpireMinutes > 0 {
		p.OrderAutoExpire = time.Duration(c.OrderAutoExpireMinutes) * time.Minute
	}
	return p
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
