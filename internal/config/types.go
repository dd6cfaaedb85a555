package config

import (
	"os"
	"strings"
)

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "250ms", "10s", "1m").
// Omitted or zero values fall back to the component defaults.
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Store       StoreConfig       `json:"store"`
	Queue       QueueConfig       `json:"queue"`
	RateLimit   RateLimitConfig   `json:"rate_limit"`
	Sender      SenderConfig      `json:"sender"`
	Processor   ProcessorConfig   `json:"processor"`
	Provider    ProviderConfig    `json:"provider"`
	Webhook     WebhookConfig     `json:"webhook"`
	Tracking    TrackingConfig    `json:"tracking"`
	HTTP        HTTPConfig        `json:"http"`
	Events      EventsConfig      `json:"events"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StoreConfig selects the shared KV backend.
//
// Example:
//
//	"store": { "driver": "redis", "url": "redis://localhost:6379/0", "key_prefix": "courier" }
type StoreConfig struct {
	Driver      string `json:"driver"` // memory | redis | sqlite
	URL         string `json:"url,omitempty"`
	Path        string `json:"path,omitempty"`
	KeyPrefix   string `json:"key_prefix,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	DialTimeout string `json:"dial_timeout,omitempty"` // redis
}

type QueueConfig struct {
	MaxSize int64 `json:"max_size"`
}

type RateLimitConfig struct {
	Algorithm   string `json:"algorithm,omitempty"` // window | token
	MaxRequests int    `json:"max_requests"`
	Window      string `json:"window"`
}

type SenderConfig struct {
	MaxAttempts    int           `json:"max_attempts"`
	RetryBase      string        `json:"retry_base"`
	RetryMaxDelay  string        `json:"retry_max_delay"`
	AttemptTimeout string        `json:"attempt_timeout"`
	Breaker        BreakerConfig `json:"breaker"`
}

type BreakerConfig struct {
	Disabled     bool    `json:"disabled,omitempty"`
	Window       string  `json:"window,omitempty"`
	Buckets      int     `json:"buckets,omitempty"`
	MinRequests  int     `json:"min_requests,omitempty"`
	FailureRatio float64 `json:"failure_ratio,omitempty"`
	Cooldown     string  `json:"cooldown,omitempty"`
	MaxCooldown  string  `json:"max_cooldown,omitempty"`
}

type ProcessorConfig struct {
	BatchSize   int    `json:"batch_size"`
	Concurrency int    `json:"concurrency,omitempty"`
	IdleSleep   string `json:"idle_sleep"`
	MaxRetries  int    `json:"max_retries"`
	RequeueBase string `json:"requeue_base"`
	RequeueMax  string `json:"requeue_max"`
}

// ProviderConfig selects the delivery transport. Secrets may reference
// environment variables as ${NAME}.
type ProviderConfig struct {
	Name     string         `json:"name"` // cloudapi | telegram
	CloudAPI CloudAPIConfig `json:"cloudapi,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
}

type CloudAPIConfig struct {
	BaseURL       string `json:"base_url,omitempty"`
	PhoneNumberID string `json:"phone_number_id"`
	Token         string `json:"token"`
	Product       string `json:"product,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
}

type TelegramConfig struct {
	Token     string `json:"token"`
	ParseMode string `json:"parse_mode,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

type WebhookConfig struct {
	Secret        string `json:"secret"`
	AllowUnsigned bool   `json:"allow_unsigned,omitempty"`
	VerifyToken   string `json:"verify_token,omitempty"`
	MaxBodyBytes  int64  `json:"max_body_bytes,omitempty"`
}

type TrackingConfig struct {
	Retention string `json:"retention"`
}

type HTTPConfig struct {
	Addr            string `json:"addr"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	// Pprof mounts runtime profiling under /debug/pprof. Keep the addr on loopback when enabled.
	Pprof bool `json:"pprof,omitempty"`
}

type EventsConfig struct {
	Kafka KafkaConfig `json:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled"`
	Brokers []string `json:"brokers,omitempty"`
	Topic   string   `json:"topic,omitempty"`
	Types   []string `json:"types,omitempty"`
}

// MaintenanceConfig schedules housekeeping jobs.
//
// Enabled is a pointer so an omitted section still runs the default jobs.
type MaintenanceConfig struct {
	Enabled    *bool             `json:"enabled,omitempty"`
	Timezone   string            `json:"timezone,omitempty"`
	JobTimeout string            `json:"job_timeout,omitempty"`
	Schedules  map[string]string `json:"schedules,omitempty"`
}

func (m MaintenanceConfig) IsEnabled() bool { return m.Enabled == nil || *m.Enabled }

// expandSecrets resolves ${NAME} references in secret fields.
func (c *Config) expandSecrets() {
	c.Provider.CloudAPI.Token = expand(c.Provider.CloudAPI.Token)
	c.Provider.Telegram.Token = expand(c.Provider.Telegram.Token)
	c.Webhook.Secret = expand(c.Webhook.Secret)
	c.Webhook.VerifyToken = expand(c.Webhook.VerifyToken)
	c.Store.URL = expand(c.Store.URL)
}

func expand(s string) string {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}
