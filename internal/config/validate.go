package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Validate checks enum values and duration strings. It reports every
// problem at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var err error
	check := func(path, raw string) {
		if _, e := ParseDurationField(path, raw); e != nil {
			err = multierr.Append(err, e)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Store.Driver)) {
	case "", "memory", "redis", "sqlite", "sqlite3":
	default:
		err = multierr.Append(err, fmt.Errorf("store.driver: unknown driver %q", cfg.Store.Driver))
	}
	if d := strings.ToLower(strings.TrimSpace(cfg.Store.Driver)); d == "redis" && strings.TrimSpace(cfg.Store.URL) == "" {
		err = multierr.Append(err, errors.New("store.url: required for redis"))
	}
	check("store.busy_timeout", cfg.Store.BusyTimeout)
	check("store.dial_timeout", cfg.Store.DialTimeout)

	if cfg.Queue.MaxSize < 0 {
		err = multierr.Append(err, errors.New("queue.max_size: must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.RateLimit.Algorithm)) {
	case "", "window", "token":
	default:
		err = multierr.Append(err, fmt.Errorf("rate_limit.algorithm: unknown algorithm %q", cfg.RateLimit.Algorithm))
	}
	if cfg.RateLimit.MaxRequests < 0 {
		err = multierr.Append(err, errors.New("rate_limit.max_requests: must be >= 0"))
	}
	if d, e := ParseDurationField("rate_limit.window", cfg.RateLimit.Window); e != nil {
		err = multierr.Append(err, e)
	} else if d > 0 && d < time.Millisecond {
		err = multierr.Append(err, fmt.Errorf("rate_limit.window: %s is below 1ms", d))
	}

	check("sender.retry_base", cfg.Sender.RetryBase)
	check("sender.retry_max_delay", cfg.Sender.RetryMaxDelay)
	check("sender.attempt_timeout", cfg.Sender.AttemptTimeout)
	check("sender.breaker.window", cfg.Sender.Breaker.Window)
	check("sender.breaker.cooldown", cfg.Sender.Breaker.Cooldown)
	check("sender.breaker.max_cooldown", cfg.Sender.Breaker.MaxCooldown)
	if r := cfg.Sender.Breaker.FailureRatio; r < 0 || r > 1 {
		err = multierr.Append(err, fmt.Errorf("sender.breaker.failure_ratio: %v not in [0,1]", r))
	}

	check("processor.idle_sleep", cfg.Processor.IdleSleep)
	check("processor.requeue_base", cfg.Processor.RequeueBase)
	check("processor.requeue_max", cfg.Processor.RequeueMax)

	switch strings.ToLower(strings.TrimSpace(cfg.Provider.Name)) {
	case "", "cloudapi":
		check("provider.cloudapi.timeout", cfg.Provider.CloudAPI.Timeout)
	case "telegram":
		check("provider.telegram.timeout", cfg.Provider.Telegram.Timeout)
	default:
		err = multierr.Append(err, fmt.Errorf("provider.name: unknown provider %q", cfg.Provider.Name))
	}

	check("tracking.retention", cfg.Tracking.Retention)
	check("http.read_timeout", cfg.HTTP.ReadTimeout)
	check("http.write_timeout", cfg.HTTP.WriteTimeout)
	check("http.idle_timeout", cfg.HTTP.IdleTimeout)
	check("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout)
	check("maintenance.job_timeout", cfg.Maintenance.JobTimeout)

	if k := cfg.Events.Kafka; k.Enabled {
		if len(k.Brokers) == 0 {
			err = multierr.Append(err, errors.New("events.kafka.brokers: required when enabled"))
		}
		if strings.TrimSpace(k.Topic) == "" {
			err = multierr.Append(err, errors.New("events.kafka.topic: required when enabled"))
		}
	}
	return err
}
