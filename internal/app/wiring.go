package app

import (
	"fmt"
	"strings"
	"time"

	"courier/internal/config"
	"courier/internal/events"
	"courier/internal/kv"
	"courier/internal/maintenance"
	"courier/internal/processor"
	"courier/internal/provider"
	"courier/internal/provider/cloudapi"
	"courier/internal/provider/telegram"
	"courier/internal/queue"
	"courier/internal/ratelimit"
	"courier/internal/sender"
	"courier/internal/server"
	"courier/internal/tracking"
	"courier/internal/webhook"
	"courier/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStoreConfig(cfg *config.Config) (kv.Config, error) {
	sc := cfg.Store
	busy, err := config.ParseDurationOrDefault("store.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return kv.Config{}, err
	}
	dial, err := config.ParseDurationOrDefault("store.dial_timeout", sc.DialTimeout, 5*time.Second)
	if err != nil {
		return kv.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	if (driver == "sqlite" || driver == "sqlite3") && path == "" {
		return kv.Config{}, fmt.Errorf("store.path is required when store.driver=%s", driver)
	}
	return kv.Config{
		Driver:      driver,
		URL:         strings.TrimSpace(sc.URL),
		Path:        path,
		BusyTimeout: busy,
		DialTimeout: dial,
	}, nil
}

func keyPrefix(cfg *config.Config) string {
	if p := strings.TrimSpace(cfg.Store.KeyPrefix); p != "" {
		return p
	}
	return "courier"
}

func mapQueueConfig(cfg *config.Config) queue.Config {
	return queue.Config{MaxSize: cfg.Queue.MaxSize, KeyPrefix: keyPrefix(cfg)}
}

func mapRateLimitConfig(cfg *config.Config) (ratelimit.Config, error) {
	window, err := config.ParseDurationOrDefault("rate_limit.window", cfg.RateLimit.Window, time.Second)
	if err != nil {
		return ratelimit.Config{}, err
	}
	return ratelimit.Config{
		Algorithm:   strings.ToLower(strings.TrimSpace(cfg.RateLimit.Algorithm)),
		MaxRequests: cfg.RateLimit.MaxRequests,
		Window:      window,
		KeyPrefix:   keyPrefix(cfg),
	}, nil
}

func mapSenderConfig(cfg *config.Config) (sender.Config, error) {
	sc := cfg.Sender
	var (
		out sender.Config
		err error
	)
	out.MaxAttempts = sc.MaxAttempts
	if out.RetryBase, err = config.ParseDurationField("sender.retry_base", sc.RetryBase); err != nil {
		return sender.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("sender.retry_max_delay", sc.RetryMaxDelay); err != nil {
		return sender.Config{}, err
	}
	if out.AttemptTimeout, err = config.ParseDurationField("sender.attempt_timeout", sc.AttemptTimeout); err != nil {
		return sender.Config{}, err
	}

	bc := sc.Breaker
	out.Breaker = sender.BreakerConfig{
		Disabled:     bc.Disabled,
		Buckets:      bc.Buckets,
		MinRequests:  bc.MinRequests,
		FailureRatio: bc.FailureRatio,
	}
	if out.Breaker.Window, err = config.ParseDurationField("sender.breaker.window", bc.Window); err != nil {
		return sender.Config{}, err
	}
	if out.Breaker.Cooldown, err = config.ParseDurationField("sender.breaker.cooldown", bc.Cooldown); err != nil {
		return sender.Config{}, err
	}
	if out.Breaker.MaxCooldown, err = config.ParseDurationField("sender.breaker.max_cooldown", bc.MaxCooldown); err != nil {
		return sender.Config{}, err
	}
	return out, nil
}

// mapProcessorConfig leaves zero values for the processor to default.
func mapProcessorConfig(cfg *config.Config) (processor.Config, error) {
	pc := cfg.Processor
	out := processor.Config{
		BatchSize:   pc.BatchSize,
		Concurrency: pc.Concurrency,
		MaxRetries:  pc.MaxRetries,
	}
	var err error
	if out.IdleSleep, err = config.ParseDurationField("processor.idle_sleep", pc.IdleSleep); err != nil {
		return processor.Config{}, err
	}
	if out.RequeueBase, err = config.ParseDurationField("processor.requeue_base", pc.RequeueBase); err != nil {
		return processor.Config{}, err
	}
	if out.RequeueMax, err = config.ParseDurationField("processor.requeue_max", pc.RequeueMax); err != nil {
		return processor.Config{}, err
	}
	return out, nil
}

func mapTrackingConfig(cfg *config.Config) (tracking.Config, error) {
	ret, err := config.ParseDurationField("tracking.retention", cfg.Tracking.Retention)
	if err != nil {
		return tracking.Config{}, err
	}
	return tracking.Config{KeyPrefix: keyPrefix(cfg), Retention: ret}, nil
}

func mapWebhookConfig(cfg *config.Config) webhook.Config {
	return webhook.Config{
		Secret:        cfg.Webhook.Secret,
		AllowUnsigned: cfg.Webhook.AllowUnsigned,
		VerifyToken:   cfg.Webhook.VerifyToken,
		MaxBodyBytes:  cfg.Webhook.MaxBodyBytes,
	}
}

func mapServerConfig(cfg *config.Config) (server.Config, error) {
	hc := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 10*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("http.write_timeout", hc.WriteTimeout, 10*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, 60*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{Addr: hc.Addr, ReadTimeout: read, WriteTimeout: write, IdleTimeout: idle, Pprof: hc.Pprof}, nil
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	d, err := config.ParseDurationOrDefault("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout, 15*time.Second)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

func mapMaintenanceConfig(cfg *config.Config) (maintenance.Config, error) {
	mc := cfg.Maintenance
	timeout, err := config.ParseDurationField("maintenance.job_timeout", mc.JobTimeout)
	if err != nil {
		return maintenance.Config{}, err
	}
	return maintenance.Config{
		Enabled:    mc.IsEnabled(),
		Timezone:   mc.Timezone,
		Schedules:  mc.Schedules,
		JobTimeout: timeout,
	}, nil
}

func mapKafkaConfig(cfg *config.Config) events.KafkaConfig {
	kc := cfg.Events.Kafka
	return events.KafkaConfig{
		Enabled: kc.Enabled,
		Brokers: kc.Brokers,
		Topic:   kc.Topic,
		Types:   kc.Types,
	}
}

// newTransport builds the configured provider client.
func newTransport(cfg *config.Config, log logx.Logger) (provider.Transport, error) {
	pc := cfg.Provider
	switch strings.ToLower(strings.TrimSpace(pc.Name)) {
	case "", "cloudapi":
		timeout, err := config.ParseDurationField("provider.cloudapi.timeout", pc.CloudAPI.Timeout)
		if err != nil {
			return nil, err
		}
		c, err := cloudapi.New(cloudapi.Config{
			BaseURL:       pc.CloudAPI.BaseURL,
			PhoneNumberID: pc.CloudAPI.PhoneNumberID,
			Token:         pc.CloudAPI.Token,
			Product:       pc.CloudAPI.Product,
			Timeout:       timeout,
		}, cloudapi.WithLogger(log))
		if err != nil {
			return nil, err
		}
		return c, nil
	case "telegram":
		timeout, err := config.ParseDurationField("provider.telegram.timeout", pc.Telegram.Timeout)
		if err != nil {
			return nil, err
		}
		t, err := telegram.New(telegram.Config{
			Token:     pc.Telegram.Token,
			ParseMode: pc.Telegram.ParseMode,
			Timeout:   timeout,
		}, log)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown provider.name: %s", pc.Name)
	}
}
