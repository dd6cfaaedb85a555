package config

import (
	"reflect"
	"sort"
	"strings"

	"courier/pkg/logx"
)

// hotSections are applied to a running process; any other changed section
// only takes effect after a restart.
var hotSections = map[string]bool{
	"logging":     true,
	"processor":   true,
	"maintenance": true,
}

// SummarizeConfigChange returns the changed section names, safe structured
// attrs for logging (never secrets) and the changed sections that need a
// restart to take effect.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)
	mark := func(name string, fields ...logx.Field) {
		changed = append(changed, name)
		attrs = append(attrs, fields...)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Store, newCfg.Store) {
		mark("store",
			logx.String("store.driver", strings.TrimSpace(newCfg.Store.Driver)),
			logx.Bool("store.url_set", newCfg.Store.URL != ""),
			logx.Bool("store.path_set", strings.TrimSpace(newCfg.Store.Path) != ""),
		)
	}
	if oldCfg.Queue != newCfg.Queue {
		mark("queue", logx.Int64("queue.max_size", newCfg.Queue.MaxSize))
	}
	if oldCfg.RateLimit != newCfg.RateLimit {
		mark("rate_limit",
			logx.String("rate_limit.algorithm", newCfg.RateLimit.Algorithm),
			logx.Int("rate_limit.max_requests", newCfg.RateLimit.MaxRequests),
			logx.String("rate_limit.window", newCfg.RateLimit.Window),
		)
	}
	if oldCfg.Sender != newCfg.Sender {
		mark("sender",
			logx.Int("sender.max_attempts", newCfg.Sender.MaxAttempts),
			logx.Bool("sender.breaker_disabled", newCfg.Sender.Breaker.Disabled),
		)
	}
	if oldCfg.Processor != newCfg.Processor {
		mark("processor",
			logx.Int("processor.batch_size", newCfg.Processor.BatchSize),
			logx.Int("processor.concurrency", newCfg.Processor.Concurrency),
			logx.Int("processor.max_retries", newCfg.Processor.MaxRetries),
		)
	}
	if oldCfg.Provider != newCfg.Provider {
		mark("provider",
			logx.String("provider.name", newCfg.Provider.Name),
			logx.Bool("provider.token_rotated",
				oldCfg.Provider.CloudAPI.Token != newCfg.Provider.CloudAPI.Token ||
					oldCfg.Provider.Telegram.Token != newCfg.Provider.Telegram.Token),
		)
	}
	if oldCfg.Webhook != newCfg.Webhook {
		mark("webhook",
			logx.Bool("webhook.secret_set", newCfg.Webhook.Secret != ""),
			logx.Bool("webhook.verify_token_set", newCfg.Webhook.VerifyToken != ""),
		)
	}
	if oldCfg.Tracking != newCfg.Tracking {
		mark("tracking", logx.String("tracking.retention", newCfg.Tracking.Retention))
	}
	if oldCfg.HTTP != newCfg.HTTP {
		mark("http", logx.String("http.addr", newCfg.HTTP.Addr))
	}
	if !reflect.DeepEqual(oldCfg.Events, newCfg.Events) {
		mark("events",
			logx.Bool("events.kafka_enabled", newCfg.Events.Kafka.Enabled),
			logx.String("events.kafka_topic", newCfg.Events.Kafka.Topic),
		)
	}
	if !reflect.DeepEqual(oldCfg.Maintenance, newCfg.Maintenance) {
		mark("maintenance",
			logx.Bool("maintenance.enabled", newCfg.Maintenance.IsEnabled()),
			logx.String("maintenance.timezone", newCfg.Maintenance.Timezone),
		)
	}

	sort.Strings(changed)
	var restart []string
	for _, name := range changed {
		if !hotSections[name] {
			restart = append(restart, name)
		}
	}
	return changed, attrs, restart
}
