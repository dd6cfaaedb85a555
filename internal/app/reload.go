package app

import (
	"context"
	"strings"

	"courier/internal/config"
	"courier/pkg/logx"
)

// reloadLoop applies published configs until ctx is done. Logging,
// processor tuning and maintenance schedules are applied live; other
// sections are only reported.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if pc, err := mapProcessorConfig(newCfg); err != nil {
		a.log.Warn("invalid processor config; keeping previous", logx.Err(err))
	} else {
		a.processor.Apply(pc)
	}

	if mc, err := mapMaintenanceConfig(newCfg); err != nil {
		a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
	} else if err := a.maint.Apply(mc); err != nil {
		a.log.Warn("maintenance reschedule failed", logx.Err(err))
	}

	if len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
