package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/quipufin/quipu/internal/config"
)

// Checker periodically snapshots pipeline health and pushes alerts. One
// check runs immediately on start so a restart after an incident reports
// right away instead of one interval later.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	lookback  int
}

// NewChecker creates a background health checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  interval,
		lookback:  cfg.LookbackWindowHours,
	}
}

// Run blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	zap.L().Info("health checker started",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.lookback),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.check(ctx)
	for {
		select {
		case <-ctx.Done():
			zap.L().Info("health checker stopped")
			return
		case <-ticker.C:
			c.check(ctx)
		}
	}
}

func (c *Checker) check(ctx context.Context) {
	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		zap.L().Error("monitoring: health check collect failed", zap.Error(err))
		return
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		zap.L().Debug("monitoring: pipeline healthy",
			zap.Int("logs_total", snap.LogsTotal),
			zap.Float64("fail_rate", snap.FailRate),
		)
		return
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	zap.L().Warn("monitoring: health check raised alerts",
		zap.Int("triggered", len(alerts)),
		zap.Int("delivered", sent),
	)
}
