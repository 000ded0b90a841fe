package sweeper

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Schedule runs the sweeper on a cron spec such as "@every 5m". Overlapping
// runs are skipped. Stop the returned cron to end scheduling; ctx bounds each run.
func Schedule(ctx context.Context, spec string, sw *Sweeper, logger *slog.Logger) (*cron.Cron, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := cronLogger{logger: logger}
	c := cron.New(
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)

	_, err := c.AddFunc(spec, func() {
		if _, err := sw.RunOnce(ctx); err != nil {
			logger.Error("Sweep run failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}

	c.Start()
	logger.Info("Sweeper scheduled", "schedule", spec, "batch", sw.batch)
	return c, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
