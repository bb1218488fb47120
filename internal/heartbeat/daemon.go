package heartbeat

import (
	"context"
	"fmt"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// cronEveryFiveMinutes pins cycles to the wall-clock 5-minute grid.
const cronEveryFiveMinutes = "*/5 * * * *"

// Daemon runs cycles on the cron grid. Singleton mode with reschedule means
// an overrunning cycle is never overlapped: the colliding tick is dropped
// and the next aligned tick runs normally.
type Daemon struct {
	runner *Runner
	cron   gocron.Scheduler
	logger *zap.Logger
}

func NewDaemon(runner *Runner, logger *zap.Logger) (*Daemon, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("heartbeat: create scheduler: %w", err)
	}
	return &Daemon{runner: runner, cron: s, logger: logger.Named("daemon")}, nil
}

// Run schedules cycles and blocks until ctx is cancelled, then shuts the
// scheduler down, waiting for an in-flight cycle to finish.
func (d *Daemon) Run(ctx context.Context) error {
	_, err := d.cron.NewJob(
		gocron.CronJob(cronEveryFiveMinutes, false),
		gocron.NewTask(func() {
			if _, err := d.runner.RunCycle(ctx); err != nil {
				d.logger.Error("cycle aborted", zap.Error(err))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("heartbeat: schedule cycles: %w", err)
	}

	d.cron.Start()
	d.logger.Info("daemon started", zap.String("schedule", cronEveryFiveMinutes))
	<-ctx.Done()

	if err := d.cron.Shutdown(); err != nil {
		return fmt.Errorf("heartbeat: shutdown scheduler: %w", err)
	}
	d.logger.Info("daemon stopped")
	return nil
}
