// Package scheduler runs the daemon's periodic maintenance jobs.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"yieldfarm/services/farmingd/config"
)

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}

// Job is one unit of maintenance work. Each run gets its own bounded context.
type Job func(ctx context.Context) error

// Scheduler wraps a cron runner whose jobs recover from panics and log
// through slog.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
}

// New builds a scheduler. Each job run is bounded by timeout.
func New(logger *slog.Logger, timeout time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	adapter := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(config.ScheduleParser),
			cron.WithChain(cron.Recover(adapter)),
			cron.WithLogger(adapter),
		),
		logger:  logger,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers job under name on the cron expression expr.
func (s *Scheduler) Add(name, expr string, job Job) error {
	_, err := s.cron.AddFunc(expr, func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()
		started := time.Now()
		if err := job(ctx); err != nil {
			s.logger.Warn("scheduled job failed",
				slog.String("job", name),
				slog.Duration("elapsed", time.Since(started)),
				slog.Any("error", err))
			return
		}
		s.logger.Debug("scheduled job finished",
			slog.String("job", name),
			slog.Duration("elapsed", time.Since(started)))
	})
	if err != nil {
		return fmt.Errorf("scheduler: add %s: %w", name, err)
	}
	return nil
}

// Len reports how many jobs are registered.
func (s *Scheduler) Len() int { return len(s.cron.Entries()) }

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", slog.Int("jobs", s.Len()))
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}
