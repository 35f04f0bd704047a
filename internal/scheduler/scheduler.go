// Package scheduler triggers the daily update run on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/ledi-watcher/internal/orchestrator"
)

// DefaultSpec runs once a day at 09:00.
const DefaultSpec = "0 9 * * *"

// Runner executes one update run.
type Runner interface {
	Run(ctx context.Context) (orchestrator.RunResult, error)
}

// Config selects the schedule.
type Config struct {
	Spec     string
	Location *time.Location
}

// Scheduler owns a cron instance with a single update job.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	logger *zap.Logger
	entry  cron.EntryID

	mu  sync.Mutex
	ctx context.Context
}

// New validates the cron expression and registers the update job. Nothing runs until
// Start is called.
func New(cfg Config, runner Runner, logger *zap.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Spec == "" {
		cfg.Spec = DefaultSpec
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	cl := cronLogger{logger: logger.Named("cron")}
	s := &Scheduler{
		runner: runner,
		logger: logger,
		ctx:    context.Background(),
		cron: cron.New(
			cron.WithLocation(cfg.Location),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
	id, err := s.cron.AddFunc(cfg.Spec, s.tick)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", cfg.Spec, err)
	}
	s.entry = id
	return s, nil
}

// Start begins firing the schedule; every run receives ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Time("next_run", s.NextRun()))
}

// Stop halts the schedule and returns a context that is done once any
// in-flight run has finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// NextRun returns the next activation time, zero before Start.
func (s *Scheduler) NextRun() time.Time {
	return s.cron.Entry(s.entry).Next
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	result, err := s.runner.Run(ctx)
	switch {
	case errors.Is(err, orchestrator.ErrRunInProgress):
		s.logger.Warn("scheduled run skipped, another run is active")
	case err != nil:
		s.logger.Error("scheduled run failed", zap.Error(err))
	default:
		s.logger.Info("scheduled run finished",
			zap.Int("updates", result.Updates()),
			zap.Int("sent", result.Sent),
			zap.Bool("recovered", result.Recovered),
		)
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, fields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(fields(keysAndValues), zap.Error(err))...)
}

func fields(keysAndValues []any) []zap.Field {
	out := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out = append(out, zap.Any(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1]))
	}
	return out
}
