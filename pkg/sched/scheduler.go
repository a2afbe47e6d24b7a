// Package sched drives the FUP orchestrator on a cron schedule. The
// engine itself has no notion of wall-clock time; this is the external
// trigger that invokes it.
package sched

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/fupd/pkg/fup"
)

// Runner is the orchestrator surface the scheduler invokes.
// *fup.Orchestrator implements it.
type Runner interface {
	CheckAll(ctx context.Context) (*fup.SweepResult, error)
	ResetMonthly(ctx context.Context) (*fup.ResetResult, error)
}

// Config configures the cron schedule.
type Config struct {
	SweepSpec  string        `yaml:"sweep_spec"`  // default: @every 15m
	ResetSpec  string        `yaml:"reset_spec"`  // default: 10 0 * * * (daily 00:10)
	JobTimeout time.Duration `yaml:"job_timeout"` // sweep deadline, default: 10m
}

// DefaultConfig returns the default schedule.
func DefaultConfig() Config {
	return Config{
		SweepSpec:  "@every 15m",
		ResetSpec:  "10 0 * * *",
		JobTimeout: 10 * time.Minute,
	}
}

// Scheduler owns the cron instance. Overlapping runs of the same job are
// skipped rather than queued; the orchestrator's per-user locks make an
// overlap harmless, but a second full sweep piling onto a slow one only
// adds NAS load.
type Scheduler struct {
	cfg    Config
	cron   *cron.Cron
	runner Runner
	logger *zap.Logger
}

// New creates a scheduler with both jobs registered but not yet running.
func New(cfg Config, runner Runner, logger *zap.Logger) (*Scheduler, error) {
	if cfg.SweepSpec == "" {
		cfg.SweepSpec = DefaultConfig().SweepSpec
	}
	if cfg.ResetSpec == "" {
		cfg.ResetSpec = DefaultConfig().ResetSpec
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultConfig().JobTimeout
	}

	cl := &cronLogger{logger: logger}
	s := &Scheduler{
		cfg:    cfg,
		cron:   cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		runner: runner,
		logger: logger,
	}

	if _, err := s.cron.AddFunc(cfg.SweepSpec, s.runSweep); err != nil {
		return nil, fmt.Errorf("sweep spec %q: %w", cfg.SweepSpec, err)
	}
	if _, err := s.cron.AddFunc(cfg.ResetSpec, s.runReset); err != nil {
		return nil, fmt.Errorf("reset spec %q: %w", cfg.ResetSpec, err)
	}

	return s, nil
}

// Start begins running jobs on schedule.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started",
		zap.String("sweep_spec", s.cfg.SweepSpec),
		zap.String("reset_spec", s.cfg.ResetSpec),
	)
	s.cron.Start()
}

// Stop halts scheduling and waits for any running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Entries returns the scheduled job count.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()

	res, err := s.runner.CheckAll(ctx)
	if err != nil {
		s.logger.Error("scheduled sweep failed", zap.Error(err))
		return
	}
	s.logger.Info("scheduled sweep finished",
		zap.Int("checked", res.Checked),
		zap.Int("fup_applied", res.FupApplied),
		zap.Int("fup_removed", res.FupRemoved),
		zap.Int("errors", res.Errors),
	)
}

func (s *Scheduler) runReset() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()

	res, err := s.runner.ResetMonthly(ctx)
	if err != nil {
		s.logger.Error("scheduled reset failed", zap.Error(err))
		return
	}
	s.logger.Info("scheduled reset finished",
		zap.Int("reset", res.ResetCount),
		zap.Int("errors", res.Errors),
	)
}

// cronLogger adapts zap to the cron logger interface.
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Infow(msg, keysAndValues...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
