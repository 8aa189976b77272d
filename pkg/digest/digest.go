// Package digest runs the deal pipeline on a cron schedule and hands each
// report to the configured publishers.
package digest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/phenomenon0/dealscout/pkg/pipeline"
	"github.com/phenomenon0/dealscout/pkg/publish"
)

// Run statuses passed to OnRun callbacks.
const (
	StatusOK           = "ok"
	StatusError        = "error"
	StatusPublishError = "publish_error"
)

// Lister produces deal reports. *pipeline.Orchestrator satisfies it.
type Lister interface {
	ListDeals(ctx context.Context, f pipeline.Filter) (*pipeline.Report, error)
}

// Config configures the digest runner.
type Config struct {
	// Schedule is a standard five-field cron spec or a descriptor such as
	// "@hourly" or "@every 30m".
	Schedule string
	Filter   pipeline.Filter
	// TopN keeps only the best N deals; zero keeps all.
	TopN int
	// Timeout bounds one run.
	Timeout time.Duration
}

// DefaultConfig returns default configuration for the given schedule.
func DefaultConfig(schedule string) Config {
	return Config{
		Schedule: schedule,
		TopN:     25,
		Timeout:  2 * time.Minute,
	}
}

// RunResult describes one digest run.
type RunResult struct {
	Status   string
	Report   *pipeline.Report
	Err      error
	Duration time.Duration
}

// Runner schedules digest runs.
type Runner struct {
	config    Config
	lister    Lister
	publisher publish.Publisher
	logger    *slog.Logger
	cron      *cron.Cron
	entry     cron.EntryID

	onRun []func(RunResult)
}

// NewRunner validates the schedule and builds a runner. publisher may be nil.
func NewRunner(config Config, lister Lister, publisher publish.Publisher, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if lister == nil {
		return nil, errors.New("digest: lister is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}
	if _, err := cron.ParseStandard(config.Schedule); err != nil {
		return nil, fmt.Errorf("digest schedule %q: %w", config.Schedule, err)
	}

	logger = logger.With("component", "digest")
	cl := cronLogger{logger: logger}
	return &Runner{
		config:    config,
		lister:    lister,
		publisher: publisher,
		logger:    logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}, nil
}

// OnRun adds a callback invoked after every run.
func (r *Runner) OnRun(fn func(RunResult)) {
	r.onRun = append(r.onRun, fn)
}

// Start schedules runs until ctx is done or Stop is called.
func (r *Runner) Start(ctx context.Context) error {
	id, err := r.cron.AddFunc(r.config.Schedule, func() {
		_, _ = r.RunOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("digest schedule %q: %w", r.config.Schedule, err)
	}
	r.entry = id
	r.cron.Start()
	r.logger.Info("digest scheduled", "schedule", r.config.Schedule, "next", r.Next())

	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	return nil
}

// Stop stops scheduling and waits for a running digest to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}

// Next returns the next scheduled run, zero before Start.
func (r *Runner) Next() time.Time {
	if r.entry == 0 {
		return time.Time{}
	}
	return r.cron.Entry(r.entry).Next
}

// RunOnce lists deals and publishes them. A publish failure still returns
// the report alongside the error.
func (r *Runner) RunOnce(ctx context.Context) (*pipeline.Report, error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	start := time.Now()
	report, err := r.lister.ListDeals(ctx, r.config.Filter)
	if err != nil {
		r.logger.Error("digest run failed", "error", err)
		r.finish(RunResult{Status: StatusError, Err: err, Duration: time.Since(start)})
		return nil, err
	}

	if r.config.TopN > 0 && len(report.Deals) > r.config.TopN {
		trimmed := *report
		trimmed.Deals = report.Deals[:r.config.TopN]
		trimmed.Count = len(trimmed.Deals)
		report = &trimmed
	}

	status := StatusOK
	if r.publisher != nil {
		if err = r.publisher.Publish(ctx, report); err != nil {
			status = StatusPublishError
			r.logger.Warn("digest publish failed", "run_id", report.RunID, "error", err)
		}
	}

	r.logger.Info("digest run finished",
		"run_id", report.RunID,
		"deals", report.Count,
		"status", status,
		"duration", time.Since(start))
	r.finish(RunResult{Status: status, Report: report, Err: err, Duration: time.Since(start)})
	return report, err
}

func (r *Runner) finish(res RunResult) {
	for _, cb := range r.onRun {
		cb(res)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
