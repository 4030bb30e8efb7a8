package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a named periodic task. Spec is a standard cron expression.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Driver runs the reconciliation jobs on a cron schedule. Overlapping runs
// of the same job are skipped rather than queued, since every job is a full
// sweep and a queued re-run would only repeat the work.
type Driver struct {
	cron   *cron.Cron
	logger *slog.Logger

	// jobTimeout bounds one run of any job.
	jobTimeout time.Duration
}

// NewDriver creates a scheduler. jobTimeout caps a single job run; zero
// means no cap.
func NewDriver(logger *slog.Logger, jobTimeout time.Duration) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	cl := &cronLogger{logger: logger}
	return &Driver{
		cron: cron.New(
			cron.WithChain(
				cron.SkipIfStillRunning(cl),
				cron.Recover(cl),
			),
		),
		logger:     logger,
		jobTimeout: jobTimeout,
	}
}

// Register adds a job to the schedule. Must be called before Start.
func (d *Driver) Register(job Job) error {
	_, err := d.cron.AddFunc(job.Spec, func() {
		ctx := context.Background()
		if d.jobTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.jobTimeout)
			defer cancel()
		}

		start := time.Now()
		if err := job.Run(ctx); err != nil {
			d.logger.Error("scheduled job failed",
				"job", job.Name,
				"duration", time.Since(start),
				"error", err,
			)
			return
		}
		d.logger.Debug("scheduled job complete",
			"job", job.Name,
			"duration", time.Since(start),
		)
	})
	if err != nil {
		return err
	}
	d.logger.Info("job scheduled", "job", job.Name, "spec", job.Spec)
	return nil
}

// Start begins running jobs in their own goroutine.
func (d *Driver) Start() {
	d.cron.Start()
}

// Stop halts scheduling and returns a context that is done when all running
// jobs have finished.
func (d *Driver) Stop() context.Context {
	return d.cron.Stop()
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	args := append([]interface{}{"error", err}, keysAndValues...)
	l.logger.Error(msg, args...)
}
