package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is what the worker fires.
type Job interface {
	Run(ctx context.Context) Summary
}

type Worker struct {
	job        Job
	spec       string
	location   *time.Location
	updateChan chan struct{}
	logger     *slog.Logger

	// RunOnStart queues a scan as soon as the worker starts.
	RunOnStart bool
}

// DailySpec is the cron expression for hour:00 every day.
func DailySpec(hour int) string {
	return fmt.Sprintf("0 %d * * *", hour)
}

func NewWorker(job Job, hour int, location *time.Location, logger *slog.Logger) *Worker {
	if location == nil {
		location = time.Local
	}
	return &Worker{
		job:        job,
		spec:       DailySpec(hour),
		location:   location,
		updateChan: make(chan struct{}, 1),
		logger:     logger.With("component", "scheduler"),
	}
}

// Refresh queues a scan. Requests arriving before the worker picks up the
// queued one collapse into it.
func (w *Worker) Refresh() {
	select {
	case w.updateChan <- struct{}{}:
	default:
		// Channel already has a pending signal, no need to block
	}
}

// Start blocks until ctx is done. Every fire runs its scan on a fresh
// goroutine, so a dispatch chain that never returns only holds up its own
// scan.
func (w *Worker) Start(ctx context.Context) error {
	c := cron.New(cron.WithLocation(w.location))
	id, err := c.AddFunc(w.spec, w.Refresh)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", w.spec, err)
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	w.logger.Info("Mission expiry notifier started", "schedule", w.spec, "next", c.Entry(id).Next)

	if w.RunOnStart {
		w.Refresh()
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker stopped")
			return nil
		case <-w.updateChan:
			w.logger.Info("Running expiry scan", "next", c.Entry(id).Next)
			go w.job.Run(ctx)
		}
	}
}
