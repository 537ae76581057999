package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/songforge/internal/domain"
)

// processJob runs an admitted job while a heartbeat marks it alive, then
// releases the user's lease
func (w *Worker) processJob(ctx context.Context, job *admittedJob) error {
	defer job.lease.Release()

	msg := job.msg
	w.logger.Info("Processing job",
		slog.String("job_id", msg.JobID),
		slog.String("user_id", msg.UserID),
		slog.String("worker_id", w.workerID),
	)

	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(ctx, msg.JobID, heartbeatDone)
	defer close(heartbeatDone)

	status, err := w.runSafely(ctx, job)
	if err != nil {
		return err
	}

	w.logger.Info("Job finished",
		slog.String("job_id", msg.JobID),
		slog.String("status", string(status)),
	)
	return nil
}

// runSafely turns a panic in the run into a failed job
func (w *Worker) runSafely(ctx context.Context, job *admittedJob) (status domain.JobStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Job panicked",
				slog.String("job_id", job.msg.JobID),
				slog.Any("panic", r),
			)
			status, err = w.runner.HandleFailure(ctx, job.msg.JobID, fmt.Errorf("panic: %v", r))
		}
	}()

	return w.runner.Execute(ctx, job.lease)
}

// sendJobHeartbeat periodically updates the job's heartbeat timestamp
func (w *Worker) sendJobHeartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := w.heartbeats.UpdateJobHeartbeat(ctx, jobID); err != nil {
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.Any("error", err),
				)
			}
		}
	}
}
