package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/songforge/internal/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	logger := w.logger.With(slog.String("worker_name", workerName))
	logger.Debug("Worker goroutine started")

	for {
		select {
		case <-w.stopChan:
			logger.Debug("Worker goroutine stopping - stopChan closed")
			return

		case <-ctx.Done():
			logger.Debug("Worker goroutine stopping - context canceled")
			return

		case job := <-w.jobsChan:
			w.settle(job.msg, w.processJob(ctx, job), logger)
		}
	}
}

// settle acks a message whose job is settled and nacks the rest. Only
// retryable failures are requeued.
func (w *Worker) settle(msg *domain.JobMessage, err error, logger *slog.Logger) {
	if err == nil {
		if ackErr := w.broker.Ack(msg.DeliveryTag); ackErr != nil {
			logger.Error("Failed to ACK message",
				slog.String("job_id", msg.JobID),
				slog.Any("error", ackErr),
			)
		}
		return
	}

	requeue := shouldRequeueJob(err)
	logger.Warn("Job not settled",
		slog.String("job_id", msg.JobID),
		slog.Bool("requeue", requeue),
		slog.Any("error", err),
	)

	if nackErr := w.broker.Nack(msg.DeliveryTag, requeue); nackErr != nil {
		logger.Error("Failed to NACK message",
			slog.String("job_id", msg.JobID),
			slog.Any("error", nackErr),
		)
	}
}

// shouldRequeueJob determines if a job should be requeued based on the error type
func shouldRequeueJob(err error) bool {
	return domain.IsRetryable(err)
}
