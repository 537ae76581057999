package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/songforge/internal/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// setupConsumer starts consuming the job queue
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	// auto-ack is off on the broker side; every message is settled by a pool goroutine
	deliveries, err := w.broker.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", w.workerID),
		slog.String("queue", w.queueName),
	)

	return deliveries, nil
}

// decodeMessage parses a job submitted message. Both ids must be UUIDs.
func decodeMessage(body []byte) (*domain.JobMessage, error) {
	var msg domain.SubmittedMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)
	}

	if _, err := uuid.Parse(msg.JobID); err != nil {
		return nil, fmt.Errorf("%w: job_id %q is not a UUID", domain.ErrInvalidMessage, msg.JobID)
	}
	if _, err := uuid.Parse(msg.UserID); err != nil {
		return nil, fmt.Errorf("%w: user_id %q is not a UUID", domain.ErrInvalidMessage, msg.UserID)
	}

	return &domain.JobMessage{JobID: msg.JobID, UserID: msg.UserID}, nil
}

// startMessageDispatcher listens to RabbitMQ deliveries and starts an
// admission for each job. Admission waits happen outside the worker pool.
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return
			}

			jobMsg, err := decodeMessage(delivery.Body)
			if err != nil {
				w.logger.Error("Dropping malformed message",
					slog.Any("error", err),
					slog.String("body", string(delivery.Body)),
				)
				// malformed messages are dead-lettered, never requeued
				if nackErr := w.broker.Nack(delivery.DeliveryTag, false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed message",
						slog.Any("error", nackErr),
					)
				}
				continue
			}
			jobMsg.DeliveryTag = delivery.DeliveryTag

			w.admitWG.Add(1)
			if w.reserveWaiting(jobMsg.UserID) {
				go w.admitJob(ctx, jobMsg)
			} else {
				go w.deferMessage(ctx, jobMsg)
			}
		}
	}
}

// admitJob waits for the user's lease and hands the admitted job to the pool
func (w *Worker) admitJob(ctx context.Context, msg *domain.JobMessage) {
	defer w.admitWG.Done()

	lease, err := w.runner.Admit(ctx, msg.JobID, msg.UserID)
	w.releaseWaiting(msg.UserID)
	if err != nil {
		w.settle(msg, err, w.logger)
		return
	}

	select {
	case w.jobsChan <- &admittedJob{msg: msg, lease: lease}:
		w.logger.Debug("Job dispatched to worker pool",
			slog.String("job_id", msg.JobID),
			slog.Uint64("delivery_tag", msg.DeliveryTag),
		)
	case <-ctx.Done():
		lease.Release()
		w.settle(msg, domain.NewRetryableError(ctx.Err()), w.logger)
	case <-w.stopChan:
		lease.Release()
		w.settle(msg, domain.NewRetryableError(fmt.Errorf("worker stopped")), w.logger)
	}
}

// deferMessage moves a message of a user who already has jobs waiting to
// the back of the queue, so messages of other users are delivered first
func (w *Worker) deferMessage(ctx context.Context, msg *domain.JobMessage) {
	defer w.admitWG.Done()

	w.logger.Debug("User has jobs waiting for admission, deferring message",
		slog.String("job_id", msg.JobID),
		slog.String("user_id", msg.UserID),
	)

	timer := time.NewTimer(w.deferDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		w.settle(msg, domain.NewRetryableError(ctx.Err()), w.logger)
		return
	}

	republished := domain.SubmittedMessage{JobID: msg.JobID, UserID: msg.UserID}
	if err := w.broker.PublishJSON(ctx, republished); err != nil {
		w.settle(msg, domain.NewRetryableError(fmt.Errorf("republish deferred message: %w", err)), w.logger)
		return
	}
	w.settle(msg, nil, w.logger)
}

// reserveWaiting counts a message against its user's waiting cap
func (w *Worker) reserveWaiting(userID string) bool {
	w.waitingMu.Lock()
	defer w.waitingMu.Unlock()

	if w.waiting[userID] >= w.maxWaitingPerUser {
		return false
	}
	w.waiting[userID]++
	return true
}

func (w *Worker) releaseWaiting(userID string) {
	w.waitingMu.Lock()
	defer w.waitingMu.Unlock()

	w.waiting[userID]--
	if w.waiting[userID] <= 0 {
		delete(w.waiting, userID)
	}
}
