package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/songforge/internal/admission"
	"github.com/cuongbtq/songforge/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultMaxWaitingPerUser = 1
	defaultDeferDelay        = time.Second
)

// Runner admits and executes jobs; implemented by workflow.Engine
type Runner interface {
	Admit(ctx context.Context, jobID, userID string) (*admission.Lease, error)
	Execute(ctx context.Context, lease *admission.Lease) (domain.JobStatus, error)
	HandleFailure(ctx context.Context, jobID string, cause error) (domain.JobStatus, error)
}

// HeartbeatStore stamps liveness of a running job
type HeartbeatStore interface {
	UpdateJobHeartbeat(ctx context.Context, jobID string) error
}

// Broker delivers job messages, settles them and takes deferred messages
// back; implemented by rabbitmq.Client
type Broker interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
	Ack(deliveryTag uint64) error
	Nack(deliveryTag uint64, requeue bool) error
	PublishJSON(ctx context.Context, v any) error
}

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Runner            Runner
	Heartbeats        HeartbeatStore
	Broker            Broker
	WorkerID          string
	QueueName         string
	Concurrency       int
	HeartbeatInterval time.Duration
	// MaxWaitingPerUser caps how many messages of one user may wait for
	// admission in this worker. Further messages go to the back of the queue.
	MaxWaitingPerUser int
	// DeferDelay is how long an over-cap message is held before it is
	// republished.
	DeferDelay time.Duration
}

// admittedJob is a job holding its user's lease, ready for a pool slot
type admittedJob struct {
	msg   *domain.JobMessage
	lease *admission.Lease
}

// Worker consumes job messages, admits them per user and runs admitted
// jobs on a fixed pool of goroutines. Jobs waiting for admission hold no
// pool slot.
type Worker struct {
	logger            *slog.Logger
	runner            Runner
	heartbeats        HeartbeatStore
	broker            Broker
	workerID          string
	queueName         string
	concurrency       int
	heartbeatInterval time.Duration
	maxWaitingPerUser int
	deferDelay        time.Duration
	jobsChan          chan *admittedJob
	wg                sync.WaitGroup
	admitWG           sync.WaitGroup
	stopChan          chan struct{}
	stopOnce          sync.Once

	waitingMu sync.Mutex
	waiting   map[string]int
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) (*Worker, error) {
	if cfg.Runner == nil || cfg.Broker == nil || cfg.Heartbeats == nil {
		return nil, fmt.Errorf("worker requires a runner, a broker and a heartbeat store")
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	heartbeatInterval := cfg.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}
	maxWaiting := cfg.MaxWaitingPerUser
	if maxWaiting <= 0 {
		maxWaiting = defaultMaxWaitingPerUser
	}
	deferDelay := cfg.DeferDelay
	if deferDelay <= 0 {
		deferDelay = defaultDeferDelay
	}

	return &Worker{
		logger:            cfg.Logger,
		runner:            cfg.Runner,
		heartbeats:        cfg.Heartbeats,
		broker:            cfg.Broker,
		workerID:          cfg.WorkerID,
		queueName:         cfg.QueueName,
		concurrency:       concurrency,
		heartbeatInterval: heartbeatInterval,
		maxWaitingPerUser: maxWaiting,
		deferDelay:        deferDelay,
		jobsChan:          make(chan *admittedJob),
		stopChan:          make(chan struct{}),
		waiting:           make(map[string]int),
	}, nil
}

// Start consumes messages until ctx is canceled or the delivery channel
// closes, then waits for pending admissions to settle. Jobs still running
// when ctx ends are interrupted and their messages requeued.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Int("max_waiting_per_user", w.maxWaitingPerUser),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return err
	}

	w.spawnWorkerPool(ctx)
	w.startMessageDispatcher(ctx, deliveries)
	w.admitWG.Wait()

	return nil
}

// Stop signals the pool to exit and waits for in-flight jobs
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
