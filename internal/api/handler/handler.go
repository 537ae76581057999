package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/songforge/internal/domain"
	"github.com/cuongbtq/songforge/internal/store"
)

// JobStore is the persistence the handlers need; implemented by store.Store
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]domain.Job, error)
}

// Publisher sends job submitted messages; implemented by rabbitmq.Client
type Publisher interface {
	PublishJSON(ctx context.Context, v any) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Store     JobStore
	Publisher Publisher
	// Health is pinged by GET /health
	Health interface {
		Ping(ctx context.Context) error
	}
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	store     JobStore
	publisher Publisher
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		store:     deps.Store,
		publisher: deps.Publisher,
	}
}
