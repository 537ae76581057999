package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/cuongbtq/songforge/internal/domain"
	"github.com/cuongbtq/songforge/internal/gateway"
)

// memoryStore mirrors the conditional writes of the postgres store in memory
type memoryStore struct {
	mu         sync.Mutex
	jobs       map[string]*domain.Job
	credits    map[string]int
	categories map[string]bool
	history    map[string][]domain.JobStatus
	debits     map[string]int
	errs       map[string]error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		jobs:       make(map[string]*domain.Job),
		credits:    make(map[string]int),
		categories: make(map[string]bool),
		history:    make(map[string][]domain.JobStatus),
		debits:     make(map[string]int),
		errs:       make(map[string]error),
	}
}

func (s *memoryStore) addJob(job domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.Status == "" {
		job.Status = domain.JobStatusQueued
	}
	s.jobs[job.ID] = &job
}

func (s *memoryStore) setCredits(userID string, credits int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credits[userID] = credits
}

func (s *memoryStore) failNext(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[method] = err
}

func (s *memoryStore) job(id string) domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := *s.jobs[id]
	job.Categories = append([]string(nil), job.Categories...)
	return job
}

func (s *memoryStore) balance(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credits[userID]
}

func (s *memoryStore) statuses(id string) []domain.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.JobStatus(nil), s.history[id]...)
}

func (s *memoryStore) takeErr(method string) error {
	err := s.errs[method]
	delete(s.errs, method)
	return err
}

func (s *memoryStore) setStatus(job *domain.Job, to domain.JobStatus) {
	job.Status = to
	s.history[job.ID] = append(s.history[job.ID], to)
}

func (s *memoryStore) LoadRun(ctx context.Context, jobID string) (*domain.RunSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeErr("LoadRun"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return &domain.RunSnapshot{Job: *job, Credits: s.credits[job.UserID]}, nil
}

func (s *memoryStore) Transition(ctx context.Context, jobID string, to domain.JobStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeErr("Transition:" + string(to)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// postgres refuses such text with SQLSTATE 22021
	if !utf8.ValidString(reason) || strings.ContainsRune(reason, 0) {
		return fmt.Errorf("invalid byte sequence for encoding UTF8")
	}

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if !domain.CanTransition(job.Status, to) || (to == domain.JobStatusFailed && job.CreditDebited) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, job.Status, to)
	}
	job.FailureReason = reason
	s.setStatus(job, to)
	return nil
}

func (s *memoryStore) CommitSuccess(ctx context.Context, jobID string, result domain.GenerationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeErr("CommitSuccess"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	job := s.jobs[jobID]
	if !domain.CanTransition(job.Status, domain.JobStatusProcessed) {
		return fmt.Errorf("%w: %s -> processed", domain.ErrInvalidTransition, job.Status)
	}
	job.AudioKey = result.AudioKey
	job.ThumbnailKey = result.ThumbnailKey
	for _, name := range domain.NormalizeCategories(result.Categories) {
		s.categories[name] = true
		job.Categories = append(job.Categories, name)
	}
	s.setStatus(job, domain.JobStatusProcessed)
	return nil
}

func (s *memoryStore) DebitCredit(ctx context.Context, jobID string, amount int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeErr("DebitCredit"); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	job := s.jobs[jobID]
	if job.CreditDebited {
		return false, nil
	}
	if job.Status != domain.JobStatusProcessed {
		return false, fmt.Errorf("%w: debit requires a processed job", domain.ErrInvalidTransition)
	}
	if s.credits[job.UserID] < amount {
		return false, domain.ErrCreditRaceLost
	}
	s.credits[job.UserID] -= amount
	s.debits[jobID]++
	job.CreditDebited = true
	return true, nil
}

type generateCall struct {
	endpoint gateway.Endpoint
	req      gateway.GenerateRequest
}

// fakeGenerator records calls and answers with respond, or with a fixed
// result when respond is nil
type fakeGenerator struct {
	mu      sync.Mutex
	calls   []generateCall
	respond func(ctx context.Context, call generateCall) (*domain.GenerationResult, error)
}

func (g *fakeGenerator) Generate(ctx context.Context, endpoint gateway.Endpoint, req gateway.GenerateRequest) (*domain.GenerationResult, error) {
	call := generateCall{endpoint: endpoint, req: req}

	g.mu.Lock()
	g.calls = append(g.calls, call)
	respond := g.respond
	g.mu.Unlock()

	if respond != nil {
		return respond(ctx, call)
	}
	return &domain.GenerationResult{AudioKey: "songs/out.wav", ThumbnailKey: "covers/out.png"}, nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *fakeGenerator) lastCall() generateCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[len(g.calls)-1]
}
