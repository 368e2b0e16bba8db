// Package batch runs batch analysis jobs: it resolves a task's items, masks
// them, sends them to an AI provider with bounded parallelism and retry, and
// records results and progress through the store.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mailscope/internal/ai/registry"
	"github.com/kiranshivaraju/mailscope/internal/analysis"
	"github.com/kiranshivaraju/mailscope/internal/config"
	"github.com/kiranshivaraju/mailscope/internal/pii"
	"github.com/kiranshivaraju/mailscope/internal/store"
	"github.com/kiranshivaraju/mailscope/internal/telemetry"
	"github.com/kiranshivaraju/mailscope/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
)

// InterruptedMessage is recorded on jobs found active without a running handle.
const InterruptedMessage = "job interrupted by service restart"

// ProviderSource resolves AI providers by name. *registry.Registry satisfies it.
type ProviderSource interface {
	Get(name string) (models.AIProvider, error)
	Default() string
}

// StatusMirror is a read-through copy of job records for status polling.
// *cache.RedisCache satisfies it.
type StatusMirror interface {
	SetJob(ctx context.Context, job *models.BatchJob, ttl time.Duration) error
	GetJob(ctx context.Context, jobID uuid.UUID) (*models.BatchJob, bool, error)
}

// JobStatus is a persisted job record with its derived progress.
type JobStatus struct {
	Job      *models.BatchJob
	Progress float64
	// Active reports whether this process holds a running handle for the job.
	Active bool
}

type jobHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator owns the in-process registry of running jobs.
type Orchestrator struct {
	store      store.Store
	providers  ProviderSource
	tokenizers *pii.Registry
	cfg        config.BatchConfig
	cleaner    analysis.Cleaner
	mirror     StatusMirror
	mirrorTTL  time.Duration
	mirrorMu   sync.Mutex
	metrics    *telemetry.Metrics
	logger     *slog.Logger

	mu      sync.Mutex
	handles map[uuid.UUID]*jobHandle
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStatusMirror copies every job update to m, kept for ttl after the last write.
func WithStatusMirror(m StatusMirror, ttl time.Duration) Option {
	return func(o *Orchestrator) {
		o.mirror = m
		o.mirrorTTL = ttl
	}
}

// WithMetrics records job and item metrics on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger jobs derive their loggers from.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithCleaner replaces the quote and signature stripper used for cluster context.
func WithCleaner(c analysis.Cleaner) Option {
	return func(o *Orchestrator) { o.cleaner = c }
}

// NewOrchestrator creates an Orchestrator with an empty handle registry.
func NewOrchestrator(st store.Store, providers ProviderSource, tokenizers *pii.Registry, cfg config.BatchConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:      st,
		providers:  providers,
		tokenizers: tokenizers,
		cfg:        withConfigDefaults(cfg),
		cleaner:    analysis.ReplyCleaner{},
		logger:     slog.Default(),
		handles:    make(map[uuid.UUID]*jobHandle),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = telemetry.NewMetrics(prometheus.NewRegistry())
	}
	return o
}

func withConfigDefaults(cfg config.BatchConfig) config.BatchConfig {
	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = 5
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = 3
	}
	if cfg.EmailTimeout <= 0 {
		cfg.EmailTimeout = 60 * time.Second
	}
	if cfg.ClusterTimeout <= 0 {
		cfg.ClusterTimeout = 90 * time.Second
	}
	if cfg.TimeoutRetryDelay <= 0 {
		cfg.TimeoutRetryDelay = time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = analysis.DefaultMaxContextChars
	}
	if cfg.ClusterMemberLimit <= 0 {
		cfg.ClusterMemberLimit = 20
	}
	return cfg
}

// Config returns the effective batch configuration.
func (o *Orchestrator) Config() config.BatchConfig { return o.cfg }

// StartJob validates req, persists a PENDING job and runs it in the background.
func (o *Orchestrator) StartJob(ctx context.Context, req StartRequest) (*models.BatchJob, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req = req.withDefaults(o.cfg, o.providers.Default())

	if _, err := o.store.GetTask(ctx, req.TaskID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}

	provider, err := o.providers.Get(req.ModelProvider)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownProvider) {
			return nil, fmt.Errorf("%w: model_provider %q is not configured", ErrValidation, req.ModelProvider)
		}
		return nil, err
	}

	existing, err := o.store.ListBatchJobsByTask(ctx, req.TaskID)
	if err != nil {
		return nil, fmt.Errorf("list batch jobs: %w", err)
	}
	for _, j := range existing {
		if j.Status.Active() {
			return nil, ErrConcurrencyConflict
		}
	}

	job := &models.BatchJob{
		ID:             uuid.New(),
		TaskID:         req.TaskID,
		Status:         models.JobStatusPending,
		AnalysisType:   req.AnalysisType,
		Prompt:         req.Prompt,
		FilterKeywords: req.FilterKeywords,
		ModelProvider:  provider.Name(),
		Concurrency:    req.Concurrency,
		MaxRetries:     req.MaxRetries,
	}
	if err := o.store.CreateBatchJob(ctx, job); err != nil {
		if errors.Is(err, store.ErrActiveJobExists) {
			return nil, ErrConcurrencyConflict
		}
		return nil, fmt.Errorf("create batch job: %w", err)
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &jobHandle{cancel: cancel, done: make(chan struct{})}
	o.mu.Lock()
	o.handles[job.ID] = h
	o.mu.Unlock()
	o.metrics.JobStarted()

	o.logger.Info("batch job created",
		"job_id", job.ID, "task_id", job.TaskID, "analysis_type", job.AnalysisType,
		"provider", job.ModelProvider, "concurrency", job.Concurrency, "max_retries", job.MaxRetries)

	snapshot := *job
	o.mirrorJob(ctx, &snapshot)
	go o.run(jobCtx, h, &snapshot, provider)

	return job, nil
}

// GetJobStatus returns the job with its progress percentage. While the job
// runs in this process the mirror is consulted first.
func (o *Orchestrator) GetJobStatus(ctx context.Context, id uuid.UUID) (*JobStatus, error) {
	active := o.isActive(id)
	if active && o.mirror != nil {
		job, found, err := o.mirror.GetJob(ctx, id)
		if err != nil {
			o.logger.Warn("status mirror read failed", "job_id", id, "error", err)
		} else if found {
			return &JobStatus{Job: job, Progress: job.ProgressPercent(), Active: true}, nil
		}
	}

	job, err := o.getJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return &JobStatus{Job: job, Progress: job.ProgressPercent(), Active: active}, nil
}

// CancelJob persists CANCELLED and signals the running job to stop dispatching.
// Items already being analyzed finish on their own.
func (o *Orchestrator) CancelJob(ctx context.Context, id uuid.UUID) (*models.BatchJob, error) {
	job, err := o.getJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.Status.Active() {
		return nil, ErrJobNotCancellable
	}

	if err := o.store.UpdateBatchJobStatus(ctx, id, models.JobStatusCancelled); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return nil, ErrJobNotCancellable
		}
		return nil, fmt.Errorf("cancel batch job: %w", err)
	}

	o.mu.Lock()
	h, ok := o.handles[id]
	o.mu.Unlock()
	if ok {
		h.cancel()
	}

	o.logger.Info("batch job cancelled", "job_id", id, "task_id", job.TaskID, "had_handle", ok)

	job, err = o.getJob(ctx, id)
	if err != nil {
		return nil, err
	}
	o.mirrorJob(ctx, job)
	return job, nil
}

// ResumeJob starts a new job with the configuration of job id. The original
// record is left untouched; already analyzed emails are skipped by the new run.
func (o *Orchestrator) ResumeJob(ctx context.Context, id uuid.UUID) (*models.BatchJob, error) {
	prev, err := o.getJob(ctx, id)
	if err != nil {
		return nil, err
	}

	job, err := o.StartJob(ctx, StartRequest{
		TaskID:         prev.TaskID,
		AnalysisType:   prev.AnalysisType,
		Prompt:         prev.Prompt,
		FilterKeywords: append([]string{}, prev.FilterKeywords...),
		ModelProvider:  prev.ModelProvider,
		Concurrency:    prev.Concurrency,
		MaxRetries:     prev.MaxRetries,
	})
	if err != nil {
		return nil, err
	}
	o.logger.Info("batch job resumed", "job_id", job.ID, "resumed_from", prev.ID)
	return job, nil
}

// ListJobs returns the task's jobs, newest first.
func (o *Orchestrator) ListJobs(ctx context.Context, taskID uuid.UUID) ([]*models.BatchJob, error) {
	jobs, err := o.store.ListBatchJobsByTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("list batch jobs: %w", err)
	}
	return jobs, nil
}

// ReconcileZombies marks PENDING and RUNNING jobs that have no handle in this
// process as INTERRUPTED. It returns how many jobs it transitioned.
func (o *Orchestrator) ReconcileZombies(ctx context.Context) (int, error) {
	jobs, err := o.store.ListBatchJobsByStatus(ctx, models.JobStatusPending, models.JobStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("list active batch jobs: %w", err)
	}

	n := 0
	for _, job := range jobs {
		if o.isActive(job.ID) {
			continue
		}
		err := o.store.UpdateBatchJobStatus(ctx, job.ID, models.JobStatusInterrupted, store.WithErrorMessage(InterruptedMessage))
		switch {
		case err == nil:
			n++
			o.logger.Warn("batch job interrupted", "job_id", job.ID, "task_id", job.TaskID, "previous_status", job.Status)
		case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrNotFound):
			// finished or reconciled concurrently
		default:
			return n, fmt.Errorf("interrupt batch job %s: %w", job.ID, err)
		}
	}
	return n, nil
}

// Done returns a channel closed when the job's run goroutine exits. For a job
// with no handle in this process the channel is already closed.
func (o *Orchestrator) Done(id uuid.UUID) <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	if h, ok := o.handles[id]; ok {
		return h.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// ActiveJobs returns the number of jobs running in this process.
func (o *Orchestrator) ActiveJobs() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.handles)
}

func (o *Orchestrator) isActive(id uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.handles[id]
	return ok
}

func (o *Orchestrator) removeHandle(id uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.handles, id)
}

func (o *Orchestrator) getJob(ctx context.Context, id uuid.UUID) (*models.BatchJob, error) {
	job, err := o.store.GetBatchJob(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get batch job: %w", err)
	}
	return job, nil
}

// Mirror writes are serialized on mirrorMu.
func (o *Orchestrator) mirrorJob(ctx context.Context, job *models.BatchJob) {
	if o.mirror == nil {
		return
	}
	o.mirrorMu.Lock()
	defer o.mirrorMu.Unlock()
	o.setMirror(ctx, job)
}

// mirrorProgress writes a running job's snapshot, marked CANCELLED once runCtx is
// done. CancelJob cancels runCtx before mirroring, so a snapshot written after
// its CANCELLED record always carries CANCELLED too.
func (o *Orchestrator) mirrorProgress(runCtx context.Context, snapshot *models.BatchJob) {
	if o.mirror == nil {
		return
	}
	o.mirrorMu.Lock()
	defer o.mirrorMu.Unlock()
	if runCtx.Err() != nil {
		snapshot.Status = models.JobStatusCancelled
	}
	o.setMirror(context.WithoutCancel(runCtx), snapshot)
}

func (o *Orchestrator) setMirror(ctx context.Context, job *models.BatchJob) {
	if err := o.mirror.SetJob(ctx, job, o.mirrorTTL); err != nil {
		o.logger.Warn("status mirror write failed", "job_id", job.ID, "error", err)
	}
}
