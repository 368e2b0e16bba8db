package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mailscope/pkg/models"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrDuplicateKey      = errors.New("duplicate key violation")
	ErrActiveJobExists   = errors.New("task already has an active batch job")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	KeyStore
	TaskStore
	JobStore
	ResultStore
	ItemSource
}

// KeyStore persists API keys.
type KeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

// TaskStore persists tasks and their imported emails.
type TaskStore interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error)
	// AddEmails inserts emails for taskID and fills in their IDs.
	AddEmails(ctx context.Context, taskID uuid.UUID, emails []*models.Email) error
	GetEmail(ctx context.Context, taskID uuid.UUID, id int64) (*models.Email, error)
}

// JobStore persists batch job records.
type JobStore interface {
	// CreateBatchJob returns ErrActiveJobExists when the task already has a
	// PENDING or RUNNING job.
	CreateBatchJob(ctx context.Context, job *models.BatchJob) error
	GetBatchJob(ctx context.Context, id uuid.UUID) (*models.BatchJob, error)
	// ListBatchJobsByTask returns the task's jobs newest first.
	ListBatchJobsByTask(ctx context.Context, taskID uuid.UUID) ([]*models.BatchJob, error)
	ListBatchJobsByStatus(ctx context.Context, statuses ...models.JobStatus) ([]*models.BatchJob, error)
	// UpdateBatchJobStatus atomically moves the job to status if its current
	// status allows it. Returns ErrInvalidTransition otherwise.
	UpdateBatchJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, opts ...JobUpdateOption) error
	UpdateBatchJobTotal(ctx context.Context, id uuid.UUID, total, skipped int) error
	UpdateBatchJobProgress(ctx context.Context, id uuid.UUID, p models.JobProgress) error
}

// ResultStore persists per-email and per-cluster analysis output.
type ResultStore interface {
	HasEmailAnalysis(ctx context.Context, emailID int64, analysisType string) (bool, error)
	// SaveAnalysisResult upserts on (email, analysis type, model provider).
	SaveAnalysisResult(ctx context.Context, result *models.AnalysisResult) error
	// SaveClusterInsight upserts on (task, cluster type, cluster key).
	SaveClusterInsight(ctx context.Context, insight *models.ClusterInsight) error
	ListAnalysisResults(ctx context.Context, taskID uuid.UUID) ([]*models.AnalysisResult, error)
	ListClusterInsights(ctx context.Context, taskID uuid.UUID, kind models.ClusterKind) ([]*models.ClusterInsight, error)
}

// ItemSource resolves the items a batch job iterates over.
type ItemSource interface {
	// ListEmailsForBatch returns the task's emails in id order minus those whose
	// subject matches a keyword, plus the number excluded.
	ListEmailsForBatch(ctx context.Context, taskID uuid.UUID, keywords []string) ([]*models.Email, int, error)
	// ListClusters returns the task's clusters of kind sorted by (MemberCount DESC, Key ASC).
	ListClusters(ctx context.Context, taskID uuid.UUID, kind models.ClusterKind) ([]models.ClusterRef, error)
	// ListClusterMembers returns up to limit member emails of ref, oldest first.
	ListClusterMembers(ctx context.Context, taskID uuid.UUID, ref models.ClusterRef, limit int) ([]*models.Email, error)
}

var validTransitions = map[models.JobStatus][]models.JobStatus{
	models.JobStatusPending: {models.JobStatusRunning, models.JobStatusCancelled, models.JobStatusFailed, models.JobStatusInterrupted},
	models.JobStatusRunning: {models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled, models.JobStatusInterrupted},
}

// CanTransition reports whether a job in status from may move to status to.
func CanTransition(from, to models.JobStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// sourceStatuses returns the statuses from which to is reachable.
func sourceStatuses(to models.JobStatus) []string {
	var out []string
	for from, targets := range validTransitions {
		for _, s := range targets {
			if s == to {
				out = append(out, string(from))
			}
		}
	}
	return out
}

type jobUpdateParams struct {
	ErrorMessage *string
}

type JobUpdateOption func(*jobUpdateParams)

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

// ApplyJobUpdate applies the status change and options to an in-memory job
// record. Implementations without SQL use it to stamp timestamps the same way.
func ApplyJobUpdate(job *models.BatchJob, status models.JobStatus, opts ...JobUpdateOption) {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	now := nowUTC()
	job.Status = status
	job.UpdatedAt = now
	if status == models.JobStatusRunning {
		job.StartedAt = &now
	}
	if status.Terminal() {
		job.CompletedAt = &now
	}
	if params.ErrorMessage != nil {
		msg := *params.ErrorMessage
		job.ErrorMessage = &msg
	}
}
