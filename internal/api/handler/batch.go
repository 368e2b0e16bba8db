package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/mailscope/internal/api/response"
	"github.com/kiranshivaraju/mailscope/internal/batch"
	"github.com/kiranshivaraju/mailscope/pkg/models"
)

// BatchService defines the batch operations the handlers depend on.
// *batch.Orchestrator satisfies it.
type BatchService interface {
	StartJob(ctx context.Context, req batch.StartRequest) (*models.BatchJob, error)
	GetJobStatus(ctx context.Context, id uuid.UUID) (*batch.JobStatus, error)
	CancelJob(ctx context.Context, id uuid.UUID) (*models.BatchJob, error)
	ResumeJob(ctx context.Context, id uuid.UUID) (*models.BatchJob, error)
	ListJobs(ctx context.Context, taskID uuid.UUID) ([]*models.BatchJob, error)
	AnalyzeSingle(ctx context.Context, taskID uuid.UUID, emailID int64, provider string) (*models.AnalysisResult, error)
}

// NewStartJobHandler returns an http.HandlerFunc for POST /api/v1/batch-analysis/start.
func NewStartJobHandler(svc BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req batch.StartRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		job, err := svc.StartJob(r.Context(), req)
		if err != nil {
			writeBatchError(w, err)
			return
		}
		response.Accepted(w, newJobResponse(job))
	}
}

// NewJobStatusHandler returns an http.HandlerFunc for GET /api/v1/batch-analysis/{jobID}/status.
func NewJobStatusHandler(svc BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "jobID")
		if !ok {
			return
		}

		status, err := svc.GetJobStatus(r.Context(), id)
		if err != nil {
			writeBatchError(w, err)
			return
		}
		resp := newJobResponse(status.Job)
		resp.ProgressPercent = status.Progress
		resp.Active = &status.Active
		response.JSON(w, resp)
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for POST /api/v1/batch-analysis/{jobID}/cancel.
func NewCancelJobHandler(svc BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "jobID")
		if !ok {
			return
		}

		job, err := svc.CancelJob(r.Context(), id)
		if err != nil {
			writeBatchError(w, err)
			return
		}
		response.JSON(w, newJobResponse(job))
	}
}

// NewResumeJobHandler returns an http.HandlerFunc for POST /api/v1/batch-analysis/{jobID}/resume.
func NewResumeJobHandler(svc BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "jobID")
		if !ok {
			return
		}

		job, err := svc.ResumeJob(r.Context(), id)
		if err != nil {
			writeBatchError(w, err)
			return
		}
		resp := newJobResponse(job)
		resp.ResumedFrom = &id
		response.Accepted(w, resp)
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/batch-analysis/jobs/{taskID}.
func NewListJobsHandler(svc BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID, ok := uuidParam(w, r, "taskID")
		if !ok {
			return
		}

		jobs, err := svc.ListJobs(r.Context(), taskID)
		if err != nil {
			writeBatchError(w, err)
			return
		}
		out := make([]jobResponse, len(jobs))
		for i, j := range jobs {
			out[i] = newJobResponse(j)
		}
		response.List(w, out, len(out))
	}
}

// NewAnalyzeSingleHandler returns an http.HandlerFunc for POST /api/v1/batch-analysis/single.
func NewAnalyzeSingleHandler(svc BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TaskID        uuid.UUID `json:"task_id"`
			EmailID       int64     `json:"email_id"`
			ModelProvider string    `json:"model_provider"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.TaskID == uuid.Nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "task_id is required", nil)
			return
		}
		if req.EmailID <= 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "email_id must be a positive integer", nil)
			return
		}

		res, err := svc.AnalyzeSingle(r.Context(), req.TaskID, req.EmailID, req.ModelProvider)
		if err != nil {
			writeBatchError(w, err)
			return
		}
		response.JSON(w, res)
	}
}

type jobResponse struct {
	JobID           uuid.UUID           `json:"job_id"`
	TaskID          uuid.UUID           `json:"task_id"`
	Status          models.JobStatus    `json:"status"`
	AnalysisType    models.AnalysisType `json:"analysis_type"`
	ModelProvider   string              `json:"model_provider"`
	Prompt          string              `json:"prompt"`
	FilterKeywords  []string            `json:"filter_keywords"`
	Concurrency     int                 `json:"concurrency"`
	MaxRetries      int                 `json:"max_retries"`
	TotalCount      int                 `json:"total_count"`
	ProcessedCount  int                 `json:"processed_count"`
	SuccessCount    int                 `json:"success_count"`
	FailedCount     int                 `json:"failed_count"`
	SkippedCount    int                 `json:"skipped_count"`
	ProgressPercent float64             `json:"progress_percent"`
	ErrorMessage    *string             `json:"error_message,omitempty"`
	Active          *bool               `json:"active,omitempty"`
	ResumedFrom     *uuid.UUID          `json:"resumed_from,omitempty"`
	CreatedAt       string              `json:"created_at"`
	StartedAt       *string             `json:"started_at,omitempty"`
	CompletedAt     *string             `json:"completed_at,omitempty"`
}

func newJobResponse(j *models.BatchJob) jobResponse {
	keywords := j.FilterKeywords
	if keywords == nil {
		keywords = []string{}
	}
	return jobResponse{
		JobID:           j.ID,
		TaskID:          j.TaskID,
		Status:          j.Status,
		AnalysisType:    j.AnalysisType,
		ModelProvider:   j.ModelProvider,
		Prompt:          j.Prompt,
		FilterKeywords:  keywords,
		Concurrency:     j.Concurrency,
		MaxRetries:      j.MaxRetries,
		TotalCount:      j.TotalCount,
		ProcessedCount:  j.ProcessedCount,
		SuccessCount:    j.SuccessCount,
		FailedCount:     j.FailedCount,
		SkippedCount:    j.SkippedCount,
		ProgressPercent: j.ProgressPercent(),
		ErrorMessage:    j.ErrorMessage,
		CreatedAt:       j.CreatedAt.UTC().Format(time.RFC3339),
		StartedAt:       formatTime(j.StartedAt),
		CompletedAt:     formatTime(j.CompletedAt),
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", name+" must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

func writeBatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, batch.ErrValidation):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, batch.ErrJobNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Batch job not found", nil)
	case errors.Is(err, batch.ErrTaskNotFound):
		response.Error(w, http.StatusNotFound, "TASK_NOT_FOUND", "Task not found", nil)
	case errors.Is(err, batch.ErrEmailNotFound):
		response.Error(w, http.StatusNotFound, "EMAIL_NOT_FOUND", "Email not found", nil)
	case errors.Is(err, batch.ErrConcurrencyConflict):
		response.Error(w, http.StatusConflict, "JOB_CONFLICT",
			"A batch job is already running for this task", nil)
	case errors.Is(err, batch.ErrJobNotCancellable):
		response.Error(w, http.StatusBadRequest, "JOB_NOT_CANCELLABLE",
			"Only pending or running jobs can be cancelled", nil)
	default:
		slog.Error("batch request failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
