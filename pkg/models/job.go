package models

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a BatchJob.
type JobStatus string

const (
	JobStatusPending     JobStatus = "PENDING"
	JobStatusRunning     JobStatus = "RUNNING"
	JobStatusCompleted   JobStatus = "COMPLETED"
	JobStatusFailed      JobStatus = "FAILED"
	JobStatusCancelled   JobStatus = "CANCELLED"
	JobStatusInterrupted JobStatus = "INTERRUPTED"
)

// Active reports whether the job may still make progress.
func (s JobStatus) Active() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusInterrupted:
		return true
	}
	return false
}

// AnalysisType selects what a batch job iterates over.
type AnalysisType string

const (
	AnalysisTypeEmail          AnalysisType = "email"
	AnalysisTypePeopleCluster  AnalysisType = "people_cluster"
	AnalysisTypeSubjectCluster AnalysisType = "subject_cluster"
)

// AnalysisTypes lists every supported analysis type.
var AnalysisTypes = []AnalysisType{AnalysisTypeEmail, AnalysisTypePeopleCluster, AnalysisTypeSubjectCluster}

// ClusterKind maps a cluster analysis type to the kind of cluster it reads.
// The second return value is false for AnalysisTypeEmail.
func (t AnalysisType) ClusterKind() (ClusterKind, bool) {
	switch t {
	case AnalysisTypePeopleCluster:
		return ClusterKindPeople, true
	case AnalysisTypeSubjectCluster:
		return ClusterKindSubjects, true
	}
	return "", false
}

// BatchJob is one execution of a batch analysis configuration against a task's emails.
// Configuration fields are fixed at creation; a resume creates a new BatchJob.
type BatchJob struct {
	ID             uuid.UUID    `db:"id"              json:"id"`
	TaskID         uuid.UUID    `db:"task_id"         json:"task_id"`
	Status         JobStatus    `db:"status"          json:"status"`
	AnalysisType   AnalysisType `db:"analysis_type"   json:"analysis_type"`
	Prompt         string       `db:"prompt"          json:"prompt"`
	FilterKeywords []string     `db:"filter_keywords" json:"filter_keywords"`
	ModelProvider  string       `db:"model_provider"  json:"model_provider"`
	Concurrency    int          `db:"concurrency"     json:"concurrency"`
	MaxRetries     int          `db:"max_retries"     json:"max_retries"`
	TotalCount     int          `db:"total_count"     json:"total_count"`
	ProcessedCount int          `db:"processed_count" json:"processed_count"`
	SuccessCount   int          `db:"success_count"   json:"success_count"`
	FailedCount    int          `db:"failed_count"    json:"failed_count"`
	SkippedCount   int          `db:"skipped_count"   json:"skipped_count"`
	ErrorMessage   *string      `db:"error_message"   json:"error_message,omitempty"`
	StartedAt      *time.Time   `db:"started_at"      json:"started_at,omitempty"`
	CompletedAt    *time.Time   `db:"completed_at"    json:"completed_at,omitempty"`
	CreatedAt      time.Time    `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"      json:"updated_at"`
}

// ProgressPercent returns (processed+skipped)/total as a percentage rounded to one decimal.
func (j *BatchJob) ProgressPercent() float64 {
	if j.TotalCount <= 0 {
		return 0
	}
	pct := float64(j.ProcessedCount+j.SkippedCount) / float64(j.TotalCount) * 100
	return math.Round(pct*10) / 10
}

// JobProgress is the counter snapshot persisted after every item completes.
type JobProgress struct {
	Processed int
	Success   int
	Failed    int
	Skipped   int
}
