// Package memstore provides an in-memory implementation of store.Store for
// tests and local development. Records are copied on the way in and out.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mailscope/internal/analysis"
	"github.com/kiranshivaraju/mailscope/internal/store"
	"github.com/kiranshivaraju/mailscope/pkg/models"
)

type resultKey struct {
	emailID      int64
	analysisType string
	provider     string
}

type insightKey struct {
	taskID uuid.UUID
	kind   models.ClusterKind
	key    string
}

// Store is a mutex-guarded in-memory store.Store.
type Store struct {
	mu       sync.Mutex
	nextID   int64
	keys     map[uuid.UUID]*models.APIKey
	tasks    map[uuid.UUID]*models.Task
	emails   map[int64]*models.Email
	jobs     map[uuid.UUID]*models.BatchJob
	results  map[resultKey]*models.AnalysisResult
	insights map[insightKey]*models.ClusterInsight
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		keys:     make(map[uuid.UUID]*models.APIKey),
		tasks:    make(map[uuid.UUID]*models.Task),
		emails:   make(map[int64]*models.Email),
		jobs:     make(map[uuid.UUID]*models.BatchJob),
		results:  make(map[resultKey]*models.AnalysisResult),
		insights: make(map[insightKey]*models.ClusterInsight),
	}
}

func (s *Store) Ping(context.Context) error { return nil }

// --- API keys ---

func (s *Store) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			c := *k
			c.Scopes = append([]string(nil), k.Scopes...)
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *Store) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k, ok := s.keys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
		k.UpdatedAt = now
	}
	return nil
}

func (s *Store) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[key.ID]; ok {
		return store.ErrDuplicateKey
	}
	for _, k := range s.keys {
		if k.Name == key.Name && k.DeletedAt == nil {
			return store.ErrDuplicateKey
		}
	}
	c := *key
	c.Scopes = append([]string(nil), key.Scopes...)
	s.keys[key.ID] = &c
	return nil
}

// --- Tasks and emails ---

func (s *Store) CreateTask(_ context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.ID]; ok {
		return store.ErrDuplicateKey
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	c := *task
	s.tasks[task.ID] = &c
	return nil
}

func (s *Store) GetTask(_ context.Context, id uuid.UUID) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *t
	return &c, nil
}

func (s *Store) AddEmails(_ context.Context, taskID uuid.UUID, emails []*models.Email) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[taskID]; !ok {
		return store.ErrNotFound
	}
	for _, e := range emails {
		s.nextID++
		e.ID = s.nextID
		e.TaskID = taskID
		c := *e
		s.emails[e.ID] = &c
	}
	return nil
}

func (s *Store) GetEmail(_ context.Context, taskID uuid.UUID, id int64) (*models.Email, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.emails[id]
	if !ok || e.TaskID != taskID {
		return nil, store.ErrNotFound
	}
	c := *e
	return &c, nil
}

// taskEmailsLocked returns copies of the task's emails in id order.
func (s *Store) taskEmailsLocked(taskID uuid.UUID) []*models.Email {
	out := []*models.Email{}
	for _, e := range s.emails {
		if e.TaskID == taskID {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// --- Item source ---

func (s *Store) ListEmailsForBatch(_ context.Context, taskID uuid.UUID, keywords []string) ([]*models.Email, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept, excluded := analysis.FilterByKeywords(s.taskEmailsLocked(taskID), keywords)
	return kept, excluded, nil
}

func (s *Store) ListClusters(_ context.Context, taskID uuid.UUID, kind models.ClusterKind) ([]models.ClusterRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	emails := s.taskEmailsLocked(taskID)
	switch kind {
	case models.ClusterKindPeople:
		return analysis.GroupByParticipants(emails), nil
	case models.ClusterKindSubjects:
		return analysis.GroupBySubject(emails), nil
	}
	return nil, fmt.Errorf("unknown cluster kind %q", kind)
}

func (s *Store) ListClusterMembers(_ context.Context, taskID uuid.UUID, ref models.ClusterRef, limit int) ([]*models.Email, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := []*models.Email{}
	for _, e := range s.taskEmailsLocked(taskID) {
		if analysis.BelongsTo(e, ref) {
			members = append(members, e)
		}
	}
	sort.SliceStable(members, func(i, j int) bool {
		a, b := members[i].SentAt, members[j].SentAt
		switch {
		case a == nil && b == nil:
			return false
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.Before(*b)
	})
	if limit > 0 && len(members) > limit {
		members = members[:limit]
	}
	return members, nil
}

// --- Batch jobs ---

func copyJob(j *models.BatchJob) *models.BatchJob {
	c := *j
	c.FilterKeywords = append([]string(nil), j.FilterKeywords...)
	return &c
}

func (s *Store) CreateBatchJob(_ context.Context, job *models.BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[job.TaskID]; !ok {
		return store.ErrNotFound
	}
	if _, ok := s.jobs[job.ID]; ok {
		return store.ErrDuplicateKey
	}
	if job.Status.Active() {
		for _, other := range s.jobs {
			if other.TaskID == job.TaskID && other.Status.Active() {
				return store.ErrActiveJobExists
			}
		}
	}

	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.FilterKeywords == nil {
		job.FilterKeywords = []string{}
	}
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *Store) GetBatchJob(_ context.Context, id uuid.UUID) (*models.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyJob(j), nil
}

func (s *Store) ListBatchJobsByTask(_ context.Context, taskID uuid.UUID) ([]*models.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := []*models.BatchJob{}
	for _, j := range s.jobs {
		if j.TaskID == taskID {
			jobs = append(jobs, copyJob(j))
		}
	}
	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
		}
		return jobs[i].ID.String() < jobs[k].ID.String()
	})
	return jobs, nil
}

func (s *Store) ListBatchJobsByStatus(_ context.Context, statuses ...models.JobStatus) ([]*models.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[models.JobStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	jobs := []*models.BatchJob{}
	for _, j := range s.jobs {
		if want[j.Status] {
			jobs = append(jobs, copyJob(j))
		}
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.Before(jobs[k].CreatedAt) })
	return jobs, nil
}

func (s *Store) UpdateBatchJobStatus(_ context.Context, id uuid.UUID, status models.JobStatus, opts ...store.JobUpdateOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if !store.CanTransition(j.Status, status) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, j.Status, status)
	}
	store.ApplyJobUpdate(j, status, opts...)
	return nil
}

func (s *Store) UpdateBatchJobTotal(_ context.Context, id uuid.UUID, total, skipped int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.TotalCount = total
	j.SkippedCount = skipped
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) UpdateBatchJobProgress(_ context.Context, id uuid.UUID, p models.JobProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.ProcessedCount = p.Processed
	j.SuccessCount = p.Success
	j.FailedCount = p.Failed
	j.SkippedCount = p.Skipped
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Results ---

func (s *Store) HasEmailAnalysis(_ context.Context, emailID int64, analysisType string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, r := range s.results {
		if k.emailID == emailID && k.analysisType == analysisType && !r.Fallback {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) SaveAnalysisResult(_ context.Context, result *models.AnalysisResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.emails[result.EmailID]; !ok {
		return store.ErrNotFound
	}
	if result.ID == uuid.Nil {
		result.ID = uuid.New()
	}
	if result.AnalyzedAt.IsZero() {
		result.AnalyzedAt = time.Now().UTC()
	}

	k := resultKey{result.EmailID, result.AnalysisType, result.ModelProvider}
	c := *result
	if prev, ok := s.results[k]; ok {
		if c.Fallback && !prev.Fallback {
			return nil
		}
		c.ID = prev.ID
	}
	s.results[k] = &c
	return nil
}

func (s *Store) SaveClusterInsight(_ context.Context, insight *models.ClusterInsight) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[insight.TaskID]; !ok {
		return store.ErrNotFound
	}
	if insight.ID == uuid.Nil {
		insight.ID = uuid.New()
	}
	if insight.UpdatedAt.IsZero() {
		insight.UpdatedAt = time.Now().UTC()
	}

	k := insightKey{insight.TaskID, insight.ClusterType, insight.ClusterKey}
	c := *insight
	if prev, ok := s.insights[k]; ok {
		c.ID = prev.ID
	}
	s.insights[k] = &c
	return nil
}

func (s *Store) ListAnalysisResults(_ context.Context, taskID uuid.UUID) ([]*models.AnalysisResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []*models.AnalysisResult{}
	for _, r := range s.results {
		if r.TaskID == taskID {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EmailID != out[j].EmailID {
			return out[i].EmailID < out[j].EmailID
		}
		return out[i].ModelProvider < out[j].ModelProvider
	})
	return out, nil
}

func (s *Store) ListClusterInsights(_ context.Context, taskID uuid.UUID, kind models.ClusterKind) ([]*models.ClusterInsight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []*models.ClusterInsight{}
	for k, in := range s.insights {
		if k.taskID == taskID && k.kind == kind {
			c := *in
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClusterKey < out[j].ClusterKey })
	return out, nil
}

var _ store.Store = (*Store)(nil)
