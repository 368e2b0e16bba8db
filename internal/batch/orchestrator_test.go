package batch_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mailscope/internal/ai"
	"github.com/kiranshivaraju/mailscope/internal/ai/mock"
	"github.com/kiranshivaraju/mailscope/internal/ai/registry"
	"github.com/kiranshivaraju/mailscope/internal/batch"
	"github.com/kiranshivaraju/mailscope/internal/pii"
	"github.com/kiranshivaraju/mailscope/internal/store"
	"github.com/kiranshivaraju/mailscope/internal/store/memstore"
	"github.com/kiranshivaraju/mailscope/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartJob_CompletesAndPersistsResults(t *testing.T) {
	provider := mock.NewEchoProvider()
	f := newFixture(t, provider, makeEmails(3)...)
	ctx := context.Background()

	job, err := f.orch.StartJob(ctx, batch.StartRequest{TaskID: f.taskID})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	waitDone(t, f.orch, job.ID)

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 3, got.TotalCount)
	assert.Equal(t, 3, got.ProcessedCount)
	assert.Equal(t, 3, got.SuccessCount)
	assert.Equal(t, 0, got.FailedCount)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, 3, provider.Calls())

	results, err := f.store.ListAnalysisResults(ctx, f.taskID)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, models.ResultCategoryBatchSummary, r.AnalysisType)
		assert.Equal(t, "mock-echo", r.ModelProvider)
		assert.NotContains(t, r.Result.Summary, "<PHONE_", "stored result must not carry tokens")
		assert.Contains(t, r.Result.Summary, "138****5678")
		assert.NotContains(t, r.Result.Summary, "13812345678")
	}
	assert.Equal(t, 0, f.orch.ActiveJobs())
}

func TestStartJob_ProviderNeverSeesRawPII(t *testing.T) {
	var leaked atomic.Bool
	provider := &mock.MockProvider{
		Name_: "mock",
		AnalyzeItemFunc: func(_ context.Context, masked, _ string) (models.ItemAnalysis, error) {
			if strings.Contains(masked, "13812345678") {
				leaked.Store(true)
			}
			return models.ItemAnalysis{Summary: "ok", RiskLevel: models.RiskLow}, nil
		},
	}
	f := newFixture(t, provider, makeEmails(4)...)

	job, err := f.orch.StartJob(context.Background(), batch.StartRequest{TaskID: f.taskID})
	require.NoError(t, err)
	waitDone(t, f.orch, job.ID)

	assert.False(t, leaked.Load())
	assert.Equal(t, 4, provider.Calls())
}

func TestStartJob_AppliesDefaults(t *testing.T) {
	f := newFixture(t, mock.NewMockProvider(), makeEmails(1)...)

	job, err := f.orch.StartJob(context.Background(), batch.StartRequest{TaskID: f.taskID})
	require.NoError(t, err)
	waitDone(t, f.orch, job.ID)

	assert.Equal(t, models.AnalysisTypeEmail, job.AnalysisType)
	assert.Equal(t, ai.DefaultPromptTemplate, job.Prompt)
	assert.Equal(t, ai.DefaultFilterKeywords, job.FilterKeywords)
	assert.Equal(t, "mock", job.ModelProvider)
	assert.Equal(t, 5, job.Concurrency)
	assert.Equal(t, 3, job.MaxRetries)
}

func TestStartJob_KeywordFilterCountsSkipped(t *testing.T) {
	emails := makeEmails(10)
	emails[2].Subject = "Out of Office: back Monday"
	emails[7].Subject = "Delivery Status Notification (Failure)"
	provider := mock.NewMockProvider()
	f := newFixture(t, provider, emails...)

	job, err := f.orch.StartJob(context.Background(), batch.StartRequest{TaskID: f.taskID})
	require.NoError(t, err)
	waitDone(t, f.orch, job.ID)

	got := f.job(t, job.ID)
	assert.Equal(t, 10, got.TotalCount)
	assert.Equal(t, 2, got.SkippedCount)
	assert.Equal(t, 8, got.ProcessedCount)
	assert.Equal(t, 8, provider.Calls())
	assert.Equal(t, got.ProcessedCount, got.SuccessCount+got.FailedCount)
	assert.Equal(t, got.TotalCount, got.ProcessedCount+got.SkippedCount)
	assert.Equal(t, 100.0, got.ProgressPercent())
}

func TestStartJob_EmptyKeywordListDisablesFilter(t *testing.T) {
	emails := makeEmails(3)
	emails[0].Subject = "Out of Office"
	f := newFixture(t, mock.NewMockProvider(), emails...)

	job, err := f.orch.StartJob(context.Background(), batch.StartRequest{TaskID: f.taskID, FilterKeywords: []string{}})
	require.NoError(t, err)
	waitDone(t, f.orch, job.ID)

	got := f.job(t, job.ID)
	assert.Equal(t, 0, got.SkippedCount)
	assert.Equal(t, 3, got.ProcessedCount)
}

func TestStartJob_RespectsConcurrencyBound(t *testing.T) {
	var inFlight, peak atomic.Int32
	provider := &mock.MockProvider{
		Name_: "mock",
		AnalyzeItemFunc: func(_ context.Context, _, _ string) (models.ItemAnalysis, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			return models.ItemAnalysis{Summary: "ok", RiskLevel: models.RiskLow}, nil
		},
	}
	f := newFixture(t, provider, makeEmails(6)...)

	job, err := f.orch.StartJob(context.Background(), batch.StartRequest{TaskID: f.taskID, Concurrency: 2})
	require.NoError(t, err)
	waitDone(t, f.orch, job.ID)

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 6, provider.Calls())
	assert.Equal(t, 6, f.job(t, job.ID).SuccessCount)
}

func TestStartJob_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	provider := &mock.MockProvider{
		Name_: "mock",
		AnalyzeItemFunc: func(_ context.Context, _, _ string) (models.ItemAnalysis, error) {
			if calls.Add(1) <= 2 {
				return models.ItemAnalysis{}, ai.ErrInferenceTimeout
			}
			return models.ItemAnalysis{Summary: "ok", RiskLevel: models.RiskLow}, nil
		},
	}
	f := newFixture(t, provider, makeEmails(1)...)

	job, err := f.orch.StartJob(context.Background(), batch.StartRequest{TaskID: f.taskID, MaxRetries: 3})
	require.NoError(t, err)
	waitDone(t, f.orch, job.ID)

	got := f.job(t, job.ID)
	assert.Equal(t, 1, got.SuccessCount)
	assert.Equal(t, 0, got.FailedCount)
	assert.Equal(t, 3, provider.Calls())
}

func TestStartJob_ExhaustedItemFailsWithoutAbortingJob(t *testing.T) {
	provider := &mock.MockProvider{
		Name_: "mock",
		AnalyzeItemFunc: func(_ context.Context, masked, _ string) (models.ItemAnalysis, error) {
			if strings.Contains(masked, "Body 1,") {
				return models.ItemAnalysis{}, ai.ErrProviderUnavailable
			}
			return models.ItemAnalysis{Summary: "ok", RiskLevel: models.RiskLow}, nil
		},
	}
	f := newFixture(t, provider, makeEmails(3)...)

	job, err := f.orch.StartJob(context.Background(), batch.StartRequest{TaskID: f.taskID, MaxRetries: 4})
	require.NoError(t, err)
	waitDone(t, f.orch, job.ID)

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 2, got.SuccessCount)
	assert.Equal(t, 1, got.FailedCount)
	assert.Equal(t, 2+4, provider.Calls(), "failing item is attempted exactly max_retries times")

	results, err := f.store.ListAnalysisResults(context.Background(), f.taskID)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestStartJob_InvalidResponseStoresFallback(t *testing.T) {
	provider := mock.NewFailingProvider(ai.ErrInvalidResponse)
	f := newFixture(t, provider, makeEmails(1)...)
	ctx := context.Background()

	job, err := f.orch.StartJob(ctx, batch.StartRequest{TaskID: f.taskID, MaxRetries: 2})
	require.NoError(t, err)
	waitDone(t, f.orch, job.ID)

	got := f.job(t, job.ID)
	assert.Equal(t, 1, got.FailedCount)
	assert.Equal(t, 0, got.SuccessCount)
	assert.Equal(t, 2, provider.Calls())

	results, err := f.store.ListAnalysisResults(ctx, f.taskID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Fallback)
	assert.Equal(t, "analysis failed", results[0].Result.Summary)
	assert.Contains(t, results[0].Result.KeyFindings, "Error:")
}

func TestResumeJob_RetriesEmailsWithFallbackResult(t *testing.T) {
	var healthy atomic.Bool
	provider := &mock.MockProvider{
		Name_: "mock",
		AnalyzeItemFunc: func(_ context.Context, _, _ string) (models.ItemAnalysis, error) {
			if !healthy.Load() {
				return models.ItemAnalysis{}, ai.ErrInvalidResponse
			}
			return models.ItemAnalysis{Summary: "recovered", RiskLevel: models.RiskLow}, nil
		},
	}
	f := newFixture(t, provider, makeEmails(1)...)
	ctx := context.Background()

	first, err := f.orch.StartJob(ctx, batch.StartRequest{TaskID: f.taskID, MaxRetries: 1})
	require.NoError(t, err)
	waitDone(t, f.orch, first.ID)
	require.Equal(t, 1, f.job(t, first.ID).FailedCount)
	require.Equal(t, 1, provider.Calls())

	healthy.Store(true)
	resumed, err := f.orch.ResumeJob(ctx, first.ID)
	require.NoError(t, err)
	waitDone(t, f.orch, resumed.ID)

	got := f.job(t, resumed.ID)
	assert.Equal(t, 2, provider.Calls(), "email with only a fallback result is analyzed again")
	assert.Equal(t, 1, got.SuccessCount)
	assert.Equal(t, 0, got.FailedCount)

	results, err := f.store.ListAnalysisResults(ctx, f.taskID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Fallback)
	assert.Equal(t, "recovered", results[0].Result.Summary)

	// a later fallback does not replace the real result
	healthy.Store(false)
	third, err := f.orch.ResumeJob(ctx, resumed.ID)
	require.NoError(t, err)
	waitDone(t, f.orch, third.ID)
	assert.Equal(t, 2, provider.Calls(), "analyzed email is skipped")
	assert.Equal(t, 1, f.job(t, third.ID).SuccessCount)
}

func TestStartJob_PanickingProviderFailsItem(t *testing.T) {
	provider := &mock.MockProvider{
		Name_: "mock",
		AnalyzeItemFunc: func(_ context.Context, _, _ string) (models.ItemAnalysis, error) {
			panic("boom")
		},
	}
	f := newFixture(t, provider, makeEmails(2)...)

	job, err := f.orch.StartJob(context.Background(), batch.StartRequest{TaskID: f.taskID, MaxRetries: 1})
	require.NoError(t, err)
	waitDone(t, f.orch, job.ID)

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 2, got.FailedCount)
}

func TestStartJob_Validation(t *testing.T) {
	f := newFixture(t, mock.NewMockProvider(), makeEmails(1)...)
	ctx := context.Background()

	tests := []struct {
		name string
		req  batch.StartRequest
		want error
	}{
		{"missing task", batch.StartRequest{}, batch.ErrValidation},
		{"concurrency too high", batch.StartRequest{TaskID: f.taskID, Concurrency: 21}, batch.ErrValidation},
		{"negative concurrency", batch.StartRequest{TaskID: f.taskID, Concurrency: -1}, batch.ErrValidation},
		{"retries too high", batch.StartRequest{TaskID: f.taskID, MaxRetries: 11}, batch.ErrValidation},
		{"bad analysis type", batch.StartRequest{TaskID: f.taskID, AnalysisType: "thread"}, batch.ErrValidation},
		{"unknown provider", batch.StartRequest{TaskID: f.taskID, ModelProvider: "nope"}, batch.ErrValidation},
		{"unknown task", batch.StartRequest{TaskID: uuid.New()}, batch.ErrTaskNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.StartJob(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	jobs, err := f.orch.ListJobs(ctx, f.taskID)
	require.NoError(t, err)
	assert.Empty(t, jobs, "rejected requests must not create records")
}

func TestStartJob_ConcurrencyConflict(t *testing.T) {
	gate, provider := newGateProvider()
	t.Cleanup(gate.open)
	f := newFixture(t, provider, makeEmails(2)...)
	ctx := context.Background()

	job, err := f.orch.StartJob(ctx, batch.StartRequest{TaskID: f.taskID, Concurrency: 1})
	require.NoError(t, err)
	<-gate.started

	_, err = f.orch.StartJob(ctx, batch.StartRequest{TaskID: f.taskID})
	assert.ErrorIs(t, err, batch.ErrConcurrencyConflict)

	jobs, err := f.orch.ListJobs(ctx, f.taskID)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	gate.open()
	waitDone(t, f.orch, job.ID)
	assert.Equal(t, models.JobStatusCompleted, f.job(t, job.ID).Status)
}

func TestCancelJob_StopsDispatch(t *testing.T) {
	gate, provider := newGateProvider()
	t.Cleanup(gate.open)
	f := newFixture(t, provider, makeEmails(5)...)
	ctx := context.Background()

	job, err := f.orch.StartJob(ctx, batch.StartRequest{TaskID: f.taskID, Concurrency: 1})
	require.NoError(t, err)
	<-gate.started

	cancelled, err := f.orch.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)

	gate.open()
	waitDone(t, f.orch, job.ID)

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
	assert.Equal(t, 1, provider.Calls(), "no item dispatched after cancellation")
	assert.Equal(t, 1, got.ProcessedCount, "in-flight item is still counted")
	assert.NotNil(t, got.CompletedAt)
}

func TestCancelJob_Errors(t *testing.T) {
	f := newFixture(t, mock.NewMockProvider(), makeEmails(1)...)
	ctx := context.Background()

	_, err := f.orch.CancelJob(ctx, uuid.New())
	assert.ErrorIs(t, err, batch.ErrJobNotFound)

	job, err := f.orch.StartJob(ctx, batch.StartRequest{TaskID: f.taskID})
	require.NoError(t, err)
	waitDone(t, f.orch, job.ID)

	_, err = f.orch.CancelJob(ctx, job.ID)
	assert.ErrorIs(t, err, batch.ErrJobNotCancellable)
}

func TestResumeJob_CopiesConfigurationAndSkipsAnalyzed(t *testing.T) {
	var healthy atomic.Bool
	provider := &mock.MockProvider{
		Name_: "mock",
		AnalyzeItemFunc: func(_ context.Context, masked, _ string) (models.ItemAnalysis, error) {
			if !healthy.Load() && strings.Contains(masked, "Body 1,") {
				return models.ItemAnalysis{}, ai.ErrProviderUnavailable
			}
			return models.ItemAnalysis{Summary: "ok", RiskLevel: models.RiskMedium}, nil
		},
	}
	f := newFixture(t, provider, makeEmails(3)...)
	ctx := context.Background()

	first, err := f.orch.StartJob(ctx, batch.StartRequest{
		TaskID:         f.taskID,
		Prompt:         "Summarize: {content}",
		FilterKeywords: []string{"Invoice"},
		Concurrency:    2,
		MaxRetries:     1,
	})
	require.NoError(t, err)
	waitDone(t, f.orch, first.ID)
	require.Equal(t, 1, f.job(t, first.ID).FailedCount)

	healthy.Store(true)
	second, err := f.orch.ResumeJob(ctx, first.ID)
	require.NoError(t, err)
	waitDone(t, f.orch, second.ID)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.Prompt, second.Prompt)
	assert.Equal(t, first.FilterKeywords, second.FilterKeywords)
	assert.Equal(t, first.ModelProvider, second.ModelProvider)
	assert.Equal(t, first.Concurrency, second.Concurrency)
	assert.Equal(t, first.MaxRetries, second.MaxRetries)
	assert.Equal(t, first.AnalysisType, second.AnalysisType)

	got := f.job(t, second.ID)
	assert.Equal(t, 3, got.SuccessCount)
	assert.Equal(t, 3+1, provider.Calls(), "only the unfinished email is sent again")

	orig := f.job(t, first.ID)
	assert.Equal(t, models.JobStatusCompleted, orig.Status, "original job is not modified")
	assert.Equal(t, 1, orig.FailedCount)

	_, err = f.orch.ResumeJob(ctx, uuid.New())
	assert.ErrorIs(t, err, batch.ErrJobNotFound)
}

func TestClusterJob_PeopleClusters(t *testing.T) {
	provider := mock.NewEchoProvider()
	f := newFixture(t, provider, makeEmails(6)...)
	ctx := context.Background()

	job, err := f.orch.StartJob(ctx, batch.StartRequest{TaskID: f.taskID, AnalysisType: models.AnalysisTypePeopleCluster})
	require.NoError(t, err)
	waitDone(t, f.orch, job.ID)

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 3, got.TotalCount)
	assert.Equal(t, 0, got.SkippedCount)
	assert.Equal(t, 3, got.SuccessCount)

	insights, err := f.store.ListClusterInsights(ctx, f.taskID, models.ClusterKindPeople)
	require.NoError(t, err)
	require.Len(t, insights, 3)
	for _, in := range insights {
		assert.Equal(t, "mock-echo", in.Model)
		assert.Contains(t, in.ClusterKey, " ↔ ")
		assert.Contains(t, in.Insight.Summary, "[Email 1]")
		assert.NotContains(t, in.Insight.Summary, "<EMAIL_")
		assert.Contains(t, in.Insight.Summary, "b***s@corp.example")
	}

	// clusters have no already-analyzed check, so a resume reprocesses them
	resumed, err := f.orch.ResumeJob(ctx, job.ID)
	require.NoError(t, err)
	waitDone(t, f.orch, resumed.ID)
	assert.Equal(t, 6, provider.Calls())
}

type noMembersStore struct {
	*memstore.Store
}

func (noMembersStore) ListClusterMembers(context.Context, uuid.UUID, models.ClusterRef, int) ([]*models.Email, error) {
	return nil, nil
}

func TestClusterJob_EmptyClusterFails(t *testing.T) {
	provider := mock.NewMockProvider()
	f := newFixtureWithStore(t, noMembersStore{memstore.New()}, provider, makeEmails(2)...)

	job, err := f.orch.StartJob(context.Background(), batch.StartRequest{TaskID: f.taskID, AnalysisType: models.AnalysisTypeSubjectCluster})
	require.NoError(t, err)
	waitDone(t, f.orch, job.ID)

	got := f.job(t, job.ID)
	assert.Equal(t, 2, got.FailedCount)
	assert.Equal(t, 0, provider.Calls())
}

type brokenSourceStore struct {
	*memstore.Store
}

func (brokenSourceStore) ListEmailsForBatch(context.Context, uuid.UUID, []string) ([]*models.Email, int, error) {
	return nil, 0, errors.New("connection reset")
}

func TestStartJob_RunLoopErrorFailsJob(t *testing.T) {
	f := newFixtureWithStore(t, brokenSourceStore{memstore.New()}, mock.NewMockProvider(), makeEmails(1)...)

	job, err := f.orch.StartJob(context.Background(), batch.StartRequest{TaskID: f.taskID})
	require.NoError(t, err)
	waitDone(t, f.orch, job.ID)

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "connection reset")
}

func TestGetJobStatus(t *testing.T) {
	gate, provider := newGateProvider()
	t.Cleanup(gate.open)
	st := memstore.New()
	mirror := newMemMirror()
	f := newFixtureWithStore(t, st, provider, makeEmails(2)...)
	reg := registry.New("mock")
	reg.Register(provider)
	orch := batch.NewOrchestrator(st, reg, pii.NewRegistry(), testBatchConfig(), batch.WithStatusMirror(mirror, time.Minute))
	ctx := context.Background()

	_, err := orch.GetJobStatus(ctx, uuid.New())
	assert.ErrorIs(t, err, batch.ErrJobNotFound)

	job, err := orch.StartJob(ctx, batch.StartRequest{TaskID: f.taskID, Concurrency: 1})
	require.NoError(t, err)
	<-gate.started

	status, err := orch.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, status.Active)
	assert.Equal(t, models.JobStatusRunning, status.Job.Status)
	assert.Equal(t, 2, status.Job.TotalCount)
	require.NotNil(t, status.Job.StartedAt, "running job reports its start time")
	assert.False(t, status.Job.UpdatedAt.Before(*status.Job.StartedAt))

	gate.open()
	waitDone(t, orch, job.ID)

	status, err = orch.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, status.Active)
	assert.Equal(t, models.JobStatusCompleted, status.Job.Status)
	assert.Equal(t, 100.0, status.Progress)

	mirrored, found, err := mirror.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.JobStatusCompleted, mirrored.Status)
	assert.Equal(t, 2, mirrored.SuccessCount)
}

// heldMirror blocks the first RUNNING snapshot that reports progress until
// released.
type heldMirror struct {
	*memMirror
	held    chan struct{}
	release chan struct{}
	once    sync.Once
}

func (m *heldMirror) SetJob(ctx context.Context, job *models.BatchJob, ttl time.Duration) error {
	if job.Status == models.JobStatusRunning && job.ProcessedCount == 1 {
		blocked := false
		m.once.Do(func() { blocked = true })
		if blocked {
			close(m.held)
			<-m.release
		}
	}
	return m.memMirror.SetJob(ctx, job, ttl)
}

func TestCancelJob_MirrorKeepsCancelledWhileItemsDrain(t *testing.T) {
	drain := make(chan struct{})
	t.Cleanup(func() { close(drain) })
	provider := &mock.MockProvider{
		Name_: "mock",
		AnalyzeItemFunc: func(_ context.Context, masked, _ string) (models.ItemAnalysis, error) {
			if strings.Contains(masked, "Body 1,") {
				<-drain
			}
			return models.ItemAnalysis{Summary: "ok", RiskLevel: models.RiskLow}, nil
		},
	}
	st := memstore.New()
	f := newFixtureWithStore(t, st, provider, makeEmails(2)...)
	mirror := &heldMirror{memMirror: newMemMirror(), held: make(chan struct{}), release: make(chan struct{})}
	reg := registry.New("mock")
	reg.Register(provider)
	orch := batch.NewOrchestrator(st, reg, pii.NewRegistry(), testBatchConfig(), batch.WithStatusMirror(mirror, time.Minute))
	ctx := context.Background()

	job, err := orch.StartJob(ctx, batch.StartRequest{TaskID: f.taskID, Concurrency: 2, MaxRetries: 1})
	require.NoError(t, err)

	// the collector is now writing a RUNNING snapshot for the first item
	<-mirror.held

	cancelled := make(chan error, 1)
	go func() {
		_, err := orch.CancelJob(ctx, job.ID)
		cancelled <- err
	}()
	require.Eventually(t, func() bool {
		return f.job(t, job.ID).Status == models.JobStatusCancelled
	}, 5*time.Second, 5*time.Millisecond)

	close(mirror.release)
	require.NoError(t, <-cancelled)

	mirrored, found, err := mirror.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.JobStatusCancelled, mirrored.Status)

	status, err := orch.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, status.Active, "second item is still in flight")
	assert.Equal(t, models.JobStatusCancelled, status.Job.Status)

	drain <- struct{}{}
	waitDone(t, orch, job.ID)

	mirrored, _, err = mirror.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, mirrored.Status)
	assert.Equal(t, 2, mirrored.ProcessedCount)
}

func TestReconcileZombies_ExactlyOnce(t *testing.T) {
	f := newFixture(t, mock.NewMockProvider(), makeEmails(1)...)
	ctx := context.Background()

	zombie := &models.BatchJob{
		ID: uuid.New(), TaskID: f.taskID, Status: models.JobStatusPending,
		AnalysisType: models.AnalysisTypeEmail, ModelProvider: "mock", Concurrency: 1, MaxRetries: 1,
	}
	require.NoError(t, f.store.CreateBatchJob(ctx, zombie))
	require.NoError(t, f.store.UpdateBatchJobStatus(ctx, zombie.ID, models.JobStatusRunning))

	n, err := f.orch.ReconcileZombies(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.orch.ReconcileZombies(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got := f.job(t, zombie.ID)
	assert.Equal(t, models.JobStatusInterrupted, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, batch.InterruptedMessage, *got.ErrorMessage)

	// the task is free again
	job, err := f.orch.StartJob(ctx, batch.StartRequest{TaskID: f.taskID})
	require.NoError(t, err)
	waitDone(t, f.orch, job.ID)
}

func TestReconcileZombies_SkipsJobsWithHandle(t *testing.T) {
	gate, provider := newGateProvider()
	t.Cleanup(gate.open)
	f := newFixture(t, provider, makeEmails(1)...)
	ctx := context.Background()

	job, err := f.orch.StartJob(ctx, batch.StartRequest{TaskID: f.taskID})
	require.NoError(t, err)
	<-gate.started

	n, err := f.orch.ReconcileZombies(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	gate.open()
	waitDone(t, f.orch, job.ID)
	assert.Equal(t, models.JobStatusCompleted, f.job(t, job.ID).Status)
}

func TestListJobs_NewestFirst(t *testing.T) {
	f := newFixture(t, mock.NewMockProvider(), makeEmails(1)...)
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		job, err := f.orch.StartJob(ctx, batch.StartRequest{TaskID: f.taskID})
		require.NoError(t, err)
		waitDone(t, f.orch, job.ID)
		ids = append(ids, job.ID)
		time.Sleep(2 * time.Millisecond)
	}

	jobs, err := f.orch.ListJobs(ctx, f.taskID)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, ids[2], jobs[0].ID)
	assert.Equal(t, ids[0], jobs[2].ID)
}

func TestDone_UnknownJobIsClosed(t *testing.T) {
	f := newFixture(t, mock.NewMockProvider())
	select {
	case <-f.orch.Done(uuid.New()):
	default:
		t.Fatal("expected closed channel")
	}
}

var _ store.Store = noMembersStore{}
