package batch_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mailscope/internal/ai/mock"
	"github.com/kiranshivaraju/mailscope/internal/ai/registry"
	"github.com/kiranshivaraju/mailscope/internal/batch"
	"github.com/kiranshivaraju/mailscope/internal/config"
	"github.com/kiranshivaraju/mailscope/internal/pii"
	"github.com/kiranshivaraju/mailscope/internal/store"
	"github.com/kiranshivaraju/mailscope/internal/store/memstore"
	"github.com/kiranshivaraju/mailscope/pkg/models"
	"github.com/stretchr/testify/require"
)

func testBatchConfig() config.BatchConfig {
	return config.BatchConfig{
		DefaultConcurrency: 5,
		DefaultMaxRetries:  3,
		EmailTimeout:       time.Second,
		ClusterTimeout:     time.Second,
		TimeoutRetryDelay:  time.Millisecond,
		BackoffBase:        time.Millisecond,
		MaxContextChars:    15000,
		ClusterMemberLimit: 20,
	}
}

type fixture struct {
	store    store.Store
	provider *mock.MockProvider
	orch     *batch.Orchestrator
	taskID   uuid.UUID
	emails   []*models.Email
}

func newFixture(t *testing.T, provider *mock.MockProvider, emails ...*models.Email) *fixture {
	t.Helper()
	return newFixtureWithStore(t, memstore.New(), provider, emails...)
}

func newFixtureWithStore(t *testing.T, st store.Store, provider *mock.MockProvider, emails ...*models.Email) *fixture {
	t.Helper()
	ctx := context.Background()

	taskID := uuid.New()
	require.NoError(t, st.CreateTask(ctx, &models.Task{ID: taskID, Name: "mailbox"}))
	if len(emails) > 0 {
		require.NoError(t, st.AddEmails(ctx, taskID, emails))
	}

	reg := registry.New(provider.Name())
	reg.Register(provider)

	return &fixture{
		store:    st,
		provider: provider,
		orch:     batch.NewOrchestrator(st, reg, pii.NewRegistry(), testBatchConfig()),
		taskID:   taskID,
		emails:   emails,
	}
}

func makeEmails(n int) []*models.Email {
	out := make([]*models.Email, n)
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := range out {
		sent := base.Add(time.Duration(i) * time.Hour)
		out[i] = &models.Email{
			Sender:   fmt.Sprintf("user%d@corp.example", i%3),
			Receiver: "boss@corp.example",
			Subject:  fmt.Sprintf("Weekly report %d", i),
			Content:  fmt.Sprintf("Body %d, call 13812345678 for details.", i),
			SentAt:   &sent,
		}
	}
	return out
}

func waitDone(t *testing.T, o *batch.Orchestrator, id uuid.UUID) {
	t.Helper()
	select {
	case <-o.Done(id):
	case <-time.After(5 * time.Second):
		t.Fatalf("job %s did not finish", id)
	}
}

func (f *fixture) job(t *testing.T, id uuid.UUID) *models.BatchJob {
	t.Helper()
	j, err := f.store.GetBatchJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

// gateProvider blocks every call until released and reports each start.
type gateProvider struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGateProvider() (*gateProvider, *mock.MockProvider) {
	g := &gateProvider{started: make(chan struct{}, 100), release: make(chan struct{})}
	p := &mock.MockProvider{
		Name_: "mock",
		AnalyzeItemFunc: func(_ context.Context, _, _ string) (models.ItemAnalysis, error) {
			g.started <- struct{}{}
			<-g.release
			return models.ItemAnalysis{Summary: "ok", RiskLevel: models.RiskLow}, nil
		},
	}
	return g, p
}

func (g *gateProvider) open() { g.once.Do(func() { close(g.release) }) }

// memMirror is an in-memory batch.StatusMirror.
type memMirror struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]models.BatchJob
}

func newMemMirror() *memMirror { return &memMirror{jobs: make(map[uuid.UUID]models.BatchJob)} }

func (m *memMirror) SetJob(_ context.Context, job *models.BatchJob, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = *job
	return nil
}

func (m *memMirror) GetJob(_ context.Context, id uuid.UUID) (*models.BatchJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, false, nil
	}
	return &j, true, nil
}
