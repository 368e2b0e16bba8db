package store

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/mailscope/internal/analysis"
	"github.com/kiranshivaraju/mailscope/pkg/models"
)

const activeJobIndex = "uq_batch_jobs_active_task"

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = nowUTC()
		key.UpdatedAt = key.CreatedAt
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// --- Tasks and emails ---

func (s *PostgresStore) CreateTask(ctx context.Context, task *models.Task) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = nowUTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (id, name, created_at) VALUES ($1, $2, $3)`,
		task.ID, task.Name, task.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	var t models.Task
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM tasks WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) AddEmails(ctx context.Context, taskID uuid.UUID, emails []*models.Email) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin add emails: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, e := range emails {
		err := tx.QueryRow(ctx,
			`INSERT INTO emails (task_id, sender, receiver, subject, content, sent_at)
			 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
			taskID, e.Sender, e.Receiver, e.Subject, e.Content, e.SentAt,
		).Scan(&e.ID)
		if err != nil {
			if isForeignKeyError(err) {
				return ErrNotFound
			}
			return fmt.Errorf("insert email: %w", err)
		}
		e.TaskID = taskID
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit add emails: %w", err)
	}
	return nil
}

const emailColumns = `id, task_id, sender, receiver, subject, content, sent_at`

func scanEmail(row scanner) (*models.Email, error) {
	var e models.Email
	if err := row.Scan(&e.ID, &e.TaskID, &e.Sender, &e.Receiver, &e.Subject, &e.Content, &e.SentAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) queryEmails(ctx context.Context, query string, args ...any) ([]*models.Email, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	emails := []*models.Email{}
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("scan email: %w", err)
		}
		emails = append(emails, e)
	}
	return emails, rows.Err()
}

func (s *PostgresStore) GetEmail(ctx context.Context, taskID uuid.UUID, id int64) (*models.Email, error) {
	e, err := scanEmail(s.pool.QueryRow(ctx,
		`SELECT `+emailColumns+` FROM emails WHERE id = $1 AND task_id = $2`, id, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get email: %w", err)
	}
	return e, nil
}

// --- Item source ---

func (s *PostgresStore) ListEmailsForBatch(ctx context.Context, taskID uuid.UUID, keywords []string) ([]*models.Email, int, error) {
	emails, err := s.queryEmails(ctx,
		`SELECT `+emailColumns+` FROM emails WHERE task_id = $1 ORDER BY id`, taskID)
	if err != nil {
		return nil, 0, fmt.Errorf("list emails for batch: %w", err)
	}
	kept, excluded := analysis.FilterByKeywords(emails, keywords)
	return kept, excluded, nil
}

func (s *PostgresStore) ListClusters(ctx context.Context, taskID uuid.UUID, kind models.ClusterKind) ([]models.ClusterRef, error) {
	var query string
	switch kind {
	case models.ClusterKindPeople:
		// COLLATE "C" orders by bytes, matching analysis.CanonicalKey.
		query = `SELECT LEAST(sender COLLATE "C", receiver COLLATE "C"),
		                GREATEST(sender COLLATE "C", receiver COLLATE "C"),
		                COUNT(*)
		         FROM emails
		         WHERE task_id = $1 AND sender <> '' AND receiver <> ''
		         GROUP BY 1, 2`
	case models.ClusterKindSubjects:
		query = `SELECT subject, '', COUNT(*)
		         FROM emails
		         WHERE task_id = $1 AND subject <> ''
		         GROUP BY subject`
	default:
		return nil, fmt.Errorf("unknown cluster kind %q", kind)
	}

	rows, err := s.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	defer rows.Close()

	clusters := []models.ClusterRef{}
	for rows.Next() {
		var a, b string
		var count int
		if err := rows.Scan(&a, &b, &count); err != nil {
			return nil, fmt.Errorf("scan cluster: %w", err)
		}
		ref := models.ClusterRef{Kind: kind, MemberCount: count}
		if kind == models.ClusterKindPeople {
			ref.Key = analysis.CanonicalKey(a, b)
			ref.Participants = [2]string{a, b}
		} else {
			ref.Key = a
		}
		clusters = append(clusters, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}

	analysis.SortClusters(clusters)
	return clusters, nil
}

func (s *PostgresStore) ListClusterMembers(ctx context.Context, taskID uuid.UUID, ref models.ClusterRef, limit int) ([]*models.Email, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}

	var (
		emails []*models.Email
		err    error
	)
	switch ref.Kind {
	case models.ClusterKindPeople:
		emails, err = s.queryEmails(ctx,
			`SELECT `+emailColumns+` FROM emails
			 WHERE task_id = $1
			   AND ((sender = $2 AND receiver = $3) OR (sender = $3 AND receiver = $2))
			 ORDER BY sent_at ASC NULLS LAST, id
			 LIMIT $4`,
			taskID, ref.Participants[0], ref.Participants[1], limit)
	case models.ClusterKindSubjects:
		emails, err = s.queryEmails(ctx,
			`SELECT `+emailColumns+` FROM emails
			 WHERE task_id = $1 AND subject = $2
			 ORDER BY sent_at ASC NULLS LAST, id
			 LIMIT $3`,
			taskID, ref.Key, limit)
	default:
		return nil, fmt.Errorf("unknown cluster kind %q", ref.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("list cluster members: %w", err)
	}
	return emails, nil
}

// --- Batch jobs ---

const jobColumns = `id, task_id, status, analysis_type, prompt, filter_keywords, model_provider,
	concurrency, max_retries, total_count, processed_count, success_count, failed_count, skipped_count,
	error_message, started_at, completed_at, created_at, updated_at`

func scanJob(row scanner) (*models.BatchJob, error) {
	var (
		j            models.BatchJob
		status       string
		analysisType string
	)
	err := row.Scan(&j.ID, &j.TaskID, &status, &analysisType, &j.Prompt, &j.FilterKeywords, &j.ModelProvider,
		&j.Concurrency, &j.MaxRetries, &j.TotalCount, &j.ProcessedCount, &j.SuccessCount, &j.FailedCount, &j.SkippedCount,
		&j.ErrorMessage, &j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Status = models.JobStatus(status)
	j.AnalysisType = models.AnalysisType(analysisType)
	return &j, nil
}

func (s *PostgresStore) queryJobs(ctx context.Context, query string, args ...any) ([]*models.BatchJob, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []*models.BatchJob{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) CreateBatchJob(ctx context.Context, job *models.BatchJob) error {
	now := nowUTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.FilterKeywords == nil {
		job.FilterKeywords = []string{}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO batch_analysis_jobs (id, task_id, status, analysis_type, prompt, filter_keywords, model_provider,
		   concurrency, max_retries, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.TaskID, string(job.Status), string(job.AnalysisType), job.Prompt, job.FilterKeywords,
		job.ModelProvider, job.Concurrency, job.MaxRetries, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == activeJobIndex {
				return ErrActiveJobExists
			}
			return ErrDuplicateKey
		}
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("create batch job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBatchJob(ctx context.Context, id uuid.UUID) (*models.BatchJob, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM batch_analysis_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListBatchJobsByTask(ctx context.Context, taskID uuid.UUID) ([]*models.BatchJob, error) {
	jobs, err := s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM batch_analysis_jobs WHERE task_id = $1 ORDER BY created_at DESC, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list batch jobs by task: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStore) ListBatchJobsByStatus(ctx context.Context, statuses ...models.JobStatus) ([]*models.BatchJob, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	jobs, err := s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM batch_analysis_jobs WHERE status = ANY($1) ORDER BY created_at`, names)
	if err != nil {
		return nil, fmt.Errorf("list batch jobs by status: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStore) UpdateBatchJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, opts ...JobUpdateOption) error {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	now := nowUTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_analysis_jobs SET
		   status = $2,
		   updated_at = $3,
		   started_at = CASE WHEN $4::boolean THEN $3 ELSE started_at END,
		   completed_at = CASE WHEN $5::boolean THEN $3 ELSE completed_at END,
		   error_message = COALESCE($6, error_message)
		 WHERE id = $1 AND status = ANY($7)`,
		id, string(status), now,
		status == models.JobStatusRunning, status.Terminal(),
		params.ErrorMessage, sourceStatuses(status))
	if err != nil {
		return fmt.Errorf("update batch job status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM batch_analysis_jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get batch job status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
}

func (s *PostgresStore) UpdateBatchJobTotal(ctx context.Context, id uuid.UUID, total, skipped int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_analysis_jobs SET total_count = $2, skipped_count = $3, updated_at = $4 WHERE id = $1`,
		id, total, skipped, nowUTC())
	if err != nil {
		return fmt.Errorf("update batch job total: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateBatchJobProgress(ctx context.Context, id uuid.UUID, p models.JobProgress) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_analysis_jobs
		 SET processed_count = $2, success_count = $3, failed_count = $4, skipped_count = $5, updated_at = $6
		 WHERE id = $1`,
		id, p.Processed, p.Success, p.Failed, p.Skipped, nowUTC())
	if err != nil {
		return fmt.Errorf("update batch job progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Results ---

func (s *PostgresStore) HasEmailAnalysis(ctx context.Context, emailID int64, analysisType string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM analysis_results
		   WHERE email_id = $1 AND analysis_type = $2 AND NOT fallback)`,
		emailID, analysisType).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has email analysis: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) SaveAnalysisResult(ctx context.Context, result *models.AnalysisResult) error {
	if result.ID == uuid.Nil {
		result.ID = uuid.New()
	}
	if result.AnalyzedAt.IsZero() {
		result.AnalyzedAt = nowUTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO analysis_results (id, task_id, email_id, analysis_type, model_provider, result, fallback, analyzed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (email_id, analysis_type, model_provider) DO UPDATE SET
		   result = EXCLUDED.result,
		   fallback = EXCLUDED.fallback,
		   analyzed_at = EXCLUDED.analyzed_at
		 WHERE analysis_results.fallback OR NOT EXCLUDED.fallback`,
		result.ID, result.TaskID, result.EmailID, result.AnalysisType, result.ModelProvider,
		result.Result, result.Fallback, result.AnalyzedAt)
	if err != nil {
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("save analysis result: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveClusterInsight(ctx context.Context, insight *models.ClusterInsight) error {
	if insight.ID == uuid.Nil {
		insight.ID = uuid.New()
	}
	if insight.UpdatedAt.IsZero() {
		insight.UpdatedAt = nowUTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cluster_insights (id, task_id, cluster_type, cluster_key, ai_insight, model, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (task_id, cluster_type, cluster_key) DO UPDATE SET
		   ai_insight = EXCLUDED.ai_insight,
		   model = EXCLUDED.model,
		   updated_at = EXCLUDED.updated_at`,
		insight.ID, insight.TaskID, string(insight.ClusterType), insight.ClusterKey,
		insight.Insight, insight.Model, insight.UpdatedAt)
	if err != nil {
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("save cluster insight: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAnalysisResults(ctx context.Context, taskID uuid.UUID) ([]*models.AnalysisResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, email_id, analysis_type, model_provider, result, fallback, analyzed_at
		 FROM analysis_results WHERE task_id = $1 ORDER BY email_id, model_provider`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list analysis results: %w", err)
	}
	defer rows.Close()

	results := []*models.AnalysisResult{}
	for rows.Next() {
		var r models.AnalysisResult
		if err := rows.Scan(&r.ID, &r.TaskID, &r.EmailID, &r.AnalysisType, &r.ModelProvider,
			&r.Result, &r.Fallback, &r.AnalyzedAt); err != nil {
			return nil, fmt.Errorf("scan analysis result: %w", err)
		}
		results = append(results, &r)
	}
	return results, rows.Err()
}

func (s *PostgresStore) ListClusterInsights(ctx context.Context, taskID uuid.UUID, kind models.ClusterKind) ([]*models.ClusterInsight, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, cluster_type, cluster_key, ai_insight, model, updated_at
		 FROM cluster_insights WHERE task_id = $1 AND cluster_type = $2 ORDER BY cluster_key`,
		taskID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list cluster insights: %w", err)
	}
	defer rows.Close()

	insights := []*models.ClusterInsight{}
	for rows.Next() {
		var (
			in          models.ClusterInsight
			clusterType string
		)
		if err := rows.Scan(&in.ID, &in.TaskID, &clusterType, &in.ClusterKey, &in.Insight,
			&in.Model, &in.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan cluster insight: %w", err)
		}
		in.ClusterType = models.ClusterKind(clusterType)
		insights = append(insights, &in)
	}
	return insights, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

func isForeignKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503" // foreign_key_violation
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
