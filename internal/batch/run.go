package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/mailscope/internal/ai"
	"github.com/kiranshivaraju/mailscope/internal/analysis"
	"github.com/kiranshivaraju/mailscope/internal/pii"
	"github.com/kiranshivaraju/mailscope/internal/store"
	"github.com/kiranshivaraju/mailscope/internal/telemetry"
	"github.com/kiranshivaraju/mailscope/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"
)

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeExisting
	outcomeFailed
)

func (o outcome) String() string {
	switch o {
	case outcomeSuccess:
		return telemetry.OutcomeSuccess
	case outcomeExisting:
		return telemetry.OutcomeExisting
	default:
		return telemetry.OutcomeFailed
	}
}

// run is the supervising goroutine of one job. ctx is cancelled by CancelJob.
func (o *Orchestrator) run(ctx context.Context, h *jobHandle, job *models.BatchJob, provider models.AIProvider) {
	log := o.logger.With("job_id", job.ID, "task_id", job.TaskID, "analysis_type", job.AnalysisType)
	ctx, span := telemetry.StartSpan(ctx, "batch.job",
		attribute.String("job_id", job.ID.String()),
		attribute.String("task_id", job.TaskID.String()),
		attribute.String("analysis_type", string(job.AnalysisType)),
		attribute.String("provider", provider.Name()),
	)
	persistCtx := context.WithoutCancel(ctx)

	tok := o.tokenizers.Acquire(job.TaskID)

	final := models.JobStatusFailed
	defer func() {
		if r := recover(); r != nil {
			log.Error("batch job panicked", "panic", r)
			final = models.JobStatusFailed
			o.finish(persistCtx, job, models.JobStatusFailed, fmt.Sprintf("internal error: %v", r), log)
		}
		o.tokenizers.Release(job.TaskID)
		o.removeHandle(job.ID)
		o.metrics.JobFinished(string(final))
		span.SetAttributes(attribute.String("status", string(final)))
		span.End()
		h.cancel()
		close(h.done)
	}()

	progress, err := o.execute(ctx, job, provider, tok, log)
	switch {
	case errors.Is(err, errCancelledBeforeStart):
		final = models.JobStatusCancelled
		log.Info("batch job cancelled before start")
		return
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		final = models.JobStatusFailed
		o.finish(persistCtx, job, final, err.Error(), log)
		return
	case ctx.Err() != nil:
		final = models.JobStatusCancelled
	default:
		final = models.JobStatusCompleted
	}

	o.finish(persistCtx, job, final, "", log)
	log.Info("batch job finished", "status", final,
		"processed", progress.Processed, "success", progress.Success,
		"failed", progress.Failed, "skipped", progress.Skipped)
}

var errCancelledBeforeStart = errors.New("cancelled before start")

// execute resolves the job's items and processes them. A non-nil error is a
// run-level failure; item failures are only counted.
func (o *Orchestrator) execute(ctx context.Context, job *models.BatchJob, provider models.AIProvider, tok *pii.Tokenizer, log *slog.Logger) (models.JobProgress, error) {
	persistCtx := context.WithoutCancel(ctx)

	items, skipped, err := o.resolveItems(ctx, job)
	if err != nil {
		return models.JobProgress{}, fmt.Errorf("resolve items: %w", err)
	}
	total := len(items) + skipped
	if err := o.store.UpdateBatchJobTotal(persistCtx, job.ID, total, skipped); err != nil {
		return models.JobProgress{}, fmt.Errorf("persist total: %w", err)
	}
	job.TotalCount = total
	job.SkippedCount = skipped

	if ctx.Err() != nil {
		return models.JobProgress{}, errCancelledBeforeStart
	}
	if err := o.store.UpdateBatchJobStatus(persistCtx, job.ID, models.JobStatusRunning); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return models.JobProgress{}, errCancelledBeforeStart
		}
		return models.JobProgress{}, fmt.Errorf("mark running: %w", err)
	}
	if fresh, err := o.store.GetBatchJob(persistCtx, job.ID); err == nil {
		*job = *fresh
	} else {
		log.Warn("reload running job failed", "error", err)
		now := time.Now().UTC()
		job.Status = models.JobStatusRunning
		job.StartedAt = &now
		job.UpdatedAt = now
	}
	o.mirrorProgress(ctx, job)

	log.Info("batch job running", "total", total, "dispatchable", len(items), "skipped", skipped)
	return o.dispatch(ctx, job, provider, tok, items, log), nil
}

func (o *Orchestrator) resolveItems(ctx context.Context, job *models.BatchJob) ([]models.AnalyzableItem, int, error) {
	if kind, ok := job.AnalysisType.ClusterKind(); ok {
		clusters, err := o.store.ListClusters(ctx, job.TaskID, kind)
		if err != nil {
			return nil, 0, err
		}
		items := make([]models.AnalyzableItem, len(clusters))
		for i := range clusters {
			items[i] = models.AnalyzableItem{Cluster: &clusters[i]}
		}
		return items, 0, nil
	}

	emails, excluded, err := o.store.ListEmailsForBatch(ctx, job.TaskID, job.FilterKeywords)
	if err != nil {
		return nil, 0, err
	}
	items := make([]models.AnalyzableItem, len(emails))
	for i, e := range emails {
		items[i] = models.AnalyzableItem{Email: e}
	}
	return items, excluded, nil
}

// dispatch fans items out to at most job.Concurrency workers and stops
// dispatching once ctx is cancelled. It returns after every started item has
// been collected.
func (o *Orchestrator) dispatch(ctx context.Context, job *models.BatchJob, provider models.AIProvider,
	tok *pii.Tokenizer, items []models.AnalyzableItem, log *slog.Logger) (progress models.JobProgress) {
	outcomes := make(chan outcome)
	collected := make(chan models.JobProgress, 1)
	go func() {
		collected <- o.collect(ctx, *job, outcomes, log)
	}()

	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		close(outcomes)
		progress = <-collected
	}()

	sem := semaphore.NewWeighted(int64(job.Concurrency))
	for i, item := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			log.Info("dispatch stopped by cancellation", "dispatched", i, "remaining", len(items)-i)
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			outcomes <- o.processItem(ctx, job, provider, tok, item, log)
		}()
	}
	return progress
}

// collect is the single writer of job progress. It persists a snapshot after
// every outcome.
func (o *Orchestrator) collect(ctx context.Context, snapshot models.BatchJob, outcomes <-chan outcome, log *slog.Logger) models.JobProgress {
	persistCtx := context.WithoutCancel(ctx)
	progress := models.JobProgress{Skipped: snapshot.SkippedCount}

	for out := range outcomes {
		progress.Processed++
		if out == outcomeFailed {
			progress.Failed++
		} else {
			progress.Success++
		}

		if err := o.store.UpdateBatchJobProgress(persistCtx, snapshot.ID, progress); err != nil {
			log.Warn("persist progress failed", "processed", progress.Processed, "error", err)
		}

		snapshot.ProcessedCount = progress.Processed
		snapshot.SuccessCount = progress.Success
		snapshot.FailedCount = progress.Failed
		snapshot.SkippedCount = progress.Skipped
		o.mirrorProgress(ctx, &snapshot)
	}
	return progress
}

// finish moves the job to its terminal status. A job cancelled in the
// meantime keeps CANCELLED.
func (o *Orchestrator) finish(ctx context.Context, job *models.BatchJob, status models.JobStatus, message string, log *slog.Logger) {
	var opts []store.JobUpdateOption
	if message != "" {
		opts = append(opts, store.WithErrorMessage(message))
	}
	err := o.store.UpdateBatchJobStatus(ctx, job.ID, status, opts...)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrInvalidTransition):
		log.Info("batch job already terminal", "wanted", status)
	default:
		log.Error("persist final status failed", "status", status, "error", err)
	}
	if status == models.JobStatusFailed {
		log.Error("batch job failed", "error", message)
	}

	if final, err := o.store.GetBatchJob(ctx, job.ID); err == nil {
		o.mirrorJob(ctx, final)
	}
}

// processItem never panics; a panicking item is reported as failed.
func (o *Orchestrator) processItem(ctx context.Context, job *models.BatchJob, provider models.AIProvider,
	tok *pii.Tokenizer, item models.AnalyzableItem, log *slog.Logger) (out outcome) {
	start := time.Now()
	log = log.With("item", item.Label())
	ctx, span := telemetry.StartSpan(ctx, "batch.item", attribute.String("item", item.Label()))

	defer func() {
		if r := recover(); r != nil {
			log.Error("item processor panicked", "panic", r)
			out = outcomeFailed
		}
		span.SetAttributes(attribute.String("outcome", out.String()))
		span.End()
		o.metrics.ObserveItem(string(job.AnalysisType), out.String(), time.Since(start))
	}()

	if item.Cluster != nil {
		return o.processCluster(ctx, job, provider, tok, *item.Cluster, log)
	}
	return o.processEmail(ctx, job, provider, tok, item.Email, log)
}

func (o *Orchestrator) processEmail(ctx context.Context, job *models.BatchJob, provider models.AIProvider,
	tok *pii.Tokenizer, e *models.Email, log *slog.Logger) outcome {
	persistCtx := context.WithoutCancel(ctx)

	exists, err := o.store.HasEmailAnalysis(persistCtx, e.ID, models.ResultCategoryBatchSummary)
	if err != nil {
		log.Error("check existing analysis failed", "error", err)
		return outcomeFailed
	}
	if exists {
		return outcomeExisting
	}

	masked, snapshot := tok.Mask(EmailText(e))
	logMasking(log, tok, snapshot)

	result, ok := o.analyze(ctx, provider, masked, job.Prompt, o.cfg.EmailTimeout, job.MaxRetries, log)
	if result == nil {
		return outcomeFailed
	}

	rec := &models.AnalysisResult{
		TaskID:        job.TaskID,
		EmailID:       e.ID,
		AnalysisType:  models.ResultCategoryBatchSummary,
		ModelProvider: provider.Name(),
		Result:        UnmaskAnalysis(*result, snapshot),
		Fallback:      !ok,
	}
	if err := o.store.SaveAnalysisResult(persistCtx, rec); err != nil {
		log.Error("save analysis result failed", "error", err)
		return outcomeFailed
	}
	if !ok {
		return outcomeFailed
	}
	return outcomeSuccess
}

func (o *Orchestrator) processCluster(ctx context.Context, job *models.BatchJob, provider models.AIProvider,
	tok *pii.Tokenizer, ref models.ClusterRef, log *slog.Logger) outcome {
	persistCtx := context.WithoutCancel(ctx)

	members, err := o.store.ListClusterMembers(persistCtx, job.TaskID, ref, o.cfg.ClusterMemberLimit)
	if err != nil {
		log.Error("list cluster members failed", "error", err)
		return outcomeFailed
	}
	if len(members) == 0 {
		log.Warn("cluster has no members")
		return outcomeFailed
	}

	text := analysis.BuildContext(members, o.cfg.MaxContextChars, o.cleaner)
	masked, snapshot := tok.Mask(text)
	logMasking(log, tok, snapshot)

	result, ok := o.analyze(ctx, provider, masked, job.Prompt, o.cfg.ClusterTimeout, job.MaxRetries, log)
	if result == nil {
		return outcomeFailed
	}

	insight := &models.ClusterInsight{
		TaskID:      job.TaskID,
		ClusterType: ref.Kind,
		ClusterKey:  ref.Key,
		Insight:     UnmaskAnalysis(*result, snapshot),
		Model:       provider.Name(),
	}
	if err := o.store.SaveClusterInsight(persistCtx, insight); err != nil {
		log.Error("save cluster insight failed", "error", err)
		return outcomeFailed
	}
	if !ok {
		return outcomeFailed
	}
	return outcomeSuccess
}

// analyze returns the provider result and true on success. When every
// attempt failed and the last one returned an unparseable response, it
// returns the fallback analysis and false. Otherwise it returns nil.
func (o *Orchestrator) analyze(ctx context.Context, provider models.AIProvider, masked, prompt string,
	timeout time.Duration, maxRetries int, log *slog.Logger) (*models.ItemAnalysis, bool) {
	res, err := o.analyzeWithRetry(ctx, provider, masked, prompt, timeout, maxRetries, log)
	if err == nil {
		return &res, true
	}
	if errors.Is(err, ai.ErrInvalidResponse) {
		log.Warn("ai response unusable after retries, storing fallback", "error", err)
		fb := ai.FallbackAnalysis(err)
		return &fb, false
	}
	if errors.Is(err, context.Canceled) {
		log.Info("item abandoned by cancellation")
	} else {
		log.Error("ai analysis failed after retries", "error", err)
	}
	return nil, false
}

// EmailText is the text sent to the provider for a single email.
func EmailText(e *models.Email) string {
	return "Subject: " + e.Subject + "\n\n" + e.Content
}

// UnmaskAnalysis reveals tokens in every text field of a using a partial
// reveal over snapshot.
func UnmaskAnalysis(a models.ItemAnalysis, snapshot map[string]string) models.ItemAnalysis {
	reveal := func(s string) string { return pii.Unmask(s, snapshot, true) }
	revealAll := func(in []string) []string {
		out := make([]string, len(in))
		for i, s := range in {
			out[i] = reveal(s)
		}
		return out
	}
	return models.ItemAnalysis{
		Summary:     reveal(a.Summary),
		RiskLevel:   a.RiskLevel,
		Tags:        revealAll(a.Tags),
		KeyFindings: reveal(a.KeyFindings),
		KeyPoints:   revealAll(a.KeyPoints),
	}
}

func logMasking(log *slog.Logger, tok *pii.Tokenizer, snapshot map[string]string) {
	if !log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	stats := tok.Stats()
	log.Debug("item masked",
		"known_tokens", len(snapshot),
		"email", stats[pii.CategoryEmail],
		"phone", stats[pii.CategoryPhone],
		"ip", stats[pii.CategoryIP])
}
