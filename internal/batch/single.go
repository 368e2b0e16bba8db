package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mailscope/internal/ai"
	"github.com/kiranshivaraju/mailscope/internal/ai/registry"
	"github.com/kiranshivaraju/mailscope/internal/store"
	"github.com/kiranshivaraju/mailscope/pkg/models"
)

// AnalyzeSingle analyzes one email outside any job. It uses the prompt of the
// task's most recent email job, or the default prompt. A provider failure
// yields a fallback result, which is persisted but does not mark
// the email as analyzed.
func (o *Orchestrator) AnalyzeSingle(ctx context.Context, taskID uuid.UUID, emailID int64, providerName string) (*models.AnalysisResult, error) {
	email, err := o.store.GetEmail(ctx, taskID, emailID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrEmailNotFound
		}
		return nil, fmt.Errorf("get email: %w", err)
	}

	provider, err := o.providers.Get(providerName)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownProvider) {
			return nil, fmt.Errorf("%w: model_provider %q is not configured", ErrValidation, providerName)
		}
		return nil, err
	}

	prompt, err := o.latestEmailPrompt(ctx, taskID)
	if err != nil {
		return nil, err
	}

	log := o.logger.With("task_id", taskID, "email_id", emailID, "provider", provider.Name())

	tok := o.tokenizers.Acquire(taskID)
	defer o.tokenizers.Release(taskID)

	masked, snapshot := tok.Mask(EmailText(email))
	logMasking(log, tok, snapshot)

	attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.EmailTimeout)
	defer cancel()

	res, err := provider.AnalyzeItem(attemptCtx, masked, prompt)
	o.metrics.IncProviderAttempt(provider.Name(), attemptResult(err))
	if err != nil {
		log.Warn("single analysis failed, storing fallback", "error", err)
		res = ai.FallbackAnalysis(err)
	}

	rec := &models.AnalysisResult{
		TaskID:        taskID,
		EmailID:       emailID,
		AnalysisType:  models.ResultCategoryBatchSummary,
		ModelProvider: provider.Name(),
		Result:        UnmaskAnalysis(res, snapshot),
		Fallback:      err != nil,
	}
	if err := o.store.SaveAnalysisResult(context.WithoutCancel(ctx), rec); err != nil {
		return nil, fmt.Errorf("save analysis result: %w", err)
	}
	return rec, nil
}

func (o *Orchestrator) latestEmailPrompt(ctx context.Context, taskID uuid.UUID) (string, error) {
	jobs, err := o.store.ListBatchJobsByTask(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("list batch jobs: %w", err)
	}
	for _, j := range jobs {
		if j.AnalysisType == models.AnalysisTypeEmail && j.Prompt != "" {
			return j.Prompt, nil
		}
	}
	return ai.DefaultPromptTemplate, nil
}
