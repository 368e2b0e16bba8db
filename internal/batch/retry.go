package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kiranshivaraju/mailscope/internal/ai"
	"github.com/kiranshivaraju/mailscope/pkg/models"
)

// retryPolicy is a backoff.BackOff that waits timeoutDelay after a timed-out
// attempt and base*2^n after the n-th (0-based) failed attempt otherwise.
type retryPolicy struct {
	base         time.Duration
	timeoutDelay time.Duration
	failures     int
	lastErr      error
}

func (p *retryPolicy) NextBackOff() time.Duration {
	n := p.failures
	p.failures++
	if ai.IsTimeout(p.lastErr) {
		return p.timeoutDelay
	}
	return p.base << n
}

func (p *retryPolicy) Reset() {
	p.failures = 0
	p.lastErr = nil
}

// analyzeWithRetry calls the provider at most maxRetries times. Every attempt
// runs on a context detached from ctx and bounded by timeout; ctx only stops
// the waits between attempts.
func (o *Orchestrator) analyzeWithRetry(ctx context.Context, p models.AIProvider, text, prompt string,
	timeout time.Duration, maxRetries int, log *slog.Logger) (models.ItemAnalysis, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}
	policy := &retryPolicy{base: o.cfg.BackoffBase, timeoutDelay: o.cfg.TimeoutRetryDelay}
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(maxRetries-1)), ctx)

	var (
		result  models.ItemAnalysis
		attempt int
	)
	op := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		res, err := p.AnalyzeItem(attemptCtx, text, prompt)
		if err != nil && !ai.IsTimeout(err) && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", ai.ErrInferenceTimeout, err)
		}
		policy.lastErr = err
		o.metrics.IncProviderAttempt(p.Name(), attemptResult(err))
		if err != nil {
			return err
		}
		result = res
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("ai attempt failed, retrying", "attempt", attempt, "max_retries", maxRetries, "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return models.ItemAnalysis{}, err
	}
	return result, nil
}

func attemptResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ai.ErrInferenceTimeout):
		return "timeout"
	case errors.Is(err, ai.ErrInvalidResponse):
		return "invalid_response"
	default:
		return "error"
	}
}
