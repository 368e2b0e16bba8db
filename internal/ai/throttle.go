package ai

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/mailscope/pkg/models"
	"golang.org/x/time/rate"
)

// Throttled limits the request rate of the wrapped provider.
type Throttled struct {
	provider models.AIProvider
	limiter  *rate.Limiter
}

// Throttle wraps p in a token-bucket limiter. A non-positive rps disables limiting
// and returns p unchanged.
func Throttle(p models.AIProvider, rps float64, burst int) models.AIProvider {
	if rps <= 0 {
		return p
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttled{
		provider: p,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (t *Throttled) Name() string { return t.provider.Name() }

// Unwrap returns the limited provider.
func (t *Throttled) Unwrap() models.AIProvider { return t.provider }

func (t *Throttled) AnalyzeItem(ctx context.Context, maskedText, promptTemplate string) (models.ItemAnalysis, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return models.ItemAnalysis{}, fmt.Errorf("%w: waiting for rate limiter: %v", ErrInferenceTimeout, err)
	}
	return t.provider.AnalyzeItem(ctx, maskedText, promptTemplate)
}

var _ models.AIProvider = (*Throttled)(nil)
