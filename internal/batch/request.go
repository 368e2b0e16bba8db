package batch

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/mailscope/internal/ai"
	"github.com/kiranshivaraju/mailscope/internal/config"
	"github.com/kiranshivaraju/mailscope/pkg/models"
)

// Concurrency and retry bounds accepted by StartJob.
const (
	MinConcurrency = 1
	MaxConcurrency = 20
	MinRetries     = 1
	MaxRetries     = 10
)

// StartRequest configures a new batch job. Zero values select the defaults.
// A nil FilterKeywords selects the default keyword list; an empty non-nil
// slice disables filtering.
type StartRequest struct {
	TaskID         uuid.UUID           `json:"task_id"         validate:"required"`
	AnalysisType   models.AnalysisType `json:"analysis_type"   validate:"omitempty,oneof=email people_cluster subject_cluster"`
	Prompt         string              `json:"prompt"          validate:"max=20000"`
	FilterKeywords []string            `json:"filter_keywords" validate:"omitempty,max=100,dive,required,max=200"`
	ModelProvider  string              `json:"model_provider"  validate:"max=64"`
	Concurrency    int                 `json:"concurrency"     validate:"omitempty,min=1,max=20"`
	MaxRetries     int                 `json:"max_retries"     validate:"omitempty,min=1,max=10"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the request's field constraints and wraps failures in ErrValidation.
func (r *StartRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %s", ErrValidation, describeValidation(err))
	}
	return nil
}

// withDefaults returns a copy of r with empty fields filled in.
func (r StartRequest) withDefaults(cfg config.BatchConfig, defaultProvider string) StartRequest {
	if r.AnalysisType == "" {
		r.AnalysisType = models.AnalysisTypeEmail
	}
	if strings.TrimSpace(r.Prompt) == "" {
		r.Prompt = ai.DefaultPromptTemplate
	}
	if r.FilterKeywords == nil {
		r.FilterKeywords = append([]string(nil), ai.DefaultFilterKeywords...)
	}
	if r.ModelProvider == "" {
		r.ModelProvider = defaultProvider
	}
	if r.Concurrency == 0 {
		r.Concurrency = cfg.DefaultConcurrency
	}
	if r.MaxRetries == 0 {
		r.MaxRetries = cfg.DefaultMaxRetries
	}
	return r
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param()))
		case "min", "max":
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}
