// Package ai holds the pieces shared by every AI provider: sentinel errors,
// prompt rendering, response parsing, HTTP transport and request throttling.
package ai

import "errors"

var (
	ErrProviderUnavailable = errors.New("ai provider unavailable")
	ErrInferenceTimeout    = errors.New("ai inference timeout")
	ErrInvalidResponse     = errors.New("ai provider returned invalid response")
)

// IsTimeout reports whether err is an inference timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrInferenceTimeout)
}
