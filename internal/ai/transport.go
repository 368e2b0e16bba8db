package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// DefaultHTTPTimeout bounds a single provider HTTP exchange. Attempt deadlines
// set by callers are normally shorter.
const DefaultHTTPTimeout = 2 * time.Minute

const maxErrorBody = 512

// NewHTTPClient returns the client used by the HTTP-based providers.
func NewHTTPClient() *http.Client {
	return &http.Client{Timeout: DefaultHTTPTimeout}
}

// PostJSON sends in as a JSON body and decodes a 2xx reply into out.
// Transport failures and non-2xx statuses map onto the package sentinels.
func PostJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return ClassifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return ClassifyStatus(resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return ClassifyError(ctx.Err())
		}
		return fmt.Errorf("%w: decoding reply: %v", ErrInvalidResponse, err)
	}
	return nil
}

// ClassifyError maps transport-level errors to sentinel errors.
func ClassifyError(err error) error {
	if errors.Is(err, ErrInferenceTimeout) || errors.Is(err, ErrProviderUnavailable) || errors.Is(err, ErrInvalidResponse) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrInferenceTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrInferenceTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}

// ClassifyStatus maps a non-2xx provider reply to a sentinel error.
func ClassifyStatus(status int, body string) error {
	body = truncateString(body, maxErrorBody)
	switch status {
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d: %s", ErrInferenceTimeout, status, body)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrProviderUnavailable, status, body)
	}
}
