package cache

import (
	"fmt"

	"github.com/google/uuid"
)

const keyPrefix = "mailscope"

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("%s:batch-job:%s", keyPrefix, jobID)
}

// RateLimitKey buckets request counts per API key prefix and minute window.
func RateLimitKey(apiKeyPrefix string, window int64) string {
	return fmt.Sprintf("%s:ratelimit:%s:%d", keyPrefix, apiKeyPrefix, window)
}
