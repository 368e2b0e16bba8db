package analysis

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kiranshivaraju/mailscope/pkg/models"
)

// DefaultMaxContextChars bounds the context built for one cluster.
const DefaultMaxContextChars = 15000

// NoRelevantContent is returned when no email contributes any content.
const NoRelevantContent = "No relevant email content."

// TruncationMarker is appended when the first block alone exceeds the budget.
const TruncationMarker = "\n...(truncated)"

const blockSeparator = "\n"

// Cleaner strips quoted replies and signatures from an email body.
type Cleaner interface {
	Clean(body string) string
}

// BuildContext renders emails into one text of at most maxChars runes.
// Bodies are cleaned, trimmed, and exact duplicates are dropped. Blocks are
// appended in source order until the next one would exceed maxChars. If the
// very first block is already too long it is cut to maxChars runes and
// TruncationMarker is appended.
func BuildContext(emails []*models.Email, maxChars int, cleaner Cleaner) string {
	if len(emails) == 0 {
		return NoRelevantContent
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxContextChars
	}

	seen := make(map[string]struct{}, len(emails))
	var b strings.Builder
	length := 0
	blocks := 0

	for i, e := range emails {
		body := cleanBody(e.Content, cleaner)
		if body == "" {
			continue
		}
		if _, dup := seen[body]; dup {
			continue
		}
		seen[body] = struct{}{}

		block := formatBlock(i+1, e, body)
		cost := utf8.RuneCountInString(block)
		if blocks > 0 {
			cost += utf8.RuneCountInString(blockSeparator)
		}

		if length+cost > maxChars {
			if blocks == 0 {
				return truncateRunes(block, maxChars) + TruncationMarker
			}
			break
		}

		if blocks > 0 {
			b.WriteString(blockSeparator)
		}
		b.WriteString(block)
		length += cost
		blocks++
	}

	if blocks == 0 {
		return NoRelevantContent
	}
	return b.String()
}

func cleanBody(raw string, cleaner Cleaner) string {
	if cleaner == nil {
		return strings.TrimSpace(raw)
	}
	cleaned := strings.TrimSpace(cleaner.Clean(raw))
	if cleaned == "" {
		return strings.TrimSpace(raw)
	}
	return cleaned
}

func formatBlock(index int, e *models.Email, body string) string {
	subject := e.Subject
	if subject == "" {
		subject = "(No Subject)"
	}
	return fmt.Sprintf("[Email %d]\nSubject: %s\nFrom: %s\nTo: %s\nDate: %s\nContent:\n%s\n---",
		index, subject, orUnknown(e.Sender), orUnknown(e.Receiver), formatDate(e.SentAt), body)
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

func formatDate(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "Unknown"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

// truncateRunes returns the first n runes of s.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
