// Package pii replaces personal data with stable placeholder tokens before text
// leaves the process, and reverses the substitution for display.
package pii

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"
)

// Category names a kind of sensitive value.
type Category string

const (
	CategoryEmail  Category = "email"
	CategoryPhone  Category = "phone"
	CategoryIDCard Category = "id_card"
	CategoryIP     Category = "ip"
)

var tokenLabels = map[Category]string{
	CategoryEmail:  "EMAIL",
	CategoryPhone:  "PHONE",
	CategoryIDCard: "ID_CARD",
	CategoryIP:     "IP",
}

var (
	reEmail = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	// Mainland mobile numbers, optionally prefixed with +86/86, with optional
	// space or hyphen separators in 3-4-4 grouping.
	rePhone      = regexp.MustCompile(`(?:\+?86[\s-]?)?1[3-9]\d[\s-]?\d{4}[\s-]?\d{4}\b`)
	reIPv4       = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	reToken      = regexp.MustCompile(`<(?:EMAIL|PHONE|ID_CARD|IP)_\d{3,}>`)
	reSeparators = regexp.MustCompile(`[\s-]+`)
)

// Tokenizer holds one masking session. The same raw value always maps to the
// same token for the lifetime of the instance. Safe for concurrent use.
type Tokenizer struct {
	mu       sync.Mutex
	forward  map[string]string // raw -> token
	reverse  map[string]string // token -> raw
	counters map[Category]int
}

// NewTokenizer returns an empty Tokenizer.
func NewTokenizer() *Tokenizer {
	t := &Tokenizer{}
	t.resetLocked()
	return t
}

// Mask replaces emails, phone numbers and IPv4 addresses in text, in that order.
// It returns the masked text and a copy of the raw->token map.
// Candidates that fail validation (e.g. an IP octet above 255) are left as is.
func (t *Tokenizer) Mask(text string) (string, map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if text == "" {
		return "", t.snapshotLocked()
	}

	text = reEmail.ReplaceAllStringFunc(text, func(m string) string {
		return t.tokenLocked(CategoryEmail, m)
	})

	text = replaceUnanchored(text, rePhone, func(m string) string {
		return t.tokenLocked(CategoryPhone, reSeparators.ReplaceAllString(m, ""))
	})

	text = reIPv4.ReplaceAllStringFunc(text, func(m string) string {
		if !validIPv4(m) {
			return m
		}
		return t.tokenLocked(CategoryIP, m)
	})

	return text, t.snapshotLocked()
}

// Unmask replaces tokens minted by this instance with their raw values, or with
// a redacted rendering when partial is true. Unknown tokens are kept.
func (t *Tokenizer) Unmask(text string, partial bool) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return unmask(text, t.reverse, partial)
}

// Unmask reverses tokens using a raw->token snapshot returned by Mask.
// Callers that render results should prefer this over the live Tokenizer.
func Unmask(text string, snapshot map[string]string, partial bool) string {
	reverse := make(map[string]string, len(snapshot))
	for raw, token := range snapshot {
		reverse[token] = raw
	}
	return unmask(text, reverse, partial)
}

// Stats returns the number of distinct values tokenized per category.
func (t *Tokenizer) Stats() map[Category]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[Category]int, len(t.counters))
	for c, n := range t.counters {
		out[c] = n
	}
	return out
}

// Len returns the number of distinct raw values tokenized so far.
func (t *Tokenizer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.forward)
}

// Reset clears all mappings and counters.
func (t *Tokenizer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked()
}

func (t *Tokenizer) resetLocked() {
	t.forward = make(map[string]string)
	t.reverse = make(map[string]string)
	t.counters = map[Category]int{
		CategoryEmail:  0,
		CategoryPhone:  0,
		CategoryIDCard: 0,
		CategoryIP:     0,
	}
}

func (t *Tokenizer) tokenLocked(c Category, raw string) string {
	if token, ok := t.forward[raw]; ok {
		return token
	}
	t.counters[c]++
	token := fmt.Sprintf("<%s_%03d>", tokenLabels[c], t.counters[c])
	t.forward[raw] = token
	t.reverse[token] = raw
	return token
}

func (t *Tokenizer) snapshotLocked() map[string]string {
	out := make(map[string]string, len(t.forward))
	for raw, token := range t.forward {
		out[raw] = token
	}
	return out
}

// replaceUnanchored works like ReplaceAllStringFunc but skips matches that
// continue a longer digit run, since RE2 has no lookbehind.
func replaceUnanchored(text string, re *regexp.Regexp, repl func(string) string) string {
	matches := re.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		if start > 0 && isDigit(text[start-1]) {
			continue
		}
		b.WriteString(text[last:start])
		b.WriteString(repl(text[start:end]))
		last = end
	}
	b.WriteString(text[last:])
	return b.String()
}

func unmask(text string, reverse map[string]string, partial bool) string {
	if len(reverse) == 0 || text == "" {
		return text
	}
	return reToken.ReplaceAllStringFunc(text, func(token string) string {
		raw, ok := reverse[token]
		if !ok {
			return token
		}
		if !partial {
			return raw
		}
		return redact(categoryOf(token), raw)
	})
}

func categoryOf(token string) Category {
	label := strings.TrimPrefix(token, "<")
	if i := strings.LastIndexByte(label, '_'); i >= 0 {
		label = label[:i]
	}
	for c, l := range tokenLabels {
		if l == label {
			return c
		}
	}
	return ""
}

func redact(c Category, raw string) string {
	switch c {
	case CategoryEmail:
		return redactEmail(raw)
	case CategoryPhone:
		return redactPhone(raw)
	case CategoryIP:
		parts := strings.Split(raw, ".")
		if len(parts) != 4 {
			return raw
		}
		return parts[0] + "." + parts[1] + ".***.***"
	default:
		return raw
	}
}

func redactEmail(raw string) string {
	at := strings.LastIndexByte(raw, '@')
	if at <= 0 {
		return raw
	}
	local, domain := raw[:at], raw[at+1:]
	first, _ := utf8.DecodeRuneInString(local)
	if utf8.RuneCountInString(local) <= 2 {
		return string(first) + "***@" + domain
	}
	lastRune, _ := utf8.DecodeLastRuneInString(local)
	return string(first) + "***" + string(lastRune) + "@" + domain
}

func redactPhone(raw string) string {
	digits := strings.TrimPrefix(raw, "+")
	if len(digits) == 13 && strings.HasPrefix(digits, "86") {
		digits = digits[2:]
	}
	if len(digits) < 7 {
		return raw
	}
	return digits[:3] + "****" + digits[len(digits)-4:]
}

func validIPv4(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		n := 0
		for i := 0; i < len(p); i++ {
			n = n*10 + int(p[i]-'0')
		}
		if n > 255 {
			return false
		}
	}
	return true
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
