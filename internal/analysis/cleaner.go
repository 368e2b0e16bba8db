package analysis

import (
	"regexp"
	"strings"
)

// Header lines that introduce a quoted reply. Everything from the first match on is dropped.
var (
	reOnWrote        = regexp.MustCompile(`(?i)^on\s.+wrote:\s*$`)
	reOriginalHeader = regexp.MustCompile(`(?i)^-{2,}\s*(original message|forwarded message)\s*-{2,}\s*$`)
	reOutlookFrom    = regexp.MustCompile(`(?i)^\*?from:\*?\s+.+`)
	reCJKWrote       = regexp.MustCompile(`^.*(写道|寫道)[:：]\s*$`)
	reCJKOriginal    = regexp.MustCompile(`^-{2,}\s*原始邮件\s*-{2,}\s*$`)
	reSentFrom       = regexp.MustCompile(`(?i)^sent from my\s`)
	reOutlookSent    = regexp.MustCompile(`(?i)^(sent|date|to|subject|cc):\s`)
)

// ReplyCleaner removes quoted reply chains and trailing signatures using line heuristics.
type ReplyCleaner struct{}

// Clean returns the newest part of body: lines before the first quote header,
// without ">"-quoted lines and without a trailing signature block.
func (ReplyCleaner) Clean(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	lines := strings.Split(body, "\n")

	kept := make([]string, 0, len(lines))
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)

		if isQuoteHeader(trimmed, lines[i+1:]) {
			break
		}
		if trimmed == "--" || line == "-- " || reSentFrom.MatchString(trimmed) {
			break
		}
		if strings.HasPrefix(trimmed, ">") {
			continue
		}
		kept = append(kept, line)
	}

	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func isQuoteHeader(line string, rest []string) bool {
	switch {
	case reOnWrote.MatchString(line),
		reOriginalHeader.MatchString(line),
		reCJKWrote.MatchString(line),
		reCJKOriginal.MatchString(line):
		return true
	case reOutlookFrom.MatchString(line):
		// An Outlook header block is a From: line followed by Sent/To/Subject lines.
		for _, next := range rest {
			next = strings.TrimSpace(next)
			if next == "" {
				continue
			}
			return reOutlookSent.MatchString(strings.Trim(next, "*"))
		}
	}
	return false
}
