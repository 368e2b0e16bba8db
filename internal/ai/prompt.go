package ai

import "strings"

// ContentPlaceholder marks where the item text goes inside a prompt template.
const ContentPlaceholder = "{content}"

// DefaultPromptTemplate asks for the JSON shape ParseAnalysis understands.
const DefaultPromptTemplate = `Analyze the following email exchange and return the result as JSON:
{
    "risk_level": "low/medium/high",
    "summary": "a summary of the core content in under 100 words",
    "tags": ["tag1", "tag2", "tag3"],
    "key_findings": "describe any sensitive or compliance-related content; otherwise leave empty"
}

Email content:
{content}

Output only the JSON object with no prefix or explanation. risk_level must be one of "high", "medium", "low".`

// DefaultFilterKeywords excludes automated mail from email batches.
var DefaultFilterKeywords = []string{
	"Systems bounce",
	"Verify",
	"Auto-Reply",
	"Out of Office",
	"Delivery Status",
	"Undeliverable",
}

// RenderPrompt substitutes content into template. Templates without the
// placeholder get the content appended after a blank line.
func RenderPrompt(template, content string) string {
	if strings.Contains(template, ContentPlaceholder) {
		return strings.ReplaceAll(template, ContentPlaceholder, content)
	}
	return template + "\n\n" + content
}
