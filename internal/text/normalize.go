package text

import (
	"strings"
)

// Punctuation normalized before synthesis.
const (
	emDash     = "—"
	enDash     = "–"
	figureDash = "‒"
)

var punctuationReplacer = strings.NewReplacer(
	emDash, "-",
	enDash, "-",
	figureDash, "-",
	"“", `"`, "”", `"`,
	"‘", "'", "’", "'",
)

// CollapseWhitespace replaces every whitespace run with a single space and
// trims the ends.
func CollapseWhitespace(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Normalize prepares user input for synthesis: typographic quotes and dashes
// become their ASCII forms and surrounding whitespace is trimmed. Inner line
// breaks are kept so sentence detection still sees them. The character count
// is unchanged apart from the trim, which keeps cost estimates stable.
func Normalize(text string) string {
	normalized := punctuationReplacer.Replace(text)
	normalized = strings.ReplaceAll(normalized, "\r\n", "\n")

	return strings.TrimSpace(normalized)
}
