package content

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var policy = bluemonday.StrictPolicy()

// Sanitize strips all markup from server-provided display text
// (sender names, evoucher captions, file names) and returns plain text.
// Message bodies are left untouched so temp and confirmed copies still compare equal.
func Sanitize(input string) string {
	if !strings.ContainsAny(input, "<>&") {
		return input
	}
	return html.UnescapeString(policy.Sanitize(input))
}
