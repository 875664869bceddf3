package tools

import (
	"regexp"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

var htmlTagPattern = regexp.MustCompile(`(?i)<(p|div|br|h[1-6]|ul|ol|li|strong|em|b|i|a|table|tr|td|span|html|body)[\s>/]`)

// normalizeDocContent turns model-written HTML into Markdown text, since the
// Docs API inserts plain text. Non-HTML content passes through trimmed.
func normalizeDocContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" || !looksLikeHTML(trimmed) {
		return trimmed, nil
	}
	converted, err := htmltomarkdown.ConvertString(trimmed)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(converted), nil
}

func looksLikeHTML(s string) bool {
	return htmlTagPattern.MatchString(s)
}
