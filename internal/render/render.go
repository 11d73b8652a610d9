// Package render converts composed newsletter markdown into deliverable
// HTML and attaches the delivery metadata the email template expects.
package render

import (
	"bytes"
	"strings"
	"time"

	"github.com/yuin/goldmark"
)

// Rendered is display-ready newsletter content plus template metadata.
type Rendered struct {
	To           string
	Content      string
	Categories   string
	ArticleCount int
	CurrentDate  string
}

// Newsletter renders the summary markdown to HTML and fills in metadata.
// Pure and side-effect free. If the markdown cannot be converted the raw
// text is passed through unchanged rather than failing the cycle.
func Newsletter(summary, to string, categories []string, articleCount int, now time.Time) Rendered {
	content := summary
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(summary), &buf); err == nil {
		content = buf.String()
	}

	return Rendered{
		To:           to,
		Content:      content,
		Categories:   strings.Join(categories, ", "),
		ArticleCount: articleCount,
		CurrentDate:  now.Format("1/2/2006"),
	}
}
