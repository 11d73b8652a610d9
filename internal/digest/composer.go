// Package digest turns a list of fetched articles into newsletter copy via
// an external text-generation service.
package digest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/inkwell-news/inkwell/internal/news"
)

// ErrContentGeneration means the generation call produced no usable text.
// This is fatal to the cycle: no partial newsletter is ever delivered.
var ErrContentGeneration = errors.New("failed to generate newsletter content")

// systemPrompt fixes the editorial voice and structure of every newsletter.
const systemPrompt = `You are an expert newsletter editor creating a personalized newsletter.
Write a concise, engaging summary that:
- Highlights the most important stories
- Provides context and insights
- Uses a friendly, conversational tone
- Is well-structured with clear sections
- Keeps the reader informed and engaged
Format the response as a proper newsletter with a title and organized content.
Make it email-friendly with clear sections and engaging subject lines.`

// Generator is the external text-generation call.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Composer builds the prompt pair and runs the generation call.
type Composer struct {
	generator Generator
}

// NewComposer creates a composer over the given generator.
func NewComposer(generator Generator) *Composer {
	return &Composer{generator: generator}
}

// Compose produces the newsletter summary text for the given articles and
// the categories the subscriber asked for. Returns ErrContentGeneration if
// the generator fails or returns empty text.
func (c *Composer) Compose(ctx context.Context, categories []string, articles []news.Article) (string, error) {
	content, err := c.generator.Generate(ctx, systemPrompt, userPrompt(categories, articles))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrContentGeneration, err)
	}
	if strings.TrimSpace(content) == "" {
		return "", ErrContentGeneration
	}
	return content, nil
}

// userPrompt enumerates the articles (index, title, description, source)
// under the requested category list.
func userPrompt(categories []string, articles []news.Article) string {
	var b strings.Builder
	b.WriteString("Create a newsletter summary for these articles from the past week.\n")
	fmt.Fprintf(&b, "Categories requested: %s\n\nArticles:\n", strings.Join(categories, ", "))
	for i, a := range articles {
		fmt.Fprintf(&b, "%d. %s\n   %s\n   Source: %s\n\n", i+1, a.Title, a.Description, a.URL)
	}
	return b.String()
}
