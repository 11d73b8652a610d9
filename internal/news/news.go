// Package news gathers recent articles per subscription category from an
// external content source.
package news

import (
	"context"
	"log/slog"
	"time"
)

// How far back a cycle looks for articles, and how many each category may
// contribute to the digest.
const (
	LookbackWindow   = 7 * 24 * time.Hour
	PerCategoryLimit = 5
)

// Article is a single fetched content item.
type Article struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// Source fetches recent articles for one category. Individual calls may
// fail; the aggregator decides what a failure means.
type Source interface {
	Fetch(ctx context.Context, category string, since time.Time) ([]Article, error)
}

// Aggregator merges per-category fetches into one article list.
type Aggregator struct {
	source Source
	logger *slog.Logger
}

// NewAggregator creates an aggregator over the given source.
func NewAggregator(source Source, logger *slog.Logger) *Aggregator {
	return &Aggregator{source: source, logger: logger}
}

// Aggregate fetches the lookback window of articles for every category,
// caps each category's contribution and concatenates in category order.
// A failing category contributes nothing and does not fail the aggregate;
// the error is logged and absorbed. An empty result is valid; the digest
// composer decides whether an empty newsletter is worth sending.
func (a *Aggregator) Aggregate(ctx context.Context, categories []string) []Article {
	since := time.Now().Add(-LookbackWindow)

	var all []Article
	for _, category := range categories {
		articles, err := a.source.Fetch(ctx, category, since)
		if err != nil {
			a.logger.Error("Category fetch failed, skipping category",
				"category", category,
				"error", err,
			)
			continue
		}
		if len(articles) > PerCategoryLimit {
			articles = articles[:PerCategoryLimit]
		}
		all = append(all, articles...)
	}
	return all
}
