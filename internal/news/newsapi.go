package news

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const defaultNewsAPIBaseURL = "https://newsapi.org/v2"

// NewsAPIClient fetches articles from the NewsAPI "everything" endpoint.
type NewsAPIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewNewsAPIClient creates a client with a bounded request timeout.
// baseURL may be empty to use the production endpoint; tests point it at a
// local server.
func NewNewsAPIClient(apiKey, baseURL string) *NewsAPIClient {
	if baseURL == "" {
		baseURL = defaultNewsAPIBaseURL
	}
	return &NewsAPIClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// newsAPIResponse mirrors the subset of the NewsAPI payload we read.
type newsAPIResponse struct {
	Articles []struct {
		Title       string `json:"title"`
		URL         string `json:"url"`
		Description string `json:"description"`
	} `json:"articles"`
}

// Fetch implements Source: most-recent-first articles matching the category
// since the given instant.
func (c *NewsAPIClient) Fetch(ctx context.Context, category string, since time.Time) ([]Article, error) {
	endpoint := fmt.Sprintf("%s/everything?q=%s&from=%s&sortBy=publishedAt&apiKey=%s",
		c.baseURL,
		url.QueryEscape(category),
		url.QueryEscape(since.UTC().Format(time.RFC3339)),
		url.QueryEscape(c.apiKey),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("news API returned status %d: %s", resp.StatusCode, string(body))
	}

	var payload newsAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	articles := make([]Article, 0, len(payload.Articles))
	for _, a := range payload.Articles {
		article := Article{
			Title:       a.Title,
			URL:         a.URL,
			Description: a.Description,
		}
		if article.Title == "" {
			article.Title = "No title"
		}
		if article.Description == "" {
			article.Description = "No description available"
		}
		articles = append(articles, article)
	}
	return articles, nil
}
