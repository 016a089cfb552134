// Package search is a thin query client for the backing Elasticsearch
// cluster. Query construction and result aggregation stay deliberately
// minimal here: the search engine is an external collaborator, not part of
// this server's core.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Config locates the search cluster.
type Config struct {
	// BaseURL is the cluster endpoint, e.g. https://es.internal:9200.
	BaseURL string

	// Index is the code-search index to query.
	Index string

	// APIKey is sent as an Authorization: ApiKey header when set.
	APIKey string

	// Timeout bounds each search call.
	Timeout time.Duration
}

// Result is one code-search hit.
type Result struct {
	Repository string  `json:"repository"`
	Path       string  `json:"path"`
	Language   string  `json:"language,omitempty"`
	Score      float64 `json:"score"`
	Snippet    string  `json:"snippet,omitempty"`
}

// Client queries the cluster over its HTTP search API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a search client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("search base URL is required")
	}
	if cfg.Index == "" {
		return nil, fmt.Errorf("search index is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:        Config{BaseURL: strings.TrimRight(cfg.BaseURL, "/"), Index: cfg.Index, APIKey: cfg.APIKey},
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type esHit struct {
	Score  float64 `json:"_score"`
	Source struct {
		Repository string `json:"repository"`
		Path       string `json:"file_path"`
		Language   string `json:"language"`
		Content    string `json:"content"`
	} `json:"_source"`
}

type esSearchResponse struct {
	Hits struct {
		Hits []esHit `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]struct {
		Buckets []struct {
			Key string `json:"key"`
		} `json:"buckets"`
	} `json:"aggregations"`
}

// Search runs a full-text query over the code index.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	body := map[string]any{
		"size": limit,
		"query": map[string]any{
			"multi_match": map[string]any{
				"query":  query,
				"fields": []string{"content", "file_path^2", "symbols^3"},
			},
		},
	}

	var resp esSearchResponse
	if err := c.do(ctx, body, &resp); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(resp.Hits.Hits))
	for _, hit := range resp.Hits.Hits {
		snippet := hit.Source.Content
		if len(snippet) > 500 {
			snippet = snippet[:500]
		}
		results = append(results, Result{
			Repository: hit.Source.Repository,
			Path:       hit.Source.Path,
			Language:   hit.Source.Language,
			Score:      hit.Score,
			Snippet:    snippet,
		})
	}
	return results, nil
}

// Repositories lists the distinct repositories present in the index.
func (c *Client) Repositories(ctx context.Context) ([]string, error) {
	body := map[string]any{
		"size": 0,
		"aggs": map[string]any{
			"repositories": map[string]any{
				"terms": map[string]any{"field": "repository", "size": 1000},
			},
		},
	}

	var resp esSearchResponse
	if err := c.do(ctx, body, &resp); err != nil {
		return nil, err
	}

	agg, ok := resp.Aggregations["repositories"]
	if !ok {
		return nil, nil
	}
	repos := make([]string, 0, len(agg.Buckets))
	for _, bucket := range agg.Buckets {
		repos = append(repos, bucket.Key)
	}
	return repos, nil
}

func (c *Client) do(ctx context.Context, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding search request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/_search", c.cfg.BaseURL, c.cfg.Index)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "ApiKey "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("search returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
