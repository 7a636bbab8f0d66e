// Package search implements the built-in HTTP web_search backend (spec
// §4.5: "built-in HTTP to a search provider", not a Service Host — the
// web_search action kind dispatches here directly rather than over the
// bus). It wraps a SearXNG or Brave Search HTTP API using the shared
// httpkit.Client conventions every outbound HTTP call in this codebase
// follows.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/brackwood/nexus/internal/httpkit"
	"github.com/brackwood/nexus/internal/orchestrator"
)

const (
	defaultTimeout    = 15 * time.Second
	defaultRetryDelay = 500 * time.Millisecond
)

// Provider implements orchestrator.SearchProvider over a SearXNG or
// Brave Search HTTP endpoint, selected by Config.Provider.
type Provider struct {
	kind    string
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

// Config configures a Provider, mirroring config.SearchConfig.
type Config struct {
	Provider string // "searxng" or "brave"
	BaseURL  string
	APIKey   string
}

// New builds a Provider from Config. An empty BaseURL is accepted (the
// provider then always fails Search) so callers can construct one
// unconditionally and let the absence of configuration surface as a
// BackendError at call time rather than at startup.
func New(cfg Config, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	kind := cfg.Provider
	if kind == "" {
		kind = "searxng"
	}
	return &Provider{
		kind:    kind,
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  httpkit.NewClient(httpkit.WithTimeout(defaultTimeout), httpkit.WithRetry(1, defaultRetryDelay), httpkit.WithLogger(logger)),
		logger:  logger.With("component", "search", "provider", kind),
	}
}

// Search issues a query against the configured provider and returns up
// to k results, satisfying orchestrator.SearchProvider.
func (p *Provider) Search(ctx context.Context, query string, k int) ([]orchestrator.SearchResult, error) {
	if p.baseURL == "" {
		return nil, fmt.Errorf("search: no provider base_url configured")
	}
	if k <= 0 {
		k = 5
	}
	switch p.kind {
	case "brave":
		return p.searchBrave(ctx, query, k)
	default:
		return p.searchSearXNG(ctx, query, k)
	}
}

func (p *Provider) searchSearXNG(ctx context.Context, query string, k int) ([]orchestrator.SearchResult, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return nil, fmt.Errorf("search: parse base_url: %w", err)
	}
	u.Path = joinPath(u.Path, "/search")
	q := u.Query()
	q.Set("q", query)
	q.Set("format", "json")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search: status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 2048))
	}

	var body struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("search: decode response: %w", err)
	}

	out := make([]orchestrator.SearchResult, 0, k)
	for _, r := range body.Results {
		if len(out) >= k {
			break
		}
		out = append(out, orchestrator.SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return out, nil
}

func (p *Provider) searchBrave(ctx context.Context, query string, k int) ([]orchestrator.SearchResult, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return nil, fmt.Errorf("search: parse base_url: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("count", strconv.Itoa(k))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if p.apiKey != "" {
		req.Header.Set("X-Subscription-Token", p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search: status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 2048))
	}

	var body struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("search: decode response: %w", err)
	}

	out := make([]orchestrator.SearchResult, 0, k)
	for _, r := range body.Web.Results {
		if len(out) >= k {
			break
		}
		out = append(out, orchestrator.SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return out, nil
}

func joinPath(base, suffix string) string {
	if base == "" {
		return suffix
	}
	if base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + suffix
}
