package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestProviderSearchSearXNG(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "golang concurrency" {
			t.Errorf("q = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]string{
				{"title": "A", "url": "https://a.example", "content": "snippet a"},
				{"title": "B", "url": "https://b.example", "content": "snippet b"},
			},
		})
	}))
	defer srv.Close()

	p := New(Config{Provider: "searxng", BaseURL: srv.URL}, nil)
	results, err := p.Search(context.Background(), "golang concurrency", 1)
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1 (k=1 cap)", len(results))
	}
	if results[0].Title != "A" || results[0].URL != "https://a.example" {
		t.Errorf("results[0] = %+v", results[0])
	}
}

func TestProviderSearchBrave(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Subscription-Token"); got != "secret" {
			t.Errorf("api key header = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"web": map[string]any{
				"results": []map[string]string{
					{"title": "C", "url": "https://c.example", "description": "snippet c"},
				},
			},
		})
	}))
	defer srv.Close()

	p := New(Config{Provider: "brave", BaseURL: srv.URL, APIKey: "secret"}, nil)
	results, err := p.Search(context.Background(), "test", 5)
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(results) != 1 || results[0].Title != "C" {
		t.Errorf("results = %+v", results)
	}
}

func TestProviderSearchNoBaseURL(t *testing.T) {
	p := New(Config{}, nil)
	if _, err := p.Search(context.Background(), "x", 5); err == nil {
		t.Error("expected error with no base_url configured")
	}
}
