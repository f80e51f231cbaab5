package websearch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/forager-agent/forager/internal/config"
)

func TestSearxSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") != "golang" {
			t.Errorf("query = %q", r.URL.Query().Get("q"))
		}
		if r.URL.Query().Get("format") != "json" {
			t.Errorf("format = %q", r.URL.Query().Get("format"))
		}
		w.Write([]byte(`{"results":[
			{"url":"http://a","title":"A","content":"first"},
			{"url":"http://b","title":"B","content":"second"}
		]}`))
	}))
	defer srv.Close()

	results, err := NewSearx(srv.URL).Search(context.Background(), "golang", 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1 (count clamp)", len(results))
	}
	if results[0].URL != "http://a" || results[0].Snippet != "first" {
		t.Errorf("result = %+v", results[0])
	}
}

func TestSearxSearchErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	if _, err := NewSearx(srv.URL).Search(context.Background(), "q", 5); err == nil {
		t.Fatal("expected error on 403")
	}
}

func TestFromConfig(t *testing.T) {
	if a := FromConfig("searx", config.SearchConfig{SearxURL: "http://sx"}); a == nil || a.Name() != "searxng" {
		t.Errorf("searx selection failed: %v", a)
	}
	if a := FromConfig("serper", config.SearchConfig{SerperAPIKey: "k"}); a == nil || a.Name() != "serper" {
		t.Errorf("serper selection failed: %v", a)
	}
	// Preferred provider unusable falls back to whatever is configured.
	if a := FromConfig("serper", config.SearchConfig{SearxURL: "http://sx"}); a == nil || a.Name() != "searxng" {
		t.Errorf("fallback selection failed: %v", a)
	}
	if a := FromConfig("searx", config.SearchConfig{}); a != nil {
		t.Errorf("expected nil adapter, got %v", a)
	}
}
