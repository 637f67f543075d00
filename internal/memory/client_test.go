package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "mem-key", time.Second, zap.NewNop())
}

func TestStoreReturnsID(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/memories" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer mem-key" {
			t.Errorf("auth header = %q", got)
		}
		var item Item
		if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
			t.Errorf("decode: %v", err)
		}
		if item.Text != "user prefers metric units" {
			t.Errorf("text = %q", item.Text)
		}
		json.NewEncoder(w).Encode(Item{ID: "mem_42", Text: item.Text})
	})

	id, err := c.Store(context.Background(), "user prefers metric units", map[string]string{"source": "chat"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if id != "mem_42" {
		t.Fatalf("id = %q", id)
	}
}

func TestSearchReturnsResults(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/memories/search" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Query != "units" || req.Limit != 3 {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(searchResponse{Results: []Item{
			{ID: "mem_42", Text: "user prefers metric units", Score: 0.91},
		}})
	})

	items, err := c.Search(context.Background(), "units", 3)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(items) != 1 || items[0].Score != 0.91 {
		t.Fatalf("items = %+v", items)
	}
}

func TestServerErrorSurfaced(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	if _, err := c.Search(context.Background(), "q", 1); err == nil {
		t.Fatal("server error not surfaced")
	}
}

func TestNilClientIsDisabled(t *testing.T) {
	var c *Client
	id, err := c.Store(context.Background(), "anything", nil)
	if err != nil || id != "" {
		t.Fatalf("store on nil client: %q, %v", id, err)
	}
	items, err := c.Search(context.Background(), "anything", 5)
	if err != nil || items != nil {
		t.Fatalf("search on nil client: %v, %v", items, err)
	}
}
