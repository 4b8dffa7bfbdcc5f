package qdrant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, nil)
}

func TestCollectionExists(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/collections/docs" {
			json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{}})
			return
		}
		http.NotFound(w, r)
	}))

	ok, err := c.CollectionExists(context.Background(), "docs")
	if err != nil || !ok {
		t.Fatalf("exists(docs) = %v, %v", ok, err)
	}
	ok, err = c.CollectionExists(context.Background(), "missing")
	if err != nil || ok {
		t.Fatalf("exists(missing) = %v, %v", ok, err)
	}
}

func TestExtractVectorConfigShapes(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		size int
	}{
		{"config.params.vectors", `{"config":{"params":{"vectors":{"size":768,"distance":"Cosine"}}}}`, 768},
		{"params.vectors", `{"params":{"vectors":{"size":384,"distance":"Dot"}}}`, 384},
		{"params", `{"params":{"size":512,"distance":"Euclid"}}`, 512},
		{"vectors", `{"vectors":{"size":1024}}`, 1024},
		{"named", `{"config":{"params":{"vectors":{"text":{"size":256,"distance":"Cosine"}}}}}`, 256},
		{"unknown", `{"status":"green"}`, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var raw map[string]any
			if err := json.Unmarshal([]byte(tc.raw), &raw); err != nil {
				t.Fatal(err)
			}
			size, _ := extractVectorConfig(raw)
			if size != tc.size {
				t.Errorf("size = %d, want %d", size, tc.size)
			}
		})
	}
}

func TestEnsureRecreatesOnDimensionMismatch(t *testing.T) {
	var dropped, created bool
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{
				"config": map[string]any{"params": map[string]any{"vectors": map[string]any{"size": 384, "distance": "Cosine"}}},
			}})
		case r.Method == http.MethodDelete:
			dropped = true
			json.NewEncoder(w).Encode(map[string]any{"result": true})
		case r.Method == http.MethodPut:
			created = true
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			vec := body["vectors"].(map[string]any)
			if vec["size"] != float64(768) {
				t.Errorf("recreate size = %v", vec["size"])
			}
			json.NewEncoder(w).Encode(map[string]any{"result": true})
		}
	}))

	if err := c.Ensure(context.Background(), "docs", 768, DistanceCosine); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !dropped || !created {
		t.Errorf("dropped=%v created=%v, want both", dropped, created)
	}
}

func TestEnsureKeepsMatchingCollection(t *testing.T) {
	var mutations int
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			mutations++
		}
		json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{
			"config": map[string]any{"params": map[string]any{"vectors": map[string]any{"size": 768}}},
		}})
	}))
	if err := c.Ensure(context.Background(), "docs", 768, DistanceCosine); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if mutations != 0 {
		t.Errorf("mutations = %d, want 0", mutations)
	}
}

func TestSearchBuildsFilter(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		filter, ok := body["filter"].(map[string]any)
		if !ok {
			t.Fatal("filter missing")
		}
		must := filter["must"].([]any)
		if len(must) != 1 {
			t.Fatalf("must = %v", must)
		}
		cond := must[0].(map[string]any)
		if cond["key"] != "tenant" {
			t.Errorf("key = %v", cond["key"])
		}
		json.NewEncoder(w).Encode(map[string]any{"result": []map[string]any{
			{"id": "p1", "score": 0.9, "payload": map[string]any{"text": "hello"}},
		}})
	}))

	hits, err := c.Search(context.Background(), "docs", []float32{0.1, 0.2}, 5, map[string]any{"tenant": "t1"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Score != 0.9 {
		t.Errorf("hits = %+v", hits)
	}
	if hits[0].Payload["text"] != "hello" {
		t.Errorf("payload = %v", hits[0].Payload)
	}
}

func TestScrollPagination(t *testing.T) {
	calls := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if calls == 1 {
			if body["offset"] != nil {
				t.Errorf("first call offset = %v", body["offset"])
			}
			json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{
				"points":           []map[string]any{{"id": "a"}, {"id": "b"}},
				"next_page_offset": "cursor-1",
			}})
			return
		}
		if body["offset"] != "cursor-1" {
			t.Errorf("second call offset = %v", body["offset"])
		}
		json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{
			"points":           []map[string]any{{"id": "c"}},
			"next_page_offset": nil,
		}})
	}))

	points, next, err := c.Scroll(context.Background(), "docs", ScrollParams{Limit: 2})
	if err != nil {
		t.Fatalf("Scroll: %v", err)
	}
	if len(points) != 2 || next != "cursor-1" {
		t.Fatalf("page1 = %d points, next %v", len(points), next)
	}
	points, next, err = c.Scroll(context.Background(), "docs", ScrollParams{Limit: 2, Offset: next})
	if err != nil {
		t.Fatalf("Scroll page2: %v", err)
	}
	if len(points) != 1 || next != nil {
		t.Errorf("page2 = %d points, next %v", len(points), next)
	}
}

func TestDeleteByFilterReturnsCount(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/collections/docs/points/count" {
			json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"count": 7}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"result": true})
	}))
	n, err := c.DeleteByFilter(context.Background(), "docs", map[string]any{"source": "s1"})
	if err != nil {
		t.Fatalf("DeleteByFilter: %v", err)
	}
	if n != 7 {
		t.Errorf("count = %d, want 7", n)
	}
}

func TestUpsertFillsMissingIDs(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Points []map[string]any `json:"points"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if len(body.Points) != 2 {
			t.Fatalf("points = %d", len(body.Points))
		}
		if body.Points[0]["id"] != "fixed" {
			t.Errorf("id[0] = %v", body.Points[0]["id"])
		}
		if s, ok := body.Points[1]["id"].(string); !ok || s == "" {
			t.Errorf("id[1] should be generated, got %v", body.Points[1]["id"])
		}
		json.NewEncoder(w).Encode(map[string]any{"result": true})
	}))
	err := c.Upsert(context.Background(), "docs",
		[][]float32{{0.1}, {0.2}},
		[]map[string]any{{"text": "a"}, {"text": "b"}},
		[]any{"fixed"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
}
