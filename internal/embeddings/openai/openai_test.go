package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// embeddingServer serves a deterministic vector per input text.
func embeddingServer(t *testing.T, requests *int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*requests++
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		type datum struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		resp := struct {
			Data []datum `json:"data"`
		}{}
		for i, text := range req.Input {
			resp.Data = append(resp.Data, datum{Index: i, Embedding: []float32{float32(len(text)), 1}})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("missing API key accepted")
	}
}

func TestNewDefaultsModel(t *testing.T) {
	p, err := New(Config{APIKey: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Model() != "text-embedding-3-small" {
		t.Errorf("Model = %s", p.Model())
	}
	if p.Name() != "openai" {
		t.Errorf("Name = %s", p.Name())
	}
}

func TestEmbedBatch(t *testing.T) {
	var requests int
	srv := embeddingServer(t, &requests)
	defer srv.Close()

	p, err := New(Config{APIKey: "test", BaseURL: srv.URL, Model: "text-embedding-3-small"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	vectors, err := p.EmbedBatch(context.Background(), []string{"ab", "abcd"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vectors) != 2 {
		t.Fatalf("got %d vectors", len(vectors))
	}
	if vectors[0][0] != 2 || vectors[1][0] != 4 {
		t.Errorf("vectors out of order: %v", vectors)
	}
	if requests != 1 {
		t.Errorf("made %d requests, want 1 batch", requests)
	}
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	var requests int
	srv := embeddingServer(t, &requests)
	defer srv.Close()

	p, err := New(Config{APIKey: "test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	vectors, err := p.EmbedBatch(context.Background(), nil)
	if err != nil || vectors != nil {
		t.Errorf("EmbedBatch(nil) = %v, %v", vectors, err)
	}
	if requests != 0 {
		t.Error("empty input hit the API")
	}
}

func TestEmbedSingle(t *testing.T) {
	var requests int
	srv := embeddingServer(t, &requests)
	defer srv.Close()

	p, err := New(Config{APIKey: "test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	vec, err := p.Embed(context.Background(), "abc")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 2 || vec[0] != 3 {
		t.Errorf("vec = %v", vec)
	}
}
