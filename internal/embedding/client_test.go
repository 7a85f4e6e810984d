package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestEmbedBatch(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/api/embed" {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			var req struct {
				Model string   `json:"model"`
				Input []string `json:"input"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode request: %v", err)
			}
			if req.Model != "test-model" {
				t.Errorf("unexpected model %q", req.Model)
			}
			out := make([][]float32, len(req.Input))
			for i := range out {
				out[i] = make([]float32, Dim)
				out[i][i] = 1
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": out})
		}))
		defer srv.Close()

		c := NewHTTPClient(srv.URL, "test-model")
		vecs, err := c.EmbedBatch(context.Background(), []string{"one", "two"})
		if err != nil {
			t.Fatalf("embed: %v", err)
		}
		if len(vecs) != 2 || len(vecs[0]) != Dim {
			t.Fatalf("unexpected shape: %d x %d", len(vecs), len(vecs[0]))
		}
	})

	t.Run("count mismatch", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float32{}})
		}))
		defer srv.Close()

		c := NewHTTPClient(srv.URL, "m")
		if _, err := c.EmbedBatch(context.Background(), []string{"one"}); err == nil {
			t.Fatal("expected error on count mismatch")
		}
	})

	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not loaded", http.StatusInternalServerError)
		}))
		defer srv.Close()

		c := NewHTTPClient(srv.URL, "m")
		if _, err := c.EmbedBatch(context.Background(), []string{"one"}); err == nil {
			t.Fatal("expected error on 500")
		}
	})

	t.Run("empty input", func(t *testing.T) {
		c := NewHTTPClient("http://unreachable", "m")
		vecs, err := c.EmbedBatch(context.Background(), nil)
		if err != nil || vecs != nil {
			t.Fatal("empty input must not hit the network")
		}
	})
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "m")
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health check: %v", err)
	}

	srv.Close()
	if err := c.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected error after shutdown")
	}
}

func TestNormalize(t *testing.T) {
	t.Run("scales to unit norm", func(t *testing.T) {
		v := []float32{3, 4}
		Normalize(v)
		norm := math.Sqrt(float64(v[0]*v[0] + v[1]*v[1]))
		if math.Abs(norm-1) > 1e-5 {
			t.Fatalf("expected unit norm, got %f", norm)
		}
	})

	t.Run("zero vector untouched", func(t *testing.T) {
		v := []float32{0, 0, 0}
		Normalize(v)
		for _, x := range v {
			if x != 0 {
				t.Fatal("zero vector must stay zero")
			}
		}
	})
}
