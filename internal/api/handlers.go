package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/kiro-community/total-recall/internal/embedding"
	"github.com/kiro-community/total-recall/internal/index"
	"github.com/kiro-community/total-recall/internal/models"
	"github.com/kiro-community/total-recall/internal/query"
)

// HealthResponse reports service readiness.
type HealthResponse struct {
	Status          string       `json:"status"`
	Embedder        ServiceCheck `json:"embedder"`
	IndexedMessages int          `json:"indexedMessages"`
}

type ServiceCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type HealthHandler struct {
	embedder *embedding.HTTPClient
	index    *index.Index
}

func NewHealthHandler(embedder *embedding.HTTPClient, idx *index.Index) *HealthHandler {
	return &HealthHandler{embedder: embedder, index: idx}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.embedder.HealthCheck(ctx); err != nil {
		resp.Embedder = ServiceCheck{Status: "error", Message: err.Error()}
		resp.Status = "degraded"
	} else {
		resp.Embedder = ServiceCheck{Status: "ok"}
	}

	if snap := h.index.Current(); snap != nil {
		resp.IndexedMessages = snap.Len()
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// SearchRequest is the payload for POST /search.
type SearchRequest struct {
	Query       string   `json:"query"`
	Workspace   string   `json:"workspace"`
	Source      string   `json:"source"`
	After       string   `json:"after"`
	Before      string   `json:"before"`
	ContextSize *int     `json:"contextSize"`
	Threshold   *float64 `json:"threshold"`
	MaxResults  int      `json:"maxResults"`
	Offset      int      `json:"offset"`
}

type SearchHandler struct {
	engine *query.Engine
}

func NewSearchHandler(engine *query.Engine) *SearchHandler {
	return &SearchHandler{engine: engine}
}

func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	params := query.Params{
		Query:      req.Query,
		Workspace:  req.Workspace,
		Source:     models.Source(req.Source),
		MaxResults: req.MaxResults,
		Offset:     req.Offset,
	}
	if req.ContextSize != nil {
		params.ContextSize = *req.ContextSize
		params.ContextSizeSet = true
	}
	if req.Threshold != nil {
		params.Threshold = *req.Threshold
		params.ThresholdSet = true
	}

	after, err := query.ParseDateFilter(req.After)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	params.After = after

	before, err := query.ParseDateFilter(req.Before)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	params.Before = before

	resp, err := h.engine.Search(r.Context(), params)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
