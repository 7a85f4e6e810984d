package query

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/kiro-community/total-recall/internal/config"
	"github.com/kiro-community/total-recall/internal/index"
	"github.com/kiro-community/total-recall/internal/models"
)

// Result content is truncated to this many runes in tool payloads; the
// index itself keeps full text.
const maxContentRunes = 2000

// Params describes one search. A zero MaxResults means "use the configured
// default"; ContextSize and Threshold take the configured default unless
// ContextSizeSet / ThresholdSet is true.
type Params struct {
	Query     string
	Workspace string        // equality filter; "" disables it
	Source    models.Source // "" matches both sources
	After     *time.Time    // inclusive lower bound
	Before    *time.Time    // exclusive upper bound

	ContextSize int
	Threshold   float64
	MaxResults  int
	Offset      int

	// Set when the caller passed the field explicitly, so zero can be
	// distinguished from absent.
	ContextSizeSet bool
	ThresholdSet   bool
}

// Engine scores a snapshot against a query and assembles scoped, paginated,
// context-bearing results.
type Engine struct {
	index  *index.Index
	cfg    *config.Config
	logger *slog.Logger
}

// NewEngine creates a query engine over idx.
func NewEngine(idx *index.Index, cfg *config.Config, logger *slog.Logger) *Engine {
	return &Engine{index: idx, cfg: cfg, logger: logger}
}

type scoredHit struct {
	idx   int // position in the snapshot
	score float64
}

// Search runs the full pipeline: validate, refresh, filter, score, dedup,
// paginate, and attach context windows.
func (e *Engine) Search(ctx context.Context, p Params) (*models.SearchResponse, error) {
	if err := e.applyDefaults(&p); err != nil {
		return nil, err
	}

	snap, err := e.index.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if snap.Len() == 0 {
		return e.respond(p, snap, nil, 0), nil
	}

	queryVec, err := e.index.EmbedQuery(ctx, p.Query)
	if err != nil {
		return nil, err
	}

	// Filter and score in one pass. Both sides are unit-norm, so the dot
	// product is the cosine.
	var hits []scoredHit
	for i, m := range snap.Messages {
		if !matchesFilters(m, p) {
			continue
		}
		score := dot(queryVec, snap.Embeddings[i])
		if score < p.Threshold {
			continue
		}
		hits = append(hits, scoredHit{idx: i, score: score})
	}

	sortHits(snap, hits)
	deduped := dedupe(snap, hits)

	total := len(deduped)
	page := paginate(deduped, p.Offset, p.MaxResults)

	results := make([]models.SearchResult, 0, len(page))
	for _, h := range page {
		results = append(results, e.buildResult(snap, h, p.ContextSize))
	}
	return e.respond(p, snap, results, total), nil
}

func (e *Engine) applyDefaults(p *Params) error {
	if p.Query == "" {
		return fmt.Errorf("query must not be empty")
	}
	if !p.ContextSizeSet {
		p.ContextSize = e.cfg.Search.DefaultContextWindow
	}
	if !p.ThresholdSet {
		p.Threshold = e.cfg.Search.DefaultThreshold
	}
	if p.MaxResults == 0 {
		p.MaxResults = e.cfg.Search.DefaultMaxResults
	}

	if p.Threshold < 0 || p.Threshold > 1 {
		return fmt.Errorf("threshold must be in [0, 1], got %g", p.Threshold)
	}
	if p.ContextSize < 0 {
		return fmt.Errorf("context_size must be >= 0, got %d", p.ContextSize)
	}
	if p.MaxResults < 1 {
		return fmt.Errorf("max_results must be >= 1, got %d", p.MaxResults)
	}
	if p.Offset < 0 {
		return fmt.Errorf("offset must be >= 0, got %d", p.Offset)
	}
	if p.Source != "" && !p.Source.IsValid() {
		return fmt.Errorf("source must be cli or ide, got %q", p.Source)
	}
	return nil
}

func matchesFilters(m models.Message, p Params) bool {
	if p.Workspace != "" && m.Workspace != p.Workspace {
		return false
	}
	if p.Source != "" && m.Source != p.Source {
		return false
	}
	if p.After != nil && m.Timestamp.Before(*p.After) {
		return false
	}
	if p.Before != nil && !m.Timestamp.Before(*p.Before) {
		return false
	}
	return true
}

// sortHits orders by score descending; equal scores go newest first, then
// by (source, session_id, uuid) so the order is fully deterministic.
func sortHits(snap *index.Snapshot, hits []scoredHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		a, b := snap.Messages[hits[i].idx], snap.Messages[hits[j].idx]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.SessionID != b.SessionID {
			return a.SessionID < b.SessionID
		}
		return a.UUID < b.UUID
	})
}

// dedupe suppresses any later hit whose (content_hash, role) matches an
// earlier kept hit.
func dedupe(snap *index.Snapshot, hits []scoredHit) []scoredHit {
	seen := make(map[string]bool, len(hits))
	kept := hits[:0]
	for _, h := range hits {
		m := snap.Messages[h.idx]
		key := m.ContentHash + "\x00" + m.Role
		if seen[key] {
			continue
		}
		seen[key] = true
		kept = append(kept, h)
	}
	return kept
}

func paginate(hits []scoredHit, offset, maxResults int) []scoredHit {
	if offset >= len(hits) {
		return nil
	}
	end := min(offset+maxResults, len(hits))
	return hits[offset:end]
}

// buildResult assembles the context window around a hit: contextSize
// messages before and after within the same session, truncated at session
// boundaries, in original order.
func (e *Engine) buildResult(snap *index.Snapshot, h scoredHit, contextSize int) models.SearchResult {
	m := snap.Messages[h.idx]

	indices := snap.SessionIndices(string(m.Source) + ":" + m.SessionID)
	pos := 0
	for i, idx := range indices {
		if idx == h.idx {
			pos = i
			break
		}
	}

	start := max(0, pos-contextSize)
	end := min(len(indices), pos+contextSize+1)

	context := make([]models.ContextMessage, 0, end-start)
	for _, idx := range indices[start:end] {
		cm := snap.Messages[idx]
		context = append(context, models.ContextMessage{
			Role:      cm.Role,
			Content:   truncate(cm.Content),
			Timestamp: cm.Timestamp,
			IsMatch:   idx == h.idx,
		})
	}

	return models.SearchResult{
		MatchedMessage: models.MatchedMessage{
			Role:      m.Role,
			Content:   truncate(m.Content),
			Timestamp: m.Timestamp,
			Workspace: m.Workspace,
			SessionID: m.SessionID,
			UUID:      m.UUID,
			Source:    m.Source,
		},
		Score:   math.Round(h.score*10000) / 10000,
		Context: context,
	}
}

func (e *Engine) respond(p Params, snap *index.Snapshot, results []models.SearchResult, total int) *models.SearchResponse {
	if results == nil {
		results = []models.SearchResult{}
	}
	hasMore := p.Offset+len(results) < total
	return &models.SearchResponse{
		Results:          results,
		Query:            p.Query,
		TotalMatches:     total,
		Offset:           p.Offset,
		HasMore:          hasMore,
		ExcludedSessions: snap.ExcludedSessions,
		Hint:             hint(total, p.Offset, len(results), p.MaxResults, hasMore),
	}
}

func hint(total, offset, count, maxResults int, hasMore bool) string {
	if total == 0 {
		return "No matches found. Try different search terms."
	}
	start, end := offset+1, offset+count
	if hasMore {
		return fmt.Sprintf("Showing %d-%d of %d. Use offset: %d for more.", start, end, total, offset+maxResults)
	}
	if start == 1 {
		return fmt.Sprintf("Showing all %d matches.", total)
	}
	return fmt.Sprintf("Showing %d-%d of %d (final page).", start, end, total)
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= maxContentRunes {
		return s
	}
	return string(runes[:maxContentRunes-3]) + "..."
}

// ParseDateFilter parses an ISO 8601 date or datetime string into a filter
// bound. Empty input means no bound.
func ParseDateFilter(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	for _, layout := range []string{
		"2006-01-02",
		time.RFC3339,
		"2006-01-02T15:04:05",
	} {
		if t, err := time.Parse(layout, value); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid date format: %s (use ISO 8601, e.g. 2025-01-15)", value)
}
