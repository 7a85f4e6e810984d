package index

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kiro-community/total-recall/internal/config"
	"github.com/kiro-community/total-recall/internal/embedding"
	"github.com/kiro-community/total-recall/internal/loader"
	"github.com/kiro-community/total-recall/internal/models"
)

// Texts are embedded in batches of this size.
const embedBatchSize = 100

// Snapshot is an immutable read-view of the index: the ordered message list
// and a parallel matrix of unit-norm embeddings. Concurrent queries share
// one snapshot; a refresh produces a new one and swaps the pointer.
type Snapshot struct {
	Messages         []models.Message
	Embeddings       [][]float32
	ExcludedSessions int

	// session key -> indices into Messages, in session order.
	sessions map[string][]int
}

// Len returns the number of indexed messages.
func (s *Snapshot) Len() int {
	return len(s.Messages)
}

// SessionIndices returns the positions of a session's messages within the
// snapshot, ordered by the session's own sequence.
func (s *Snapshot) SessionIndices(key string) []int {
	return s.sessions[key]
}

// Index maintains the current corpus, the content-addressed vector cache,
// and the persisted artifact. One writer refreshes at a time; readers
// observe whole snapshots only.
type Index struct {
	loader   *loader.Loader
	embedder embedding.Client
	cache    *CacheStore
	cfg      *config.Config
	logger   *slog.Logger

	refreshMu sync.Mutex // serializes the build/refresh protocol

	mu       sync.RWMutex // guards snapshot
	snapshot *Snapshot

	loaded       bool
	vectors      map[string][]float32
	fingerprints map[string]string
}

// New creates an index over the given loader and embedder.
func New(cfg *config.Config, l *loader.Loader, embedder embedding.Client, logger *slog.Logger) *Index {
	return &Index{
		loader:   l,
		embedder: embedder,
		cache:    NewCacheStore(cfg.Embedding.CachePath(), cfg.Embedding.Model, embedding.Dim, logger),
		cfg:      cfg,
		logger:   logger,
	}
}

// Current returns the latest snapshot without refreshing, or nil if none
// has been built yet.
func (ix *Index) Current() *Snapshot {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.snapshot
}

// Snapshot reconciles the index with the conversation stores and returns a
// read-only view. The conversation stores are re-read on every call; when no
// session changed since the last build, the existing snapshot is returned
// without calling the embedder or rewriting the persisted cache.
//
// In-flight embedding and persistence run to completion even if ctx is
// cancelled; they advance durable state and must not leave it inconsistent.
func (ix *Index) Snapshot(ctx context.Context) (*Snapshot, error) {
	ix.refreshMu.Lock()
	defer ix.refreshMu.Unlock()

	if !ix.loaded {
		ix.vectors, ix.fingerprints = ix.cache.Load()
		ix.loaded = true
	}

	sessions := ix.loader.ListSessions()
	limit := ix.cfg.MemoryLimitBytes(physicalMemory())
	selected, excluded := selectWithinBudget(sessions, limit)
	if limit > 0 && len(selected) == 0 && len(sessions) > 0 {
		return nil, fmt.Errorf("memory limit %d bytes cannot fit even one session; raise memory.limit_mb or set %s", limit, config.MemoryLimitDisabledEnv)
	}
	if len(excluded) > 0 {
		ix.logger.Warn("memory limit reached, excluding oldest sessions", "excluded", len(excluded))
	}

	msgs, fingerprints := ix.loader.LoadMessages(selected)

	current := ix.Current()
	if current != nil && sameFingerprints(fingerprints, ix.fingerprints) {
		return current, nil
	}

	ix.logger.Info("refreshing index",
		"sessions", len(selected),
		"excluded", len(excluded),
		"messages", len(msgs),
		"cli", countBySource(msgs, models.SourceCLI),
		"ide", countBySource(msgs, models.SourceIDE))

	// Durable state must advance consistently even if the caller goes away.
	refreshCtx := context.WithoutCancel(ctx)

	newCount, err := ix.embedMissing(refreshCtx, msgs)
	if err != nil {
		if current != nil {
			ix.logger.Warn("refresh aborted, serving previous snapshot", "error", err)
			return current, nil
		}
		return nil, fmt.Errorf("build index: %w", err)
	}

	ix.collectGarbage(msgs)
	ix.fingerprints = fingerprints

	if err := ix.cache.Save(ix.vectors, ix.fingerprints); err != nil {
		ix.logger.Warn("could not persist embedding cache", "error", err)
	} else if newCount > 0 {
		ix.logger.Info("embedding cache persisted", "new", newCount)
	}

	snap, err := ix.materialize(msgs, len(excluded))
	if err != nil {
		return nil, err
	}

	ix.mu.Lock()
	ix.snapshot = snap
	ix.mu.Unlock()
	return snap, nil
}

// embedMissing embeds every message whose content hash is absent from the
// cache, in batches, and returns how many new vectors were produced.
func (ix *Index) embedMissing(ctx context.Context, msgs []models.Message) (int, error) {
	var hashes []string
	var texts []string
	seen := make(map[string]bool)
	for _, m := range msgs {
		if seen[m.ContentHash] {
			continue
		}
		seen[m.ContentHash] = true
		if _, ok := ix.vectors[m.ContentHash]; ok {
			continue
		}
		hashes = append(hashes, m.ContentHash)
		texts = append(texts, m.Content)
	}
	if len(texts) == 0 {
		return 0, nil
	}

	ix.logger.Info("embedding new messages", "count", len(texts))
	for start := 0; start < len(texts); start += embedBatchSize {
		end := min(start+embedBatchSize, len(texts))
		batch, err := ix.embedder.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return 0, fmt.Errorf("embed batch: %w", err)
		}
		for i, vec := range batch {
			if len(vec) != embedding.Dim {
				return 0, fmt.Errorf("embed batch: expected %d dims, got %d", embedding.Dim, len(vec))
			}
			embedding.Normalize(vec)
			ix.vectors[hashes[start+i]] = vec
		}
	}
	return len(texts), nil
}

// collectGarbage drops cache entries no longer referenced by any message.
func (ix *Index) collectGarbage(msgs []models.Message) {
	referenced := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		referenced[m.ContentHash] = true
	}
	for hash := range ix.vectors {
		if !referenced[hash] {
			delete(ix.vectors, hash)
		}
	}
}

// materialize stacks each message's vector into the snapshot matrix. Every
// message must have a vector by now; a hole means the build is broken.
func (ix *Index) materialize(msgs []models.Message, excludedSessions int) (*Snapshot, error) {
	snap := &Snapshot{
		Messages:         msgs,
		Embeddings:       make([][]float32, len(msgs)),
		ExcludedSessions: excludedSessions,
		sessions:         make(map[string][]int),
	}
	for i, m := range msgs {
		vec, ok := ix.vectors[m.ContentHash]
		if !ok {
			return nil, fmt.Errorf("missing embedding for message %s", m.UUID)
		}
		snap.Embeddings[i] = vec
		key := string(m.Source) + ":" + m.SessionID
		snap.sessions[key] = append(snap.sessions[key], i)
	}
	return snap, nil
}

// EmbedQuery embeds a single query string with the same model and
// normalizes the result. Failures here are transient and surface to the
// caller; index state is untouched.
func (ix *Index) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vecs, err := ix.embedder.EmbedBatch(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 || len(vecs[0]) != embedding.Dim {
		return nil, fmt.Errorf("embed query: unexpected response shape")
	}
	embedding.Normalize(vecs[0])
	return vecs[0], nil
}

func sameFingerprints(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func countBySource(msgs []models.Message, src models.Source) int {
	n := 0
	for _, m := range msgs {
		if m.Source == src {
			n++
		}
	}
	return n
}
