package index

import (
	"encoding/gob"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

const (
	cacheFileName = "embeddings.gob"
	lockFileName  = "embeddings.lock"
)

// cacheArtifact is the on-disk form of the embedding cache. The model
// identifier and dimensionality guard the payload: a mismatch with the
// configured model discards the whole artifact.
type cacheArtifact struct {
	Model        string
	Dim          int
	Vectors      map[string][]float32
	Fingerprints map[string]string
}

// CacheStore persists the content-addressed vector cache as a single
// artifact. Writers go through a temporary sibling file and an atomic
// rename, serialized across processes by an advisory lock; readers only
// ever see a fully-renamed file.
type CacheStore struct {
	dir    string
	model  string
	dim    int
	logger *slog.Logger
}

// NewCacheStore creates a store rooted at dir for the given model.
func NewCacheStore(dir, model string, dim int, logger *slog.Logger) *CacheStore {
	return &CacheStore{dir: dir, model: model, dim: dim, logger: logger}
}

func (s *CacheStore) cachePath() string {
	return filepath.Join(s.dir, cacheFileName)
}

func (s *CacheStore) lockPath() string {
	return filepath.Join(s.dir, lockFileName)
}

// Load reads the persisted cache. Corruption or a model mismatch yields an
// empty cache and a one-time rebuild, never an error.
func (s *CacheStore) Load() (map[string][]float32, map[string]string) {
	empty := func() (map[string][]float32, map[string]string) {
		return make(map[string][]float32), make(map[string]string)
	}

	f, err := os.Open(s.cachePath())
	if err != nil {
		return empty()
	}
	defer f.Close()

	var artifact cacheArtifact
	if err := gob.NewDecoder(f).Decode(&artifact); err != nil {
		s.logger.Warn("embedding cache unreadable, rebuilding", "error", err)
		return empty()
	}
	if artifact.Model != s.model || artifact.Dim != s.dim {
		s.logger.Info("embedding cache model mismatch, rebuilding",
			"cached", artifact.Model, "configured", s.model)
		return empty()
	}
	if artifact.Vectors == nil {
		artifact.Vectors = make(map[string][]float32)
	}
	if artifact.Fingerprints == nil {
		artifact.Fingerprints = make(map[string]string)
	}
	return artifact.Vectors, artifact.Fingerprints
}

// Save writes the cache atomically: encode to a temp sibling, rename over
// the canonical path. The advisory lock serializes concurrent writers; a
// crash at any point leaves either the old or the new state on disk.
func (s *CacheStore) Save(vectors map[string][]float32, fingerprints map[string]string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	lock := flock.New(s.lockPath())
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire cache lock: %w", err)
	}
	defer lock.Unlock()

	tmpPath := fmt.Sprintf("%s.tmp.%d", s.cachePath(), os.Getpid())
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create cache temp file: %w", err)
	}

	artifact := cacheArtifact{
		Model:        s.model,
		Dim:          s.dim,
		Vectors:      vectors,
		Fingerprints: fingerprints,
	}
	if err := gob.NewEncoder(f).Encode(&artifact); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("encode cache: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("flush cache: %w", err)
	}

	if err := os.Rename(tmpPath, s.cachePath()); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace cache: %w", err)
	}
	return nil
}
