package loader

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"

	"github.com/kiro-community/total-recall/internal/config"
	"github.com/kiro-community/total-recall/internal/models"
	"github.com/kiro-community/total-recall/internal/source"
)

// Reader yields canonical messages from one conversation store.
type Reader interface {
	Sessions() ([]models.SessionInfo, error)
	SessionMessages(models.SessionInfo) ([]models.Message, error)
}

// Loader merges both source readers into one canonical corpus. A source that
// is disabled or whose store is missing simply contributes nothing; the
// other source still proceeds.
type Loader struct {
	cli              Reader
	ide              Reader
	maxContentLength int
	logger           *slog.Logger
}

// New wires a loader from configuration.
func New(cfg *config.Config, logger *slog.Logger) *Loader {
	l := &Loader{
		maxContentLength: cfg.Indexing.MaxContentLength,
		logger:           logger,
	}
	if cfg.Sources.CLI.Enabled {
		if path := cfg.Sources.CLI.DatabasePath(); path != "" {
			l.cli = source.NewCLIReader(path, logger)
		} else {
			logger.Debug("cli store not found, source disabled")
		}
	}
	if cfg.Sources.IDE.Enabled {
		l.ide = source.NewIDEReader(cfg.Sources.IDE.Patterns, logger)
	}
	return l
}

// NewFromReaders builds a loader over explicit readers; tests use this to
// run against fixture stores.
func NewFromReaders(cli, ide Reader, maxContentLength int, logger *slog.Logger) *Loader {
	return &Loader{cli: cli, ide: ide, maxContentLength: maxContentLength, logger: logger}
}

// ListSessions lists sessions from every enabled source, newest first. A
// source that fails to list is logged and skipped.
func (l *Loader) ListSessions() []models.SessionInfo {
	var sessions []models.SessionInfo
	for _, r := range []Reader{l.cli, l.ide} {
		if r == nil {
			continue
		}
		listed, err := r.Sessions()
		if err != nil {
			l.logger.Warn("source unavailable", "error", err)
			continue
		}
		sessions = append(sessions, listed...)
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].TimestampFallback().After(sessions[j].TimestampFallback())
	})
	return sessions
}

// LoadMessages loads, normalizes, and orders the messages of the given
// sessions. Messages with empty content, content over the configured
// maximum, or an unknown role are dropped. The returned fingerprints map
// session keys to their change-detection digests.
func (l *Loader) LoadMessages(sessions []models.SessionInfo) ([]models.Message, map[string]string) {
	var all []models.Message
	fingerprints := make(map[string]string, len(sessions))

	for _, info := range sessions {
		r := l.readerFor(info.Source)
		if r == nil {
			continue
		}
		msgs, err := r.SessionMessages(info)
		if err != nil {
			l.logger.Warn("skipping unreadable session",
				"session", info.SessionID, "source", info.Source, "error", err)
			continue
		}

		kept := msgs[:0]
		for _, m := range msgs {
			if m.Content == "" || !models.ValidRole(m.Role) {
				continue
			}
			if l.maxContentLength > 0 && len(m.Content) > l.maxContentLength {
				continue
			}
			m.ContentHash = models.ContentHash(m.Content)
			kept = append(kept, m)
		}

		fingerprints[info.Key()] = Fingerprint(info, kept)
		all = append(all, kept...)
	}

	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.SessionID != b.SessionID {
			return a.SessionID < b.SessionID
		}
		return a.Ordinal < b.Ordinal
	})
	return all, fingerprints
}

func (l *Loader) readerFor(src models.Source) Reader {
	switch src {
	case models.SourceCLI:
		return l.cli
	case models.SourceIDE:
		return l.ide
	}
	return nil
}

// Fingerprint digests a session's identity, message count, last timestamp,
// and last content hash. One comparison per session decides whether the
// index must re-embed it.
func Fingerprint(info models.SessionInfo, msgs []models.Message) string {
	var lastTS int64
	lastHash := ""
	if len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		lastTS = last.Timestamp.UnixMilli()
		lastHash = last.ContentHash
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%d|%s", info.Key(), len(msgs), lastTS, lastHash)
	return hex.EncodeToString(h.Sum(nil))
}
