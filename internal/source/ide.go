package source

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/kiro-community/total-recall/internal/config"
	"github.com/kiro-community/total-recall/internal/models"
)

// IDEReader reads conversations from the IDE's per-session chat documents.
// Each document matched by the configured glob patterns holds one session;
// the parent directory name encodes the workspace.
type IDEReader struct {
	patterns []string
	logger   *slog.Logger

	// session key -> document path, populated by Sessions.
	files map[string]string
}

// NewIDEReader creates a reader over the given glob patterns.
func NewIDEReader(patterns []string, logger *slog.Logger) *IDEReader {
	return &IDEReader{
		patterns: patterns,
		logger:   logger,
		files:    make(map[string]string),
	}
}

// chatFiles returns the documents matched by the first pattern with any
// matches, sorted for determinism. Missing directories are not errors.
func (r *IDEReader) chatFiles() []string {
	for _, pattern := range r.patterns {
		matches, err := doublestar.FilepathGlob(config.ExpandPath(pattern))
		if err != nil {
			r.logger.Warn("bad ide glob pattern", "pattern", pattern, "error", err)
			continue
		}
		if len(matches) > 0 {
			sort.Strings(matches)
			return matches
		}
	}
	return nil
}

// Sessions lists all IDE sessions from the matched chat documents.
func (r *IDEReader) Sessions() ([]models.SessionInfo, error) {
	var sessions []models.SessionInfo
	for _, path := range r.chatFiles() {
		stat, err := os.Stat(path)
		if err != nil {
			r.logger.Debug("could not stat chat document", "path", path, "error", err)
			continue
		}

		sessionID := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		info := models.SessionInfo{
			SessionID: sessionID,
			Workspace: DecodeWorkspace(filepath.Base(filepath.Dir(path))),
			Modified:  stat.ModTime(),
			Source:    models.SourceIDE,
		}
		r.files[info.Key()] = path
		sessions = append(sessions, info)
	}
	return sessions, nil
}

// SessionMessages loads and normalizes the turns of one IDE session.
func (r *IDEReader) SessionMessages(info models.SessionInfo) ([]models.Message, error) {
	path, ok := r.files[info.Key()]
	if !ok {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chat document %s: %w", path, err)
	}

	turns, err := chatTurns(data)
	if err != nil {
		return nil, fmt.Errorf("parse chat document %s: %w", path, err)
	}

	var messages []models.Message
	for idx, raw := range turns {
		turn, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		role := normalizeRole(turn)
		if role == "" {
			continue
		}

		content, ok := turn["content"]
		if !ok {
			if content, ok = turn["text"]; !ok {
				content = turn["message"]
			}
		}
		text := ExtractText(content)

		// System prompts injected into the first user turn carry no
		// conversational signal.
		if role == models.RoleUser && strings.HasPrefix(text, "<identity>") {
			continue
		}

		timestamp := ParseTimestamp(turn["timestamp"])
		if timestamp.IsZero() {
			timestamp = ParseTimestamp(turn["created_at"])
		}
		if timestamp.IsZero() {
			timestamp = info.Modified
		}

		messages = append(messages, models.Message{
			UUID:      turnUUID(turn, info.SessionID, idx),
			SessionID: info.SessionID,
			Workspace: info.Workspace,
			Timestamp: timestamp,
			Role:      role,
			Content:   text,
			Ordinal:   idx,
			Source:    models.SourceIDE,
		})
	}
	return messages, nil
}

// chatTurns navigates the known document shapes: {"chat": [...]} is
// canonical, with {"messages"}, {"history"}, {"conversation": {"messages"}}
// and a bare top-level array as fallbacks.
func chatTurns(data []byte) ([]any, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	if list, ok := doc.([]any); ok {
		return list, nil
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected document shape")
	}

	for _, key := range []string{"chat", "messages", "history"} {
		if list, ok := obj[key].([]any); ok && len(list) > 0 {
			return list, nil
		}
	}
	if conv, ok := obj["conversation"].(map[string]any); ok {
		if list, ok := conv["messages"].([]any); ok {
			return list, nil
		}
	}
	return nil, nil
}

func normalizeRole(turn map[string]any) string {
	role, _ := turn["role"].(string)
	if role == "" {
		role, _ = turn["type"].(string)
	}
	switch role {
	case "user", "human":
		return models.RoleUser
	case "assistant", "ai":
		return models.RoleAssistant
	case models.RoleSystem, models.RoleTool:
		return role
	}
	return ""
}

// turnUUID prefers the document's own id; absent that it synthesizes a
// stable identifier from (session_id, ordinal).
func turnUUID(turn map[string]any, sessionID string, idx int) string {
	if id, ok := turn["id"].(string); ok && id != "" {
		return id
	}
	if id, ok := turn["uuid"].(string); ok && id != "" {
		return id
	}
	name := fmt.Sprintf("%s/%d", sessionID, idx)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// DecodeWorkspace maps an encoded storage directory name back to a workspace
// path. The IDE percent-encodes the workspace folder URI into the directory
// name; plain directory names pass through unchanged.
func DecodeWorkspace(dir string) string {
	decoded, err := url.PathUnescape(dir)
	if err != nil {
		return dir
	}
	decoded = strings.TrimPrefix(decoded, "file://")
	return decoded
}
