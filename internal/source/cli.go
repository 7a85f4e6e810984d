package source

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kiro-community/total-recall/internal/models"
)

// CLIReader reads conversations from the CLI's relational store. Each row of
// the conversations table holds one full session serialized as JSON. The
// reader is strictly read-only: the database is opened in ro mode.
type CLIReader struct {
	path   string
	logger *slog.Logger
}

// NewCLIReader creates a reader over the database at path.
func NewCLIReader(path string, logger *slog.Logger) *CLIReader {
	return &CLIReader{path: path, logger: logger}
}

func (r *CLIReader) open() (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file:"+r.path+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open cli store: %w", err)
	}
	return db, nil
}

// Sessions lists all CLI sessions without reading message bodies.
func (r *CLIReader) Sessions() ([]models.SessionInfo, error) {
	db, err := r.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.Query("SELECT key, conversation_id, created_at, updated_at FROM conversations_v2")
	if err != nil {
		return nil, fmt.Errorf("list cli sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.SessionInfo
	for rows.Next() {
		var workspace, convID string
		var createdAt, updatedAt any
		if err := rows.Scan(&workspace, &convID, &createdAt, &updatedAt); err != nil {
			r.logger.Warn("skipping malformed cli session row", "error", err)
			continue
		}
		sessions = append(sessions, models.SessionInfo{
			SessionID: convID,
			Workspace: workspace,
			Created:   scanTimestamp(createdAt),
			Modified:  scanTimestamp(updatedAt),
			Source:    models.SourceCLI,
		})
	}
	if err := rows.Err(); err != nil {
		return sessions, fmt.Errorf("iterate cli sessions: %w", err)
	}
	return sessions, nil
}

// cliSession is the serialized session payload stored in the value column.
// Each history entry may carry a user turn, an assistant turn, or both.
type cliSession struct {
	History []map[string]cliTurn `json:"history"`
}

type cliTurn struct {
	Content   json.RawMessage `json:"content"`
	Timestamp any             `json:"timestamp"`
}

// SessionMessages loads and normalizes the turns of one CLI session. A
// malformed payload is an error for that session only; the caller skips it
// with a warning.
func (r *CLIReader) SessionMessages(info models.SessionInfo) ([]models.Message, error) {
	db, err := r.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var value []byte
	err = db.QueryRow(
		"SELECT value FROM conversations_v2 WHERE key = ? AND conversation_id = ?",
		info.Workspace, info.SessionID,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cli session %s: %w", info.SessionID, err)
	}

	var session cliSession
	if err := json.Unmarshal(value, &session); err != nil {
		return nil, fmt.Errorf("parse cli session %s: %w", info.SessionID, err)
	}

	var messages []models.Message
	for idx, entry := range session.History {
		for _, role := range []string{models.RoleUser, models.RoleAssistant} {
			turn, ok := entry[role]
			if !ok {
				continue
			}

			var content any
			if len(turn.Content) > 0 {
				if err := json.Unmarshal(turn.Content, &content); err != nil {
					r.logger.Warn("skipping unreadable cli turn",
						"session", info.SessionID, "turn", idx, "error", err)
					continue
				}
			}
			text := ExtractText(content)

			timestamp := ParseTimestamp(turn.Timestamp)
			if timestamp.IsZero() {
				timestamp = info.Created
			}

			messages = append(messages, models.Message{
				UUID:      fmt.Sprintf("%s-%d-%s", info.SessionID, idx, role),
				SessionID: info.SessionID,
				Workspace: info.Workspace,
				Timestamp: timestamp,
				Role:      role,
				Content:   text,
				Ordinal:   len(messages),
				Source:    models.SourceCLI,
			})
		}
	}
	return messages, nil
}

// scanTimestamp converts a timestamp column that may arrive as unix millis,
// an ISO string, or raw bytes.
func scanTimestamp(raw any) time.Time {
	if b, ok := raw.([]byte); ok {
		return parseTimeString(string(b))
	}
	return ParseTimestamp(raw)
}
