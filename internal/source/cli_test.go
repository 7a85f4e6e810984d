package source

import (
	"database/sql"
	"log/slog"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kiro-community/total-recall/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// newFixtureDB creates a CLI store with the conversations_v2 schema.
func newFixtureDB(t *testing.T) (string, *sql.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.sqlite3")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE conversations_v2 (
		key TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		value TEXT NOT NULL,
		created_at INTEGER,
		updated_at INTEGER
	)`)
	if err != nil {
		t.Fatal(err)
	}
	return path, db
}

func insertSession(t *testing.T, db *sql.DB, workspace, convID, value string, created, updated int64) {
	t.Helper()
	_, err := db.Exec(
		"INSERT INTO conversations_v2 (key, conversation_id, value, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		workspace, convID, value, created, updated,
	)
	if err != nil {
		t.Fatal(err)
	}
}

const sessionJSON = `{
	"history": [
		{
			"user": {"content": {"Prompt": {"prompt": "refactor the database schema"}}, "timestamp": 1736899200000},
			"assistant": {"content": [{"type": "text", "text": "Sure, here is a plan."}], "timestamp": 1736899260000}
		},
		{
			"user": {"content": "thanks"}
		}
	]
}`

func TestCLISessions(t *testing.T) {
	path, db := newFixtureDB(t)
	insertSession(t, db, "/home/dev/proj", "conv-1", sessionJSON, 1736899200000, 1736899260000)
	insertSession(t, db, "/home/dev/other", "conv-2", `{"history": []}`, 1736899300000, 1736899300000)

	r := NewCLIReader(path, testLogger())
	sessions, err := r.Sessions()
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].SessionID != "conv-1" || sessions[0].Workspace != "/home/dev/proj" {
		t.Fatalf("unexpected first session: %+v", sessions[0])
	}
	if sessions[0].Source != models.SourceCLI {
		t.Fatalf("expected cli source, got %s", sessions[0].Source)
	}
	if sessions[0].Modified.IsZero() {
		t.Fatal("expected modified timestamp")
	}
}

func TestCLISessionMessages(t *testing.T) {
	path, db := newFixtureDB(t)
	insertSession(t, db, "/home/dev/proj", "conv-1", sessionJSON, 1736899200000, 1736899260000)

	r := NewCLIReader(path, testLogger())
	sessions, err := r.Sessions()
	if err != nil {
		t.Fatal(err)
	}

	msgs, err := r.SessionMessages(sessions[0])
	if err != nil {
		t.Fatalf("session messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}

	first := msgs[0]
	if first.Role != models.RoleUser {
		t.Fatalf("expected user role, got %s", first.Role)
	}
	if first.Content != "refactor the database schema" {
		t.Fatalf("unexpected content: %q", first.Content)
	}
	if first.UUID != "conv-1-0-user" {
		t.Fatalf("unexpected uuid: %q", first.UUID)
	}
	if first.Workspace != "/home/dev/proj" {
		t.Fatalf("unexpected workspace: %q", first.Workspace)
	}

	second := msgs[1]
	if second.Role != models.RoleAssistant || second.Content != "Sure, here is a plan." {
		t.Fatalf("unexpected second message: %+v", second)
	}

	// The third turn has no timestamp; it falls back to the session's.
	third := msgs[2]
	if third.Timestamp.IsZero() {
		t.Fatal("expected fallback timestamp")
	}
	if third.Ordinal != 2 {
		t.Fatalf("expected ordinal 2, got %d", third.Ordinal)
	}
}

func TestCLIMalformedSession(t *testing.T) {
	path, db := newFixtureDB(t)
	insertSession(t, db, "/w", "bad", "{not json", 1, 1)

	r := NewCLIReader(path, testLogger())
	sessions, err := r.Sessions()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.SessionMessages(sessions[0]); err == nil {
		t.Fatal("expected parse error for malformed payload")
	}
}

func TestCLIMissingDatabase(t *testing.T) {
	r := NewCLIReader(filepath.Join(t.TempDir(), "nope.sqlite3"), testLogger())
	if _, err := r.Sessions(); err == nil {
		t.Fatal("expected error for unreachable database")
	}
}

func TestCLIMissingSessionRow(t *testing.T) {
	path, _ := newFixtureDB(t)
	r := NewCLIReader(path, testLogger())
	msgs, err := r.SessionMessages(models.SessionInfo{
		SessionID: "ghost", Workspace: "/w", Source: models.SourceCLI,
	})
	if err != nil {
		t.Fatalf("expected no error for missing row, got %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages, got %d", len(msgs))
	}
}
