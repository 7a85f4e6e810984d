package source

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kiro-community/total-recall/internal/models"
)

func writeChat(t *testing.T, dir, name, content string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const chatJSON = `{
	"chat": [
		{"role": "user", "content": "how do I paginate results?", "timestamp": 1736899200000, "id": "msg-1"},
		{"role": "assistant", "content": [{"type": "text", "text": "Use offset and limit."}], "timestamp": 1736899260000},
		{"role": "user", "content": "<identity>You are an assistant</identity>"},
		{"type": "human", "text": "got it"}
	]
}`

func TestIDESessions(t *testing.T) {
	root := t.TempDir()
	writeChat(t, filepath.Join(root, "%2Fhome%2Fdev%2Fproj"), "session-a.chat", chatJSON)
	writeChat(t, filepath.Join(root, "plaindir"), "session-b.chat", `{"chat": []}`)

	r := NewIDEReader([]string{filepath.Join(root, "*", "*.chat")}, testLogger())
	sessions, err := r.Sessions()
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}

	byID := map[string]models.SessionInfo{}
	for _, s := range sessions {
		byID[s.SessionID] = s
	}
	if byID["session-a"].Workspace != "/home/dev/proj" {
		t.Fatalf("expected decoded workspace, got %q", byID["session-a"].Workspace)
	}
	if byID["session-b"].Workspace != "plaindir" {
		t.Fatalf("expected passthrough workspace, got %q", byID["session-b"].Workspace)
	}
	if byID["session-a"].Source != models.SourceIDE {
		t.Fatal("expected ide source")
	}
}

func TestIDESessionMessages(t *testing.T) {
	root := t.TempDir()
	writeChat(t, filepath.Join(root, "ws"), "session-a.chat", chatJSON)

	r := NewIDEReader([]string{filepath.Join(root, "*", "*.chat")}, testLogger())
	sessions, err := r.Sessions()
	if err != nil {
		t.Fatal(err)
	}

	msgs, err := r.SessionMessages(sessions[0])
	if err != nil {
		t.Fatalf("session messages: %v", err)
	}
	// The <identity> turn is skipped; the "human" turn normalizes to user.
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}

	if msgs[0].UUID != "msg-1" {
		t.Fatalf("expected document id kept, got %q", msgs[0].UUID)
	}
	if msgs[1].Role != models.RoleAssistant || msgs[1].Content != "Use offset and limit." {
		t.Fatalf("unexpected assistant message: %+v", msgs[1])
	}
	if msgs[2].Role != models.RoleUser || msgs[2].Content != "got it" {
		t.Fatalf("unexpected normalized human message: %+v", msgs[2])
	}

	// Synthesized UUIDs are deterministic across loads.
	again, err := r.SessionMessages(sessions[0])
	if err != nil {
		t.Fatal(err)
	}
	if msgs[2].UUID != again[2].UUID {
		t.Fatal("expected deterministic synthesized uuid")
	}
	if msgs[2].UUID == "" {
		t.Fatal("expected non-empty synthesized uuid")
	}
}

func TestIDEFallbackShapes(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"messages key", `{"messages": [{"role": "user", "content": "hi"}]}`},
		{"history key", `{"history": [{"role": "user", "content": "hi"}]}`},
		{"conversation wrapper", `{"conversation": {"messages": [{"role": "user", "content": "hi"}]}}`},
		{"bare array", `[{"role": "user", "content": "hi"}]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			root := t.TempDir()
			writeChat(t, filepath.Join(root, "ws"), "s.chat", tc.doc)

			r := NewIDEReader([]string{filepath.Join(root, "*", "*.chat")}, testLogger())
			sessions, err := r.Sessions()
			if err != nil {
				t.Fatal(err)
			}
			msgs, err := r.SessionMessages(sessions[0])
			if err != nil {
				t.Fatal(err)
			}
			if len(msgs) != 1 || msgs[0].Content != "hi" {
				t.Fatalf("expected one message, got %+v", msgs)
			}
		})
	}
}

func TestIDEUnparseableDocument(t *testing.T) {
	root := t.TempDir()
	writeChat(t, filepath.Join(root, "ws"), "bad.chat", "{broken")

	r := NewIDEReader([]string{filepath.Join(root, "*", "*.chat")}, testLogger())
	sessions, err := r.Sessions()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.SessionMessages(sessions[0]); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestIDEMissingDirectory(t *testing.T) {
	r := NewIDEReader([]string{filepath.Join(t.TempDir(), "absent", "*", "*.chat")}, testLogger())
	sessions, err := r.Sessions()
	if err != nil {
		t.Fatalf("missing directories are not errors, got %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected no sessions, got %d", len(sessions))
	}
}

func TestDecodeWorkspace(t *testing.T) {
	t.Run("percent encoded path", func(t *testing.T) {
		if got := DecodeWorkspace("%2Fhome%2Fdev%2Fproj"); got != "/home/dev/proj" {
			t.Fatalf("expected decoded path, got %q", got)
		}
	})
	t.Run("file uri", func(t *testing.T) {
		if got := DecodeWorkspace("file%3A%2F%2F%2Fhome%2Fdev"); got != "/home/dev" {
			t.Fatalf("expected stripped uri, got %q", got)
		}
	})
	t.Run("plain name", func(t *testing.T) {
		if got := DecodeWorkspace("myproject"); got != "myproject" {
			t.Fatalf("expected passthrough, got %q", got)
		}
	})
}
