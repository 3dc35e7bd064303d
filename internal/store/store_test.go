package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// appendTurns stores alternating question/answer turns.
func appendTurns(t *testing.T, s *SQLiteStore, session string, texts ...string) {
	t.Helper()
	for i, text := range texts {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		if err := s.Append(context.Background(), session, role, text); err != nil {
			t.Fatalf("append %q: %v", text, err)
		}
	}
}

func contents(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestOpen_MigratesToLatest(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "casechat.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	v, err := s.SchemaVersion(context.Background())
	if err != nil || v != len(migrations) {
		t.Fatalf("schema version = %d, %v; want %d", v, err, len(migrations))
	}
	appendTurns(t, s, "sess-1", "What is the notice period?")
	_ = s.Close()

	// Reopening must not re-run migrations or lose data.
	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s.Close() }()
	msgs, err := s.Recent(context.Background(), "sess-1", 5)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("after reopen: %v, %v", msgs, err)
	}
}

func TestOpen_RejectsNewerSchema(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "future.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", len(migrations)+1)); err != nil {
		t.Fatalf("bump version: %v", err)
	}
	_ = s.Close()

	if _, err := Open(path); err == nil {
		t.Fatal("expected an error opening a database from a newer release")
	}
}

func TestRecent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	appendTurns(t, s, "case-42",
		"Who signed the lease?",
		"The tenant and the landlord's agent.",
		"When does it expire?",
		"On 30 June 2025.",
	)
	appendTurns(t, s, "case-7", "Summarise the claim.")

	msgs, err := s.Recent(ctx, "case-42", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	want := []string{"Who signed the lease?", "The tenant and the landlord's agent.", "When does it expire?", "On 30 June 2025."}
	if got := contents(msgs); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("turns = %q, want %q", got, want)
	}
	if msgs[0].Role != RoleUser || msgs[1].Role != RoleAssistant {
		t.Errorf("roles = %s, %s", msgs[0].Role, msgs[1].Role)
	}
	if msgs[0].CreatedAt.IsZero() {
		t.Error("CreatedAt not populated")
	}

	// The limit keeps the newest turns, still oldest first.
	msgs, err = s.Recent(ctx, "case-42", 2)
	if err != nil {
		t.Fatalf("recent limited: %v", err)
	}
	if got := contents(msgs); fmt.Sprint(got) != fmt.Sprint(want[2:]) {
		t.Errorf("limited turns = %q, want %q", got, want[2:])
	}

	msgs, err = s.Recent(ctx, "never-seen", 10)
	if err != nil || len(msgs) != 0 {
		t.Errorf("unknown session: %v, %v", msgs, err)
	}
}

func TestSessionsAndDelete(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	appendTurns(t, s, "older", "q1", "a1", "q2")
	appendTurns(t, s, "newer", "q1")

	sums, err := s.Sessions(ctx, 10)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(sums) != 2 || sums[0].ID != "newer" || sums[1].ID != "older" {
		t.Fatalf("sessions = %+v, want newer then older", sums)
	}
	if sums[1].Messages != 3 || sums[1].LastAt.Before(sums[1].FirstAt) {
		t.Errorf("older summary = %+v", sums[1])
	}

	n, err := s.DeleteSession(ctx, "older")
	if err != nil || n != 3 {
		t.Fatalf("delete = %d, %v; want 3", n, err)
	}
	sums, _ = s.Sessions(ctx, 10)
	if len(sums) != 1 || sums[0].ID != "newer" {
		t.Errorf("after delete = %+v", sums)
	}
}

func TestAppend_RejectsSystemRole(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	if err := s.Append(context.Background(), "sess", Role("system"), "prompt"); err == nil {
		t.Error("system prompts are not conversation turns and must be rejected")
	}
}

func TestPrompts_NewestRevisionWins(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.LatestPrompt(ctx, "system"); err != nil || ok {
		t.Fatalf("unset prompt: ok=%v err=%v", ok, err)
	}
	for _, rev := range []string{"You assist lawyers.", "You assist lawyers. Cite files.", "Answer only from context."} {
		if err := s.SetPrompt(ctx, "system", rev); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	if err := s.SetPrompt(ctx, "paraphrase", "Rephrase the question."); err != nil {
		t.Fatalf("set paraphrase: %v", err)
	}

	if got, ok, err := s.LatestPrompt(ctx, "system"); err != nil || !ok || got != "Answer only from context." {
		t.Errorf("system = %q, %v, %v", got, ok, err)
	}
	if got, _, _ := s.LatestPrompt(ctx, "paraphrase"); got != "Rephrase the question." {
		t.Errorf("paraphrase = %q", got)
	}
}

func TestPing(t *testing.T) {
	t.Parallel()
	if err := openTestStore(t).Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
