package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PromptStore keeps every revision of an admin prompt; the newest wins.
type PromptStore interface {
	// LatestPrompt returns the newest text for kind. ok is false when the
	// kind was never set.
	LatestPrompt(ctx context.Context, kind string) (text string, ok bool, err error)
	// SetPrompt records a new revision for kind.
	SetPrompt(ctx context.Context, kind, text string) error
}

// LatestPrompt returns the most recently updated prompt of the given kind.
func (s *SQLiteStore) LatestPrompt(ctx context.Context, kind string) (string, bool, error) {
	const q = `
SELECT prompt_text FROM admin_prompts
WHERE  prompt_type = ?
ORDER  BY id DESC
LIMIT  1`
	var text string
	err := s.db.QueryRowContext(ctx, q, kind).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: latest prompt %q: %w", kind, err)
	}
	return text, true, nil
}

// SetPrompt appends a new revision of the prompt.
func (s *SQLiteStore) SetPrompt(ctx context.Context, kind, text string) error {
	const q = `INSERT INTO admin_prompts (prompt_type, prompt_text, updated_at) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, kind, text, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("store: set prompt %q: %w", kind, err)
	}
	return nil
}
