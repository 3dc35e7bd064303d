// Package session holds the per-conversation chat log the retrieval and
// generation steps read from and append to.
//
// A Session is an append-only ordered list of turns that starts with exactly
// one system turn. At most one assistant turn is in progress at a time; the
// writer handed out by BeginAssistant is invalidated as soon as the session
// moves on, so an abandoned stream can never write into a newer turn.
package session

import (
	"sync"
)

// Role identifies the author of a turn.
type Role string

const (
	// RoleSystem carries the system prompt. Never replayed to the model as history.
	RoleSystem Role = "system"
	// RoleUser is a question from the person chatting.
	RoleUser Role = "user"
	// RoleAssistant is a model answer, greeting, or apology.
	RoleAssistant Role = "assistant"
)

// Turn is one entry of the conversation log.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// Ordinal is the turn's position in the log, starting at 0 for the system turn.
	Ordinal int `json:"ordinal"`
	// InProgress is true while an assistant answer is still streaming.
	InProgress bool `json:"in_progress,omitempty"`
}

// Session is a single conversation. Safe for concurrent use.
type Session struct {
	id string

	mu    sync.Mutex
	turns []Turn
	// gen increments whenever the in-progress turn is finalized or replaced.
	gen uint64
}

// New returns a session whose log holds only the system turn.
func New(id, systemPrompt string) *Session {
	return &Session{
		id:    id,
		turns: []Turn{{Role: RoleSystem, Content: systemPrompt, Ordinal: 0}},
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// AppendUser finalizes any in-progress assistant turn and appends a user turn.
func (s *Session) AppendUser(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizeLocked()
	s.appendLocked(RoleUser, text, false)
}

// AppendAssistant finalizes any in-progress assistant turn and appends a
// complete assistant turn.
func (s *Session) AppendAssistant(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizeLocked()
	s.appendLocked(RoleAssistant, text, false)
}

// AppendAssistantDelta extends the in-progress assistant turn with delta, or
// starts one when the last turn is not an in-progress assistant turn.
func (s *Session) AppendAssistantDelta(delta string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last := s.lastLocked(); last != nil && last.Role == RoleAssistant && last.InProgress {
		last.Content += delta
		return
	}
	s.finalizeLocked()
	s.appendLocked(RoleAssistant, delta, true)
}

// HistoryExcludingSystem returns a copy of every non-system turn in order.
func (s *Session) HistoryExcludingSystem() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, 0, len(s.turns))
	for _, t := range s.turns {
		if t.Role != RoleSystem {
			out = append(out, t)
		}
	}
	return out
}

// Turns returns a copy of the full log including the system turn.
func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.turns...)
}

// SystemPrompt returns the content of the system turn.
func (s *Session) SystemPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns[0].Content
}

// InProgress reports whether an assistant turn is currently streaming.
func (s *Session) InProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.lastLocked()
	return last != nil && last.InProgress
}

// BeginAssistant finalizes any in-progress turn, opens a new empty
// in-progress assistant turn, and returns the only writer allowed to extend it.
func (s *Session) BeginAssistant() *TurnWriter {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizeLocked()
	s.appendLocked(RoleAssistant, "", true)
	return &TurnWriter{s: s, gen: s.gen, ordinal: len(s.turns) - 1}
}

// finalizeLocked marks the in-progress turn complete and invalidates its writer.
func (s *Session) finalizeLocked() {
	if last := s.lastLocked(); last != nil && last.InProgress {
		last.InProgress = false
	}
	s.gen++
}

func (s *Session) appendLocked(role Role, text string, inProgress bool) {
	s.turns = append(s.turns, Turn{
		Role:       role,
		Content:    text,
		Ordinal:    len(s.turns),
		InProgress: inProgress,
	})
}

func (s *Session) lastLocked() *Turn {
	if len(s.turns) == 0 {
		return nil
	}
	return &s.turns[len(s.turns)-1]
}

// TurnWriter appends streamed fragments to exactly one assistant turn.
// Once the session moves past that turn every method becomes a no-op.
type TurnWriter struct {
	s       *Session
	gen     uint64
	ordinal int
}

// Write appends delta to the writer's turn. It reports false when the writer
// is stale, in which case nothing was written.
func (w *TurnWriter) Write(delta string) bool {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	if !w.liveLocked() {
		return false
	}
	w.s.turns[w.ordinal].Content += delta
	return true
}

// Finish marks the turn complete. It reports false when the writer was stale.
func (w *TurnWriter) Finish() bool {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	if !w.liveLocked() {
		return false
	}
	w.s.finalizeLocked()
	return true
}

// Abandon ends the turn with whatever content it has so far.
func (w *TurnWriter) Abandon() {
	w.Finish()
}

// Content returns the turn's current text.
func (w *TurnWriter) Content() string {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	return w.s.turns[w.ordinal].Content
}

func (w *TurnWriter) liveLocked() bool {
	return w.gen == w.s.gen && w.s.turns[w.ordinal].InProgress
}
