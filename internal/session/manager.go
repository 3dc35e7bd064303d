package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/54b3r/casechat/internal/logging"
	"github.com/54b3r/casechat/internal/store"
)

// DefaultGreeting opens every new conversation.
const DefaultGreeting = "Hello! How can I help you today? You can ask me questions about your files or search for specific information within them."

// DefaultHistoryLimit is how many persisted turns are replayed into a
// rehydrated session.
const DefaultHistoryLimit = 20

const (
	// DefaultMaxSessions caps the live sessions a process holds.
	DefaultMaxSessions = 10000
	// DefaultIdleTTL is how long an untouched session stays in memory.
	DefaultIdleTTL = time.Hour
)

// History is the persisted side of a conversation.
// *store.SQLiteStore satisfies it.
type History interface {
	Append(ctx context.Context, sessionID string, role store.Role, content string) error
	Recent(ctx context.Context, sessionID string, n int) ([]store.Message, error)
}

// PromptFunc returns the system prompt to seed new sessions with.
type PromptFunc func(ctx context.Context) string

// ManagerOptions configures a Manager. All fields are optional.
type ManagerOptions struct {
	// Greeting is the assistant turn placed after the system turn.
	// Empty uses DefaultGreeting.
	Greeting string
	// History rehydrates sessions the process has not seen yet.
	History History
	// HistoryLimit caps replayed turns. <= 0 uses DefaultHistoryLimit.
	HistoryLimit int
	// MaxSessions caps live sessions; the least recently used is evicted
	// first. <= 0 uses DefaultMaxSessions.
	MaxSessions int
	// IdleTTL evicts sessions nobody touched for this long. <= 0 uses
	// DefaultIdleTTL.
	IdleTTL time.Duration
}

// Manager owns the live sessions of a server process. Evicted sessions are
// rebuilt from History on their next request.
type Manager struct {
	prompt  PromptFunc
	opts    ManagerOptions
	mu      sync.Mutex
	entries *expirable.LRU[string, *Session]
}

// NewManager returns a Manager that seeds sessions with prompt.
func NewManager(prompt PromptFunc, opts ManagerOptions) *Manager {
	if opts.Greeting == "" {
		opts.Greeting = DefaultGreeting
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = DefaultIdleTTL
	}
	return &Manager{
		prompt:  prompt,
		opts:    opts,
		entries: expirable.NewLRU[string, *Session](opts.MaxSessions, nil, opts.IdleTTL),
	}
}

// Get returns the session for id, creating it when unknown. An empty id
// allocates a fresh random id. Persisted history is replayed after the
// greeting; failures to load it are logged and the session starts empty.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	} else if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("session: invalid id %q: %w", id, err)
	}

	if s, ok := m.touch(id); ok {
		return s, nil
	}

	s := m.build(ctx, id)

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another request may have built the same session meanwhile.
	if existing, ok := m.entries.Get(id); ok {
		m.entries.Add(id, existing)
		return existing, nil
	}
	m.entries.Add(id, s)
	return s, nil
}

// touch returns a live session and restarts its idle deadline.
func (m *Manager) touch(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.entries.Get(id)
	if ok {
		m.entries.Add(id, s)
	}
	return s, ok
}

func (m *Manager) build(ctx context.Context, id string) *Session {
	system := ""
	if m.prompt != nil {
		system = m.prompt(ctx)
	}
	s := New(id, system)
	s.AppendAssistant(m.opts.Greeting)

	if m.opts.History == nil {
		return s
	}
	msgs, err := m.opts.History.Recent(ctx, id, m.opts.HistoryLimit)
	if err != nil {
		logging.FromContext(ctx).Warn("session: could not load history, starting fresh",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
		return s
	}
	for _, msg := range msgs {
		switch msg.Role {
		case store.RoleUser:
			s.AppendUser(msg.Content)
		case store.RoleAssistant:
			s.AppendAssistant(msg.Content)
		}
	}
	return s
}

// Persist records a completed turn in the history store, if one is configured.
func (m *Manager) Persist(ctx context.Context, sessionID string, role Role, content string) {
	if m.opts.History == nil || content == "" {
		return
	}
	var r store.Role
	switch role {
	case RoleUser:
		r = store.RoleUser
	case RoleAssistant:
		r = store.RoleAssistant
	default:
		return
	}
	if err := m.opts.History.Append(ctx, sessionID, r, content); err != nil {
		// The context logger already carries session_id.
		logging.FromContext(ctx).Warn("session: failed to persist turn",
			slog.String("role", string(role)),
			slog.String("error", err.Error()),
		)
	}
}

// Drop forgets a live session. Persisted history is untouched.
func (m *Manager) Drop(id string) {
	m.entries.Remove(id)
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	return m.entries.Len()
}
