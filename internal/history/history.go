// Package history keeps the running chat transcript of a voice conversation.
//
// The in-memory [History] is append-only: user transcripts become user
// turns and streamed assistant text is concatenated onto the current
// assistant turn. The most recent turns are sent to the backend before each
// end marker so the reply has conversational context. An optional [Store]
// persists finished turns, e.g. [PostgresStore].
package history

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxloop/internal/protocol"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one chat message.
type Turn struct {
	Role Role
	Text string
	At   time.Time
}

// Store persists finished turns of a conversation.
type Store interface {
	// WriteTurn appends t to the conversation identified by conversationID.
	WriteTurn(ctx context.Context, conversationID string, t Turn) error

	// Recent returns at most n of the newest turns of the conversation,
	// oldest first.
	Recent(ctx context.Context, conversationID string, n int) ([]Turn, error)

	// Close releases the store's resources.
	Close()
}

// Option configures a [History].
type Option func(*History)

// WithStore persists turns through s on [History.FinishTurn].
func WithStore(s Store) Option {
	return func(h *History) { h.store = s }
}

// WithConversationID sets the conversation ID used as the persistence key.
// A random UUID is used when unset.
func WithConversationID(id string) Option {
	return func(h *History) {
		if id != "" {
			h.id = id
		}
	}
}

// WithClock overrides the time source for turn timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *History) { h.now = now }
}

// History is the append-only transcript. All methods are safe for
// concurrent use.
type History struct {
	mu        sync.Mutex
	id        string
	turns     []Turn
	persisted int
	sealed    int // turns before this index belong to finished turns
	store     Store
	now       func() time.Time
}

// New creates an empty History.
func New(opts ...Option) *History {
	h := &History{
		id:  uuid.NewString(),
		now: time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// ConversationID returns the persistence key of this conversation.
func (h *History) ConversationID() string { return h.id }

// AppendUser records a user transcript as a new turn. Blank transcripts are
// ignored.
func (h *History) AppendUser(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, Turn{Role: RoleUser, Text: text, At: h.now()})
}

// BeginTurn marks the start of a conversation turn. Assistant text streamed
// afterwards never joins a message recorded before the call.
func (h *History) BeginTurn() {
	h.mu.Lock()
	h.sealed = len(h.turns)
	h.mu.Unlock()
}

// AppendAssistant appends streamed assistant text. It is concatenated onto
// the last turn when that is an assistant turn of the current turn;
// otherwise a new assistant turn starts.
func (h *History) AppendAssistant(text string) {
	if text == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if n := len(h.turns); n > max(h.persisted, h.sealed) && h.turns[n-1].Role == RoleAssistant {
		h.turns[n-1].Text += text
		return
	}
	h.turns = append(h.turns, Turn{Role: RoleAssistant, Text: text, At: h.now()})
}

// Recent returns the newest n turns in wire form, oldest first. It returns
// an empty slice when n <= 0.
func (h *History) Recent(n int) []protocol.HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 {
		return []protocol.HistoryEntry{}
	}
	start := max(len(h.turns)-n, 0)
	out := make([]protocol.HistoryEntry, 0, len(h.turns)-start)
	for _, t := range h.turns[start:] {
		out = append(out, protocol.HistoryEntry{Role: string(t.Role), Content: t.Text})
	}
	return out
}

// Snapshot returns a copy of all turns.
func (h *History) Snapshot() []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Len returns the number of turns.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

// Load seeds an empty History with the newest n turns from the store. It is
// a no-op without a store or when turns were already recorded.
func (h *History) Load(ctx context.Context, n int) error {
	if h.store == nil || n <= 0 {
		return nil
	}
	turns, err := h.store.Recent(ctx, h.id, n)
	if err != nil {
		return fmt.Errorf("history: load: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.turns) > 0 {
		return nil
	}
	h.turns = append(h.turns, turns...)
	h.persisted = len(h.turns)
	h.sealed = len(h.turns)
	return nil
}

// FinishTurn persists every turn recorded since the previous call. Turns
// that fail to persist are retried on the next call.
func (h *History) FinishTurn(ctx context.Context) error {
	if h.store == nil {
		return nil
	}
	h.mu.Lock()
	pending := make([]Turn, len(h.turns)-h.persisted)
	copy(pending, h.turns[h.persisted:])
	base := h.persisted
	h.mu.Unlock()

	for i, t := range pending {
		if err := h.store.WriteTurn(ctx, h.id, t); err != nil {
			h.mu.Lock()
			h.persisted = max(h.persisted, base+i)
			h.mu.Unlock()
			return fmt.Errorf("history: persist turn: %w", err)
		}
	}
	h.mu.Lock()
	h.persisted = max(h.persisted, base+len(pending))
	h.mu.Unlock()
	return nil
}
