// Package convo tracks multi-turn conversations, enforces per-conversation
// budgets, and renders the model-facing prompt that embeds history. The
// store is in-memory only: conversations live for the process and expire on
// idle, they are not persisted across restarts.
package convo

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/gofer/internal/config"
	"github.com/nextlevelbuilder/gofer/internal/fault"
	"github.com/nextlevelbuilder/gofer/internal/tokens"
)

// State is the lifecycle phase of a conversation.
type State string

const (
	StateActive    State = "active"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateExpired   State = "expired"
)

// Roles accepted by Append. System turns are stored but never appear in
// history output or in the rendered prompt loop.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one turn of a conversation. Tokens holds the estimate charged
// against the conversation budget when the turn was appended.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Tokens    int       `json:"tokens"`
	Timestamp time.Time `json:"timestamp"`
}

// conversation is the store's internal record. Callers only ever see copies
// (History) or derived rows (Info), so the struct stays unexported.
type conversation struct {
	ID          string
	Title       string
	Model       string
	System      string
	State       State
	Messages    []Message
	TokenCount  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
}

// Info is the listing row for a conversation.
type Info struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Model     string    `json:"model,omitempty"`
	State     State     `json:"state"`
	Messages  int       `json:"messages"`
	Tokens    int       `json:"tokens"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StartOptions seeds a new conversation. Every field is optional: Model
// pins routing for the whole conversation, System is prepended to each
// rendered prompt.
type StartOptions struct {
	Title  string
	Model  string
	System string
}

// Store owns every live conversation. Construct one per process and pass
// the handle to the surfaces that need it.
type Store struct {
	mu          sync.RWMutex
	convos      map[string]*conversation
	maxMessages int
	maxTokens   int
	expiry      time.Duration
}

// New returns an empty store with the given budgets. Non-positive values
// fall back to the config defaults.
func New(maxMessages, maxTokens int, expiry time.Duration) *Store {
	if maxMessages <= 0 {
		maxMessages = 100
	}
	if maxTokens <= 0 {
		maxTokens = 32768
	}
	if expiry <= 0 {
		expiry = 2 * time.Hour
	}
	return &Store{
		convos:      make(map[string]*conversation),
		maxMessages: maxMessages,
		maxTokens:   maxTokens,
		expiry:      expiry,
	}
}

// FromConfig builds a store from the conversations section.
func FromConfig(cfg *config.Config) *Store {
	return New(
		cfg.Convo.MaxMessages,
		cfg.Convo.MaxTokens,
		time.Duration(cfg.Convo.ExpireMinutes)*time.Minute,
	)
}

// Start creates an active conversation and returns its id.
func (s *Store) Start(opts StartOptions) string {
	now := time.Now()
	c := &conversation{
		ID:        uuid.NewString(),
		Title:     opts.Title,
		Model:     opts.Model,
		System:    opts.System,
		State:     StateActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.convos[c.ID] = c
	return c.ID
}

// Append records one turn. It fails with a Session error when the
// conversation is unknown or no longer active, and with a Budget error when
// the turn would breach the message or token budget. System turns are
// exempt from the budgets since they never enter the prompt loop.
func (s *Store) Append(id, role, content string) error {
	const op = "convo.append"

	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return fault.Errorf(fault.Validation, op, "unknown role %q", role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convos[id]
	if !ok {
		return fault.Errorf(fault.Session, op, "conversation %s not found", id)
	}
	if c.State != StateActive {
		return fault.Errorf(fault.Session, op, "conversation %s is %s, not active", id, c.State)
	}

	est := tokens.Estimate(content)
	if role != RoleSystem {
		if countTurns(c.Messages)+1 > s.maxMessages {
			return fault.Errorf(fault.Budget, op,
				"conversation %s is at the message limit (%d)", id, s.maxMessages)
		}
		if c.TokenCount+est > s.maxTokens {
			return fault.Errorf(fault.Budget, op,
				"conversation %s would exceed the token budget (%d + %d > %d)",
				id, c.TokenCount, est, s.maxTokens)
		}
	}

	c.Messages = append(c.Messages, Message{
		Role:      role,
		Content:   content,
		Tokens:    est,
		Timestamp: time.Now(),
	})
	c.TokenCount += est
	c.UpdatedAt = time.Now()
	return nil
}

// History returns a copy of the conversation's turns, system turns
// excluded.
func (s *Store) History(id string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convos[id]
	if !ok {
		return nil, fault.Errorf(fault.Session, "convo.history", "conversation %s not found", id)
	}

	out := make([]Message, 0, len(c.Messages))
	for _, m := range c.Messages {
		if m.Role == RoleSystem {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// BuildPrompt renders the prompt for the next model call: the system
// directive if any, one "[role]: content" line per non-system turn, the new
// user text, and a closing instruction to answer as the assistant. The new
// text is not recorded; append it (and the reply) once the call succeeds.
func (s *Store) BuildPrompt(id, newUserText string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convos[id]
	if !ok {
		return "", fault.Errorf(fault.Session, "convo.prompt", "conversation %s not found", id)
	}
	if c.State != StateActive {
		return "", fault.Errorf(fault.Session, "convo.prompt", "conversation %s is %s, not active", id, c.State)
	}

	var b strings.Builder
	if c.System != "" {
		b.WriteString(c.System)
		b.WriteString("\n\n")
	}
	for _, m := range c.Messages {
		if m.Role == RoleSystem {
			continue
		}
		fmt.Fprintf(&b, "[%s]: %s\n", m.Role, m.Content)
	}
	fmt.Fprintf(&b, "[%s]: %s\n\n", RoleUser, newUserText)
	b.WriteString("Continue the conversation as the assistant. Reply with the assistant message only.")
	return b.String(), nil
}

// List returns rows for every conversation in the given state, newest
// update first. An empty state returns everything.
func (s *Store) List(state State) []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]Info, 0, len(s.convos))
	for _, c := range s.convos {
		if state != "" && c.State != state {
			continue
		}
		infos = append(infos, s.infoLocked(c))
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})
	return infos
}

// Clear removes the conversation entirely; it no longer appears in
// listings.
func (s *Store) Clear(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convos[id]; !ok {
		return fault.Errorf(fault.Session, "convo.clear", "conversation %s not found", id)
	}
	delete(s.convos, id)
	return nil
}

// End marks the conversation completed. Completed and expired
// conversations are read-only.
func (s *Store) End(id string) error {
	const op = "convo.end"

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convos[id]
	if !ok {
		return fault.Errorf(fault.Session, op, "conversation %s not found", id)
	}
	switch c.State {
	case StateActive, StatePaused:
	default:
		return fault.Errorf(fault.Session, op, "conversation %s is already %s", id, c.State)
	}

	now := time.Now()
	c.State = StateCompleted
	c.CompletedAt = now
	c.UpdatedAt = now
	return nil
}

// Stats returns the listing row for one conversation.
func (s *Store) Stats(id string) (Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convos[id]
	if !ok {
		return Info{}, fault.Errorf(fault.Session, "convo.stats", "conversation %s not found", id)
	}
	return s.infoLocked(c), nil
}

// CleanupExpired marks conversations idle past the expiry window as
// expired and reports how many changed. Completed conversations are left
// alone; they are already terminal.
func (s *Store) CleanupExpired() int {
	cutoff := time.Now().Add(-s.expiry)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, c := range s.convos {
		if c.State != StateActive && c.State != StatePaused {
			continue
		}
		if c.UpdatedAt.After(cutoff) {
			continue
		}
		c.State = StateExpired
		n++
	}
	return n
}

// Reset drops every conversation. Test hook.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convos = make(map[string]*conversation)
}

// countTurns reports the number of budgeted turns, system excluded.
func countTurns(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		if m.Role != RoleSystem {
			n++
		}
	}
	return n
}

// infoLocked builds the listing row. Callers hold at least the read lock.
func (s *Store) infoLocked(c *conversation) Info {
	msgs := countTurns(c.Messages)
	return Info{
		ID:        c.ID,
		Title:     c.Title,
		Model:     c.Model,
		State:     c.State,
		Messages:  msgs,
		Tokens:    c.TokenCount,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}
