// Package conversation maintains per-(user, session) multi-turn memory with a
// token-budgeted window and session expiry.
package conversation

import (
	"sort"
	"sync"
	"time"

	"prism/internal/errors"
	"prism/internal/ids"
	"prism/internal/logging"
)

// Message roles accepted by AddMessage.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// roleOverheadTokens approximates the per-message framing cost providers
// charge on top of content tokens.
const roleOverheadTokens = 4

// Message is one turn in a conversation. Snapshots returned to readers copy
// the struct; metadata maps are cloned.
type Message struct {
	ID         string         `json:"id"`
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	TokenCount int            `json:"token_count"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// SessionSummary describes one conversation for history listings.
type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	MessageCount int       `json:"message_count"`
	TotalTokens  int       `json:"total_tokens"`
	LastActive   time.Time `json:"last_active"`
}

// Stats is a point-in-time snapshot of manager-wide counters.
type Stats struct {
	TotalConversations int     `json:"total_conversations"`
	TotalMessages      int     `json:"total_messages"`
	ActiveUsers        int     `json:"active_users"`
	MemoryUsageMB      float64 `json:"memory_usage_mb"`
	Evictions          uint64  `json:"evictions"`
}

// Estimator computes the token cost charged against the window budget for one
// message.
type Estimator func(role, content string) int

// DefaultEstimator charges ceil(len/4) content tokens plus the fixed role
// overhead. Deterministic; no encoder data needed.
func DefaultEstimator(role, content string) int {
	return (len(content)+3)/4 + roleOverheadTokens
}

type conversation struct {
	mu          sync.Mutex
	userID      string
	sessionID   string
	messages    []Message
	totalTokens int
	lastActive  time.Time
}

// Manager owns all conversations. Mutations on one conversation are
// serialized by its own lock; distinct sessions proceed in parallel.
type Manager struct {
	mu            sync.RWMutex
	conversations map[string]*conversation

	maxTokens      int
	sessionTimeout time.Duration
	estimate       Estimator
	logger         logging.Logger
	now            func() time.Time

	evictions uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the component logger.
func WithLogger(logger logging.Logger) Option {
	return func(m *Manager) { m.logger = logging.OrNop(logger) }
}

// WithEstimator replaces the token estimator.
func WithEstimator(estimate Estimator) Option {
	return func(m *Manager) {
		if estimate != nil {
			m.estimate = estimate
		}
	}
}

// WithNow replaces the clock. Tests use it to control session expiry.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a Manager enforcing maxTokens per conversation window
// and expiring sessions idle longer than sessionTimeout.
func NewManager(maxTokens int, sessionTimeout time.Duration, opts ...Option) *Manager {
	m := &Manager{
		conversations:  make(map[string]*conversation),
		maxTokens:      maxTokens,
		sessionTimeout: sessionTimeout,
		estimate:       DefaultEstimator,
		logger:         logging.Nop(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func conversationKey(userID, sessionID string) string {
	return userID + "\x00" + sessionID
}

func validRole(role string) bool {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// AddMessage appends a message, then truncates oldest-first until the window
// fits the token budget. System messages are never evicted by truncation, and
// the message just added survives even when it alone exceeds the budget.
func (m *Manager) AddMessage(userID, sessionID, role, content string, metadata map[string]any) error {
	if !validRole(role) {
		return errors.Validationf("invalid message role %q", role)
	}
	if userID == "" || sessionID == "" {
		return errors.Validationf("user_id and session_id are required")
	}

	conv := m.getOrCreate(userID, sessionID)

	conv.mu.Lock()
	defer conv.mu.Unlock()

	msg := Message{
		ID:         ids.NewMessageID(),
		Role:       role,
		Content:    content,
		TokenCount: m.estimate(role, content),
		Metadata:   cloneMetadata(metadata),
		CreatedAt:  m.now(),
	}
	conv.messages = append(conv.messages, msg)
	conv.totalTokens += msg.TokenCount
	conv.lastActive = m.now()

	m.truncateLocked(conv)
	return nil
}

// truncateLocked drops the oldest non-system messages until the window fits.
// The final message is exempt; it was just added and must be retained.
func (m *Manager) truncateLocked(conv *conversation) {
	for conv.totalTokens > m.maxTokens {
		dropped := false
		for i, msg := range conv.messages {
			if msg.Role == RoleSystem {
				continue
			}
			if i == len(conv.messages)-1 {
				break
			}
			conv.totalTokens -= msg.TokenCount
			conv.messages = append(conv.messages[:i], conv.messages[i+1:]...)
			dropped = true
			break
		}
		if !dropped {
			return
		}
	}
}

// Context returns an ordered snapshot of the conversation. Unknown sessions
// return an empty slice, never an error.
func (m *Manager) Context(userID, sessionID string, includeSystem bool) []Message {
	m.mu.RLock()
	conv, ok := m.conversations[conversationKey(userID, sessionID)]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	conv.mu.Lock()
	defer conv.mu.Unlock()

	out := make([]Message, 0, len(conv.messages))
	for _, msg := range conv.messages {
		if !includeSystem && msg.Role == RoleSystem {
			continue
		}
		snapshot := msg
		snapshot.Metadata = cloneMetadata(msg.Metadata)
		out = append(out, snapshot)
	}
	return out
}

// History lists a user's sessions, most recently active first, bounded by
// limit (limit <= 0 means unbounded).
func (m *Manager) History(userID string, limit int) []SessionSummary {
	m.mu.RLock()
	matched := make([]*conversation, 0)
	for _, conv := range m.conversations {
		if conv.userID == userID {
			matched = append(matched, conv)
		}
	}
	m.mu.RUnlock()

	summaries := make([]SessionSummary, 0, len(matched))
	for _, conv := range matched {
		conv.mu.Lock()
		summaries = append(summaries, SessionSummary{
			SessionID:    conv.sessionID,
			MessageCount: len(conv.messages),
			TotalTokens:  conv.totalTokens,
			LastActive:   conv.lastActive,
		})
		conv.mu.Unlock()
	}

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].LastActive.Equal(summaries[j].LastActive) {
			return summaries[i].SessionID < summaries[j].SessionID
		}
		return summaries[i].LastActive.After(summaries[j].LastActive)
	})
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries
}

// CleanupExpired removes conversations idle longer than the session timeout
// and returns how many were dropped.
func (m *Manager) CleanupExpired() int {
	cutoff := m.now().Add(-m.sessionTimeout)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, conv := range m.conversations {
		conv.mu.Lock()
		expired := conv.lastActive.Before(cutoff)
		conv.mu.Unlock()
		if expired {
			delete(m.conversations, key)
			removed++
			m.evictions++
		}
	}
	if removed > 0 {
		m.logger.Debug("expired %d idle sessions", removed)
	}
	return removed
}

// Stats returns manager-wide counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	conversations := make([]*conversation, 0, len(m.conversations))
	for _, conv := range m.conversations {
		conversations = append(conversations, conv)
	}
	evictions := m.evictions
	m.mu.RUnlock()

	users := make(map[string]bool)
	totalMessages := 0
	var bytes int64
	for _, conv := range conversations {
		conv.mu.Lock()
		users[conv.userID] = true
		totalMessages += len(conv.messages)
		for _, msg := range conv.messages {
			bytes += int64(len(msg.Content)) + approxMessageOverheadBytes
		}
		conv.mu.Unlock()
	}

	return Stats{
		TotalConversations: len(conversations),
		TotalMessages:      totalMessages,
		ActiveUsers:        len(users),
		MemoryUsageMB:      float64(bytes) / (1 << 20),
		Evictions:          evictions,
	}
}

const approxMessageOverheadBytes = 200

func (m *Manager) getOrCreate(userID, sessionID string) *conversation {
	key := conversationKey(userID, sessionID)

	m.mu.RLock()
	conv, ok := m.conversations[key]
	m.mu.RUnlock()
	if ok {
		return conv
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if conv, ok := m.conversations[key]; ok {
		return conv
	}
	conv = &conversation{
		userID:     userID,
		sessionID:  sessionID,
		lastActive: m.now(),
	}
	m.conversations[key] = conv
	return conv
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cp := make(map[string]any, len(metadata))
	for k, v := range metadata {
		cp[k] = v
	}
	return cp
}
