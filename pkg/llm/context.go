package llm

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentrt/aca/pkg/config"
)

// MessageRole tags who produced a ConversationMessage.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// ConversationMessage is one turn in a session's LLM conversation history.
type ConversationMessage struct {
	Role       MessageRole
	Content    string
	TokenCount *uint64
}

// Conversation is the per-session accumulated history and bookkeeping the
// ContextManager optimizes in place.
type Conversation struct {
	SessionID      string
	Messages       []ConversationMessage
	TotalTokens    uint64
	LastActivity   time.Time
	ContextSummary *string
}

// OptimizedContext is the result of a pruning pass.
type OptimizedContext struct {
	Messages          []ConversationMessage
	TotalTokens        uint64
	CompressionApplied bool
	MessagesRemoved    int
	CompressionRatio   float64
}

var importantKeywords = []string{
	"error", "warning", "issue", "problem", "solution", "fix", "implement",
	"create", "build", "test", "debug", "critical", "important", "task",
	"function", "class", "method", "variable", "module", "package",
}

// ContextManager tracks one Conversation per session and prunes it once it
// grows past the configured history length or token threshold, always
// keeping the last 5 messages regardless of relevance score.
type ContextManager struct {
	cfg config.ContextConfig

	mu            sync.Mutex
	conversations map[string]*Conversation

	now func() time.Time
}

func NewContextManager(cfg config.ContextConfig) *ContextManager {
	return &ContextManager{
		cfg:           cfg,
		conversations: map[string]*Conversation{},
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// GetOrCreate returns the session's conversation, creating an empty one if
// absent.
func (m *ContextManager) GetOrCreate(sessionID string) *Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreateLocked(sessionID)
}

func (m *ContextManager) getOrCreateLocked(sessionID string) *Conversation {
	c, ok := m.conversations[sessionID]
	if !ok {
		c = &Conversation{SessionID: sessionID, LastActivity: m.now()}
		m.conversations[sessionID] = c
	}
	return c
}

// AddMessage appends a message and triggers pruning if the conversation has
// grown past the configured bounds.
func (m *ContextManager) AddMessage(sessionID string, msg ConversationMessage) (*OptimizedContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.getOrCreateLocked(sessionID)
	c.Messages = append(c.Messages, msg)
	if msg.TokenCount != nil {
		c.TotalTokens += *msg.TokenCount
	}
	c.LastActivity = m.now()

	tokenCeiling := uint64(m.cfg.CompressionThreshold * 100000)
	if len(c.Messages) > m.cfg.MaxHistoryLength || c.TotalTokens > tokenCeiling {
		opt := m.optimizeLocked(c)
		return &opt, nil
	}
	return nil, nil
}

// Optimize forces a pruning pass on the named session's conversation.
func (m *ContextManager) Optimize(sessionID string) (OptimizedContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[sessionID]
	if !ok {
		return OptimizedContext{}, fmt.Errorf("context not found for session %s", sessionID)
	}
	return m.optimizeLocked(c), nil
}

func (m *ContextManager) optimizeLocked(c *Conversation) OptimizedContext {
	originalCount := len(c.Messages)
	originalTokens := c.TotalTokens

	scores := relevanceScores(c.Messages)

	ranked := make([]rankedMessage, len(scores))
	for i, s := range scores {
		ranked[i] = rankedMessage{idx: i, score: s}
	}
	sortByScoreDesc(ranked)

	keep := map[int]bool{}

	recentKeep := 5
	if recentKeep > len(c.Messages) {
		recentKeep = len(c.Messages)
	}
	for i := len(c.Messages) - recentKeep; i < len(c.Messages); i++ {
		keep[i] = true
	}

	keepCount := m.cfg.MaxHistoryLength
	if keepCount > len(c.Messages) {
		keepCount = len(c.Messages)
	}
	for i, r := range ranked {
		if i >= keepCount {
			break
		}
		if r.score >= m.cfg.RelevanceThreshold {
			keep[r.idx] = true
		}
	}

	newMessages := make([]ConversationMessage, 0, len(keep))
	var newTokens uint64
	for idx, msg := range c.Messages {
		if keep[idx] {
			newMessages = append(newMessages, msg)
			if msg.TokenCount != nil {
				newTokens += *msg.TokenCount
			}
		}
	}

	c.Messages = newMessages
	c.TotalTokens = newTokens

	removed := originalCount - len(c.Messages)
	ratio := 0.0
	if originalTokens > 0 {
		ratio = 1 - float64(newTokens)/float64(originalTokens)
	}

	return OptimizedContext{
		Messages:           append([]ConversationMessage(nil), c.Messages...),
		TotalTokens:        newTokens,
		CompressionApplied: removed > 0,
		MessagesRemoved:    removed,
		CompressionRatio:   ratio,
	}
}

// relevanceScores implements the four-factor weighting: temporal recency
// (0.3), content length (0.2), role (0.3, system highest), keyword density
// (0.2), each clamped so the total never exceeds 1.0.
func relevanceScores(messages []ConversationMessage) []float64 {
	n := len(messages)
	scores := make([]float64, n)
	for i, msg := range messages {
		var score float64

		ageFactor := float64(n-i) / float64(n)
		score += ageFactor * 0.3

		lengthFactor := float64(len(msg.Content)) / 1000
		if lengthFactor > 1 {
			lengthFactor = 1
		}
		score += lengthFactor * 0.2

		var roleFactor float64
		switch msg.Role {
		case RoleAssistant:
			roleFactor = 0.4
		case RoleUser:
			roleFactor = 0.3
		case RoleSystem:
			roleFactor = 0.5
		}
		score += roleFactor * 0.3

		score += keywordRelevance(msg.Content) * 0.2

		if score > 1 {
			score = 1
		}
		scores[i] = score
	}
	return scores
}

func keywordRelevance(content string) float64 {
	lower := strings.ToLower(content)
	count := 0
	for _, kw := range importantKeywords {
		if strings.Contains(lower, kw) {
			count++
		}
	}
	ratio := float64(count) / float64(len(importantKeywords))
	if ratio > 1 {
		ratio = 1
	}
	return ratio
}

type rankedMessage struct {
	idx   int
	score float64
}

func sortByScoreDesc(s []rankedMessage) {
	for i := 1; i < len(s); i++ {
		j := i
		for j > 0 && s[j-1].score < s[j].score {
			s[j-1], s[j] = s[j], s[j-1]
			j--
		}
	}
}

// Get returns the session's conversation, if any.
func (m *ContextManager) Get(sessionID string) (*Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[sessionID]
	return c, ok
}

// Clear drops a session's conversation entirely.
func (m *ContextManager) Clear(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conversations, sessionID)
}

// Stats summarizes memory usage across all tracked conversations.
type Stats struct {
	TotalConversations  int
	TotalMessages       int
	TotalTokens         uint64
	AvgMessagesPerConvo float64
}

func (m *ContextManager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var totalMessages int
	var totalTokens uint64
	for _, c := range m.conversations {
		totalMessages += len(c.Messages)
		totalTokens += c.TotalTokens
	}
	avg := 0.0
	if len(m.conversations) > 0 {
		avg = float64(totalMessages) / float64(len(m.conversations))
	}
	return Stats{
		TotalConversations:  len(m.conversations),
		TotalMessages:       totalMessages,
		TotalTokens:         totalTokens,
		AvgMessagesPerConvo: avg,
	}
}
