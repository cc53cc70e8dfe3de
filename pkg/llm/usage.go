package llm

import (
	"sync"
	"time"
)

// SessionUsage accumulates token and cost totals for one session.
type SessionUsage struct {
	SessionID           string
	StartTime           time.Time
	LastActivity        time.Time
	Usage               TokenUsage
	RequestCount        uint32
	TotalCost           float64
	AverageResponseTime time.Duration
}

// DailyUsage aggregates usage across all sessions active on one UTC date.
type DailyUsage struct {
	Date         string
	TotalTokens  uint64
	InputTokens  uint64
	OutputTokens uint64
	RequestCount uint32
	TotalCost    float64
}

// TotalUsage is the all-time running total across every session.
type TotalUsage struct {
	TotalTokens   uint64
	InputTokens   uint64
	OutputTokens  uint64
	TotalRequests uint64
	TotalCost     float64
	TotalSessions uint64
	FirstRequest  *time.Time
	LastRequest   *time.Time
}

// UsageTracker accumulates per-session, per-day, and all-time token and
// cost totals across every provider dispatch.
type UsageTracker struct {
	mu       sync.Mutex
	sessions map[string]*SessionUsage
	daily    map[string]*DailyUsage
	total    TotalUsage
	now      func() time.Time
}

func NewUsageTracker() *UsageTracker {
	return &UsageTracker{
		sessions: make(map[string]*SessionUsage),
		daily:    make(map[string]*DailyUsage),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// StartSession registers a new session to accumulate usage against.
func (t *UsageTracker) StartSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.sessions[sessionID] = &SessionUsage{SessionID: sessionID, StartTime: now, LastActivity: now}
	t.total.TotalSessions++
}

// RecordUsage folds one completed response's usage into the session, the
// current day's bucket, and the all-time total.
func (t *UsageTracker) RecordUsage(sessionID string, usage TokenUsage, execTime time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()

	if session, ok := t.sessions[sessionID]; ok {
		session.LastActivity = now
		session.RequestCount++
		session.Usage.InputTokens += usage.InputTokens
		session.Usage.OutputTokens += usage.OutputTokens
		session.Usage.TotalTokens += usage.TotalTokens
		session.Usage.EstimatedCost += usage.EstimatedCost
		session.TotalCost += usage.EstimatedCost

		totalMillis := session.AverageResponseTime.Milliseconds()*int64(session.RequestCount-1) + execTime.Milliseconds()
		session.AverageResponseTime = time.Duration(totalMillis/int64(session.RequestCount)) * time.Millisecond
	}

	dateKey := now.Format("2006-01-02")
	day, ok := t.daily[dateKey]
	if !ok {
		day = &DailyUsage{Date: dateKey}
		t.daily[dateKey] = day
	}
	day.RequestCount++
	day.TotalTokens += usage.TotalTokens
	day.InputTokens += usage.InputTokens
	day.OutputTokens += usage.OutputTokens
	day.TotalCost += usage.EstimatedCost

	t.total.TotalRequests++
	t.total.TotalTokens += usage.TotalTokens
	t.total.InputTokens += usage.InputTokens
	t.total.OutputTokens += usage.OutputTokens
	t.total.TotalCost += usage.EstimatedCost
	if t.total.FirstRequest == nil {
		t.total.FirstRequest = &now
	}
	t.total.LastRequest = &now
}

// SessionStats returns a copy of one session's accumulated usage.
func (t *UsageTracker) SessionStats(sessionID string) (SessionUsage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	session, ok := t.sessions[sessionID]
	if !ok {
		return SessionUsage{}, false
	}
	return *session, true
}

// Total returns a copy of the all-time usage total.
func (t *UsageTracker) Total() TotalUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}
