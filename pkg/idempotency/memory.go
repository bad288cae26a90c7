package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryInbox is an in-process Processor with the same state transitions as Inbox.
// Used in development without a database and in tests.
type MemoryInbox struct {
	mu      sync.Mutex
	config  InboxConfig
	entries map[string]*InboxEntry
	now     func() time.Time
}

var _ Processor = (*MemoryInbox)(nil)

func NewMemoryInbox(cfg InboxConfig) *MemoryInbox {
	return &MemoryInbox{
		config:  cfg,
		entries: make(map[string]*InboxEntry),
		now:     time.Now,
	}
}

func (m *MemoryInbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	m.mu.Lock()
	entry, seen := m.entries[key]
	if seen {
		switch entry.Status {
		case StatusFinished:
			m.mu.Unlock()
			return &ProcessResult{Result: entry.Result}, nil
		case StatusFailed:
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
		case StatusStarted:
			if m.now().Sub(entry.UpdatedAt) <= m.config.RecoveryTimeout {
				m.mu.Unlock()
				return nil, ErrMessageInProgress
			}
		}
	}
	now := m.now()
	m.entries[key] = &InboxEntry{
		IdempotencyKey: key,
		HandlerName:    handlerName,
		Status:         StatusStarted,
		Payload:        payload,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.mu.Unlock()

	result, err := fn(ctx, payload)

	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[key]
	e.UpdatedAt = m.now()
	if err != nil {
		e.Status = StatusRecoverable
		if m.config.IsTerminal != nil && m.config.IsTerminal(err) {
			e.Status = StatusFailed
		}
		e.Result, _ = json.Marshal(map[string]string{"error": err.Error()})
		return nil, err
	}
	e.Status = StatusFinished
	e.Result = result
	return &ProcessResult{IsNew: !seen, WasRecovered: seen, Result: result}, nil
}

// Status returns the status recorded for key
func (m *MemoryInbox) Status(key string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return "", false
	}
	return e.Status, true
}
