package usecase

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"support-assistant/internal/domain"
)

// memStore is a conditional-write store good enough to exercise the use cases.
type memStore struct {
	mu       sync.Mutex
	callers  map[string]domain.Caller
	convs    map[string]domain.Conversation
	messages map[string]domain.Message

	saveCalls    int
	saveErr      error
	updateErr    error
	conflictOnce bool
}

func newMemStore() *memStore {
	return &memStore{
		callers:  map[string]domain.Caller{},
		convs:    map[string]domain.Conversation{},
		messages: map[string]domain.Message{},
	}
}

func (m *memStore) GetCaller(_ context.Context, id string) (domain.Caller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.callers[id]
	if !ok {
		return domain.Caller{}, domain.ErrNotFound
	}
	return c, nil
}

func (m *memStore) PutCaller(_ context.Context, c domain.Caller) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callers[c.ID] = c
	return nil
}

func (m *memStore) UpdateQuota(_ context.Context, id, prevDate string, prevCount int, newDate string, newCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	if m.conflictOnce {
		m.conflictOnce = false
		return domain.ErrConflict
	}
	c, ok := m.callers[id]
	if !ok {
		return domain.ErrNotFound
	}
	if c.CountDate != prevDate || c.DailyCount != prevCount {
		return domain.ErrConflict
	}
	c.CountDate = newDate
	c.DailyCount = newCount
	m.callers[id] = c
	return nil
}

func (m *memStore) CreateConversation(_ context.Context, conv domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convs[conv.ID]; ok {
		return domain.ErrConflict
	}
	m.convs[conv.ID] = conv
	return nil
}

func (m *memStore) GetConversation(_ context.Context, id string) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return domain.Conversation{}, domain.ErrNotFound
	}
	return c, nil
}

func (m *memStore) SaveExchange(_ context.Context, rec domain.ExchangeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCalls++
	if m.saveErr != nil {
		return m.saveErr
	}
	if m.conflictOnce {
		m.conflictOnce = false
		return domain.ErrConflict
	}
	conv, ok := m.convs[rec.Message.ConversationID]
	if !ok {
		return domain.ErrNotFound
	}
	if conv.MessageCount != rec.ExpectedCount {
		return domain.ErrConflict
	}
	for _, msg := range m.messages {
		if msg.ConversationID == conv.ID && msg.Index == rec.Message.Index {
			return domain.ErrConflict
		}
	}
	m.messages[rec.Message.ID] = rec.Message
	conv.MessageCount++
	conv.UpdatedAt = rec.UpdatedAt
	conv.SessionID = rec.Message.SessionID
	if rec.Title != "" && rec.ExpectedCount == 0 {
		conv.Title = rec.Title
	}
	m.convs[conv.ID] = conv
	return nil
}

func (m *memStore) ListMessages(_ context.Context, conversationID string) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Message
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (m *memStore) SetFeedback(_ context.Context, messageID string, fb domain.Feedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return domain.ErrNotFound
	}
	msg.Feedback = fb
	m.messages[messageID] = msg
	return nil
}

func (m *memStore) message(id string) domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messages[id]
}

func (m *memStore) saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCalls
}

var errStoreDown = errors.New("store unavailable")

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func expectUsecaseError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var usecaseErr *Error
	require.ErrorAs(t, err, &usecaseErr)
	require.Equal(t, code, usecaseErr.Code)
	require.Equal(t, reason, usecaseErr.Reason)
}
