package usecase

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"support-assistant/internal/domain"
	"support-assistant/internal/keylock"
)

const (
	defaultTitleMaxLength = 20
	titleEllipsis         = "..."
)

type ConversationStore interface {
	CreateConversation(ctx context.Context, conv domain.Conversation) error
	GetConversation(ctx context.Context, id string) (domain.Conversation, error)
	SaveExchange(ctx context.Context, rec domain.ExchangeRecord) error
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
}

// ConversationService creates conversations and persists completed exchanges.
type ConversationService struct {
	store       ConversationStore
	titleMaxLen int
	locks       keylock.Map
	opts        options
}

func NewConversationService(store ConversationStore, titleMaxLen int, opts ...Option) (*ConversationService, error) {
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if titleMaxLen <= 0 {
		titleMaxLen = defaultTitleMaxLength
	}
	return &ConversationService{
		store:       store,
		titleMaxLen: titleMaxLen,
		opts:        buildOptions(opts),
	}, nil
}

// EnsureConversation returns suppliedID unchanged when set. Its existence is
// not checked here; a missing conversation fails later, at persistence.
// Otherwise a new, empty conversation owned by callerID is created.
func (s *ConversationService) EnsureConversation(ctx context.Context, callerID, suppliedID string) (string, error) {
	if id := strings.TrimSpace(suppliedID); id != "" {
		return id, nil
	}

	now := s.opts.now().UTC()
	conv := domain.Conversation{
		ID:        newUUID(),
		CallerID:  callerID,
		Title:     domain.DefaultTitle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return "", newError(ErrorPersistence, "conversation_create_error", err)
	}
	return conv.ID, nil
}

// PersistExchange stores prompt and answer as the next message of a
// conversation owned by callerID and returns the new message id. The message
// row, the count increment, the updated-at touch, the session id and, for the
// first exchange only, the title are written in one transaction.
func (s *ConversationService) PersistExchange(ctx context.Context, callerID, conversationID, prompt, answer, sessionID string) (string, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return "", newError(ErrorInvalidInput, "missing_conversation_id", nil)
	}

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	for attempt := 0; attempt < maxConditionalAttempts; attempt++ {
		conv, err := s.store.GetConversation(ctx, conversationID)
		if err != nil {
			return "", newError(ErrorPersistence, "conversation_read_error", err)
		}
		if conv.CallerID != callerID {
			return "", newError(ErrorNotFound, "conversation_not_owned", nil)
		}

		now := s.opts.now().UTC()
		msg := domain.Message{
			ID:             newUUID(),
			ConversationID: conversationID,
			Index:          conv.MessageCount,
			Role:           domain.RoleUser,
			Prompt:         prompt,
			Answer:         answer,
			SessionID:      sessionID,
			Feedback:       domain.FeedbackNone,
			CreatedAt:      now,
		}
		rec := domain.ExchangeRecord{
			Message:       msg,
			ExpectedCount: conv.MessageCount,
			UpdatedAt:     now,
		}
		if msg.Index == 0 {
			rec.Title = DeriveTitle(prompt, s.titleMaxLen)
		}

		err = s.store.SaveExchange(ctx, rec)
		if errors.Is(err, domain.ErrConflict) {
			s.opts.logger.Warn("message index taken, retrying", "conversation_id", conversationID, "index", msg.Index)
			continue
		}
		if err != nil {
			return "", newError(ErrorPersistence, "exchange_write_error", err)
		}
		return msg.ID, nil
	}
	return "", newError(ErrorPersistence, "exchange_contention", domain.ErrConflict)
}

// History returns a conversation and its messages in index order. Only the
// owning caller may read it.
func (s *ConversationService) History(ctx context.Context, callerID, conversationID string) (domain.Conversation, []domain.Message, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return domain.Conversation{}, nil, newError(ErrorInvalidInput, "missing_conversation_id", nil)
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Conversation{}, nil, newError(ErrorNotFound, "conversation_not_found", err)
	}
	if err != nil {
		return domain.Conversation{}, nil, newError(ErrorInternal, "conversation_read_error", err)
	}
	if conv.CallerID != callerID {
		return domain.Conversation{}, nil, newError(ErrorNotFound, "conversation_not_owned", nil)
	}

	msgs, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		return domain.Conversation{}, nil, newError(ErrorInternal, "message_list_error", err)
	}
	return conv, msgs, nil
}

// DeriveTitle returns prompt when it fits in maxLen runes, otherwise its
// first maxLen runes followed by an ellipsis.
func DeriveTitle(prompt string, maxLen int) string {
	prompt = strings.TrimSpace(prompt)
	if maxLen <= 0 || utf8.RuneCountInString(prompt) <= maxLen {
		return prompt
	}
	runes := []rune(prompt)
	return string(runes[:maxLen]) + titleEllipsis
}
