package usecase

import (
	"context"
	"errors"
	"strings"

	"support-assistant/internal/domain"
)

type FeedbackStore interface {
	SetFeedback(ctx context.Context, messageID string, fb domain.Feedback) error
}

type FeedbackService struct {
	store FeedbackStore
}

func NewFeedbackService(store FeedbackStore) (*FeedbackService, error) {
	if store == nil {
		return nil, errors.New("usecase: feedback store must not be nil")
	}
	return &FeedbackService{store: store}, nil
}

// SetFeedback overwrites the rating on a message. value is like, dislike or
// cancel; cancel clears the rating. Repeating a value is a no-op in effect.
func (s *FeedbackService) SetFeedback(ctx context.Context, messageID, value string) (domain.Feedback, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return "", newError(ErrorInvalidInput, "missing_message_id", nil)
	}
	fb, err := domain.ParseFeedback(strings.TrimSpace(value))
	if err != nil {
		return "", newError(ErrorInvalidInput, "invalid_feedback_value", err)
	}

	err = s.store.SetFeedback(ctx, messageID, fb)
	if errors.Is(err, domain.ErrNotFound) {
		return "", newError(ErrorNotFound, "message_not_found", err)
	}
	if err != nil {
		return "", newError(ErrorInternal, "feedback_write_error", err)
	}
	return fb, nil
}
