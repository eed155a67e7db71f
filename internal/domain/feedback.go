package domain

import "fmt"

// Feedback is the tri-state rating attached to a message.
type Feedback string

const (
	FeedbackNone    Feedback = "none"
	FeedbackLike    Feedback = "like"
	FeedbackDislike Feedback = "dislike"
)

// ParseFeedback maps the client vocabulary (like, dislike, cancel) to a Feedback.
func ParseFeedback(v string) (Feedback, error) {
	switch v {
	case "like":
		return FeedbackLike, nil
	case "dislike":
		return FeedbackDislike, nil
	case "cancel", "none", "":
		return FeedbackNone, nil
	default:
		return "", fmt.Errorf("domain: unknown feedback value %q", v)
	}
}

// Normalize treats unset values read from storage as FeedbackNone.
func (f Feedback) Normalize() Feedback {
	switch f {
	case FeedbackLike, FeedbackDislike:
		return f
	default:
		return FeedbackNone
	}
}
