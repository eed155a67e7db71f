package usecase

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Observer is notified about chat lifecycle events. It replaces ad-hoc refresh
// callbacks: whoever builds the services decides who listens.
type Observer interface {
	StreamStarted()
	StreamFinished(state string, elapsed time.Duration)
	FirstDelta(elapsed time.Duration)
	QuotaDenied(tier string)
	ExchangePersisted(conversationID, messageID string)
	PersistFailed(conversationID string)
	RecordsSkipped(n int)
}

type nopObserver struct{}

func (nopObserver) StreamStarted()                       {}
func (nopObserver) StreamFinished(string, time.Duration) {}
func (nopObserver) FirstDelta(time.Duration)             {}
func (nopObserver) QuotaDenied(string)                   {}
func (nopObserver) ExchangePersisted(string, string)     {}
func (nopObserver) PersistFailed(string)                 {}
func (nopObserver) RecordsSkipped(int)                   {}

type Option func(*options)

type options struct {
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithClock overrides time.Now, mainly for quota day rollover tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:   slog.Default(),
		observer: nopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

var newUUID = func() string {
	return uuid.NewString()
}
