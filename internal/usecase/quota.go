package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"support-assistant/internal/domain"
	"support-assistant/internal/keylock"
)

const (
	defaultGuestDailyLimit      = 20
	defaultRegisteredDailyLimit = 100
	maxConditionalAttempts      = 5
)

type CallerStore interface {
	GetCaller(ctx context.Context, id string) (domain.Caller, error)
	PutCaller(ctx context.Context, caller domain.Caller) error
	UpdateQuota(ctx context.Context, id, prevDate string, prevCount int, newDate string, newCount int) error
}

type QuotaPolicy struct {
	GuestDailyLimit      int
	RegisteredDailyLimit int
}

func (p QuotaPolicy) limitFor(c domain.Caller) int {
	if c.Guest {
		return p.GuestDailyLimit
	}
	return p.RegisteredDailyLimit
}

func (p QuotaPolicy) denialReason(c domain.Caller) string {
	if c.Guest {
		return fmt.Sprintf("Guests can send %d messages per day. Register for a free account to keep chatting.", p.GuestDailyLimit)
	}
	return fmt.Sprintf("You have used all %d messages for today. Your quota resets at midnight UTC.", p.RegisteredDailyLimit)
}

// Admission is the Gate's verdict. Reason is set only when Granted is false.
type Admission struct {
	Granted   bool
	Remaining int
	Limit     int
	Tier      string
	Reason    string
}

// QuotaStatus is a read-only view of a caller's quota for today.
type QuotaStatus struct {
	Tier      string
	Limit     int
	Used      int
	Remaining int
}

// QuotaGate admits chat exchanges against a per-caller daily limit.
type QuotaGate struct {
	callers CallerStore
	policy  QuotaPolicy
	locks   keylock.Map
	opts    options
}

func NewQuotaGate(callers CallerStore, policy QuotaPolicy, opts ...Option) (*QuotaGate, error) {
	if callers == nil {
		return nil, errors.New("usecase: caller store must not be nil")
	}
	if policy.GuestDailyLimit <= 0 {
		policy.GuestDailyLimit = defaultGuestDailyLimit
	}
	if policy.RegisteredDailyLimit <= 0 {
		policy.RegisteredDailyLimit = defaultRegisteredDailyLimit
	}
	return &QuotaGate{
		callers: callers,
		policy:  policy,
		opts:    buildOptions(opts),
	}, nil
}

// Admit checks the caller's running count for today and, if below the tier
// limit, consumes one slot. The reset for a new day is written together with
// the increment. Updates are serialized per caller in-process and guarded by
// a conditional write in the store.
func (g *QuotaGate) Admit(ctx context.Context, callerID string) (Admission, error) {
	callerID = strings.TrimSpace(callerID)
	if callerID == "" {
		return Admission{}, newError(ErrorUnauthorized, "missing_caller", nil)
	}

	unlock := g.locks.Lock(callerID)
	defer unlock()

	for attempt := 0; attempt < maxConditionalAttempts; attempt++ {
		caller, err := g.loadCaller(ctx, callerID)
		if err != nil {
			return Admission{}, err
		}

		today := g.today()
		limit := g.policy.limitFor(caller)
		count := caller.CountOn(today)
		if count >= limit {
			return Admission{
				Granted: false,
				Limit:   limit,
				Tier:    caller.Tier(),
				Reason:  g.policy.denialReason(caller),
			}, nil
		}

		next := count + 1
		err = g.callers.UpdateQuota(ctx, callerID, caller.CountDate, caller.DailyCount, today, next)
		if errors.Is(err, domain.ErrConflict) {
			g.opts.logger.Debug("quota update raced, retrying", "caller_id", callerID, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return Admission{}, newError(ErrorInternal, "quota_write_error", err)
		}
		return Admission{
			Granted:   true,
			Remaining: limit - next,
			Limit:     limit,
			Tier:      caller.Tier(),
		}, nil
	}
	return Admission{}, newError(ErrorInternal, "quota_contention", domain.ErrConflict)
}

// Status reports today's usage without consuming quota.
func (g *QuotaGate) Status(ctx context.Context, callerID string) (QuotaStatus, error) {
	caller, err := g.loadCaller(ctx, strings.TrimSpace(callerID))
	if err != nil {
		return QuotaStatus{}, err
	}
	limit := g.policy.limitFor(caller)
	used := caller.CountOn(g.today())
	return QuotaStatus{
		Tier:      caller.Tier(),
		Limit:     limit,
		Used:      used,
		Remaining: max(limit-used, 0),
	}, nil
}

// RegisterGuest creates a fresh guest caller record with an unused quota.
func (g *QuotaGate) RegisterGuest(ctx context.Context) (domain.Caller, error) {
	return g.Enroll(ctx, newUUID(), true)
}

// Enroll returns the caller record for callerID, creating it with the given
// tier when it does not exist yet. An existing record keeps its stored tier.
func (g *QuotaGate) Enroll(ctx context.Context, callerID string, guest bool) (domain.Caller, error) {
	callerID = strings.TrimSpace(callerID)
	if callerID == "" {
		return domain.Caller{}, newError(ErrorUnauthorized, "missing_caller", nil)
	}

	unlock := g.locks.Lock(callerID)
	defer unlock()

	caller, err := g.callers.GetCaller(ctx, callerID)
	if err == nil {
		return caller, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Caller{}, newError(ErrorInternal, "caller_read_error", err)
	}

	caller = domain.Caller{
		ID:        callerID,
		Guest:     guest,
		CountDate: g.today(),
		CreatedAt: g.opts.now().UTC(),
	}
	if err := g.callers.PutCaller(ctx, caller); err != nil {
		return domain.Caller{}, newError(ErrorInternal, "caller_write_error", err)
	}
	g.opts.logger.Info("caller enrolled", "caller_id", callerID, "tier", caller.Tier())
	return caller, nil
}

func (g *QuotaGate) loadCaller(ctx context.Context, callerID string) (domain.Caller, error) {
	if callerID == "" {
		return domain.Caller{}, newError(ErrorUnauthorized, "missing_caller", nil)
	}
	caller, err := g.callers.GetCaller(ctx, callerID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Caller{}, newError(ErrorUnauthorized, "unknown_caller", err)
	}
	if err != nil {
		return domain.Caller{}, newError(ErrorInternal, "caller_read_error", err)
	}
	return caller, nil
}

func (g *QuotaGate) today() string {
	return g.opts.now().UTC().Format(domain.QuotaDateLayout)
}
