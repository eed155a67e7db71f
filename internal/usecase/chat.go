package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"support-assistant/internal/domain"
	"support-assistant/internal/stream"
)

const (
	defaultMaxMessageLength = 2000
	defaultPersistTimeout   = 10 * time.Second
	readBufferSize          = 4096

	// genericStreamError is the only failure text a client sees once a stream
	// has started. Details go to the log.
	genericStreamError = "The assistant is unavailable right now. Please try again."
)

// CompletionStreamer opens an upstream completion and returns its raw SSE body.
type CompletionStreamer interface {
	CheckCredentials(ctx context.Context) error
	StreamCompletion(ctx context.Context, prompt, sessionID string) (io.ReadCloser, error)
}

// EventSink receives client events in order. A Send error means the client
// is gone.
type EventSink interface {
	Send(ev domain.StreamEvent) error
}

type Admitter interface {
	Admit(ctx context.Context, callerID string) (Admission, error)
}

type ConversationKeeper interface {
	EnsureConversation(ctx context.Context, callerID, suppliedID string) (string, error)
	PersistExchange(ctx context.Context, callerID, conversationID, prompt, answer, sessionID string) (string, error)
}

type StreamState string

const (
	StateIdle         StreamState = "idle"
	StateQuotaChecked StreamState = "quota_checked"
	StateUpstreamOpen StreamState = "upstream_open"
	StateStreaming    StreamState = "streaming"
	StateFinalizing   StreamState = "finalizing"
	StateClosed       StreamState = "closed"
	StateErrored      StreamState = "errored"
)

var streamTransitions = map[StreamState][]StreamState{
	StateIdle:         {StateQuotaChecked, StateClosed, StateErrored},
	StateQuotaChecked: {StateUpstreamOpen, StateErrored},
	StateUpstreamOpen: {StateStreaming, StateErrored},
	StateStreaming:    {StateFinalizing, StateErrored},
	StateFinalizing:   {StateClosed, StateErrored},
}

func canTransition(from, to StreamState) bool {
	for _, s := range streamTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s StreamState) Terminal() bool {
	return s == StateClosed || s == StateErrored
}

type ChatConfig struct {
	MaxMessageLength int
	PersistTimeout   time.Duration
}

type ChatInput struct {
	CallerID       string
	Message        string
	ConversationID string
	SessionID      string
}

// ChatResult summarizes a finished turn. MessageID is empty when nothing was
// persisted.
type ChatResult struct {
	State          StreamState
	ConversationID string
	MessageID      string
	SessionID      string
	Answer         string
	Deltas         int
	Err            error
}

// ChatService runs chat exchanges from admission to the terminal event.
type ChatService struct {
	upstream      CompletionStreamer
	quota         Admitter
	conversations ConversationKeeper
	cfg           ChatConfig
	opts          options
}

func NewChatService(upstream CompletionStreamer, quota Admitter, conversations ConversationKeeper, cfg ChatConfig, opts ...Option) (*ChatService, error) {
	if upstream == nil {
		return nil, errors.New("usecase: completion streamer must not be nil")
	}
	if quota == nil {
		return nil, errors.New("usecase: quota admitter must not be nil")
	}
	if conversations == nil {
		return nil, errors.New("usecase: conversation keeper must not be nil")
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = defaultMaxMessageLength
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	return &ChatService{
		upstream:      upstream,
		quota:         quota,
		conversations: conversations,
		cfg:           cfg,
		opts:          buildOptions(opts),
	}, nil
}

// Prepare validates the request, checks upstream credentials and consumes one
// quota slot. Only errors returned here may stop a stream from starting; the
// returned turn is in StateQuotaChecked.
func (s *ChatService) Prepare(ctx context.Context, in ChatInput) (*ChatTurn, error) {
	in.Message = strings.TrimSpace(in.Message)
	in.ConversationID = strings.TrimSpace(in.ConversationID)
	in.SessionID = strings.TrimSpace(in.SessionID)
	if in.Message == "" {
		return nil, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(in.Message) > s.cfg.MaxMessageLength {
		e := newError(ErrorInvalidInput, "message_too_long", nil)
		e.Detail = fmt.Sprintf("Messages are limited to %d characters.", s.cfg.MaxMessageLength)
		return nil, e
	}

	// Credentials are checked first so a misconfigured deployment does not
	// burn caller quota.
	if err := s.upstream.CheckCredentials(ctx); err != nil {
		return nil, newError(ErrorConfiguration, "missing_upstream_credentials", err)
	}

	adm, err := s.quota.Admit(ctx, in.CallerID)
	if err != nil {
		return nil, err
	}
	if !adm.Granted {
		s.opts.observer.QuotaDenied(adm.Tier)
		s.opts.logger.Info("chat quota denied", "caller_id", in.CallerID, "tier", adm.Tier, "limit", adm.Limit)
		e := newError(ErrorQuotaExceeded, "daily_limit_reached", nil)
		e.Detail = adm.Reason
		return nil, e
	}

	t := &ChatTurn{
		svc:       s,
		in:        in,
		admission: adm,
		state:     StateIdle,
	}
	t.transition(StateQuotaChecked)
	return t, nil
}

// ChatTurn is one admitted exchange. Run may be called once.
type ChatTurn struct {
	svc       *ChatService
	in        ChatInput
	admission Admission
	started   atomic.Bool

	state StreamState
	trace []StreamState
}

// Remaining is the caller's quota left after this turn was admitted.
func (t *ChatTurn) Remaining() int {
	return t.admission.Remaining
}

// State is the current state. It is not safe to call concurrently with Run.
func (t *ChatTurn) State() StreamState {
	return t.state
}

// Trace lists every state the turn has entered, in order.
func (t *ChatTurn) Trace() []StreamState {
	return append([]StreamState(nil), t.trace...)
}

func (t *ChatTurn) transition(to StreamState) {
	if !canTransition(t.state, to) {
		t.svc.opts.logger.Error("invalid chat state transition", "from", t.state, "to", to)
	}
	t.state = to
	t.trace = append(t.trace, to)
}

var errTurnReused = errors.New("usecase: chat turn already run")

// Run streams the answer into sink and, after a clean upstream end with at
// least one delta, persists the exchange and sends the terminal metadata event. Persistence is never
// attempted after a failure or a client disconnect.
func (t *ChatTurn) Run(ctx context.Context, sink EventSink) ChatResult {
	if !t.started.CompareAndSwap(false, true) {
		return ChatResult{State: t.state, Err: errTurnReused}
	}

	obs := t.svc.opts.observer
	logger := t.svc.opts.logger.With("caller_id", t.in.CallerID)
	start := t.svc.opts.now()
	obs.StreamStarted()
	defer func() {
		obs.StreamFinished(string(t.state), t.svc.opts.now().Sub(start))
	}()

	convID, err := t.svc.conversations.EnsureConversation(ctx, t.in.CallerID, t.in.ConversationID)
	if err != nil {
		return t.fail(ctx, sink, ChatResult{}, err)
	}
	res := ChatResult{ConversationID: convID}
	logger = logger.With("conversation_id", convID)

	body, err := t.svc.upstream.StreamCompletion(ctx, t.in.Message, t.in.SessionID)
	if err != nil {
		return t.fail(ctx, sink, res, newError(ErrorUpstream, "upstream_open_error", err))
	}
	defer body.Close()
	t.transition(StateUpstreamOpen)

	dec := stream.NewDecoder(logger)
	tr := stream.NewTranslator()
	buf := make([]byte, readBufferSize)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if t.state == StateUpstreamOpen {
				t.transition(StateStreaming)
			}
			recs, derr := dec.Feed(buf[:n])
			for _, rec := range recs {
				ev, ok := tr.Translate(rec)
				if !ok {
					continue
				}
				if tr.Deltas() == 1 {
					obs.FirstDelta(t.svc.opts.now().Sub(start))
				}
				if serr := sink.Send(ev); serr != nil {
					res.Answer, res.Deltas = tr.Answer(), tr.Deltas()
					return t.abandon(logger, res, serr)
				}
			}
			if derr != nil {
				res.Answer, res.Deltas = tr.Answer(), tr.Deltas()
				return t.fail(ctx, sink, res, newError(ErrorUpstream, "upstream_record_too_large", derr))
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			res.Answer, res.Deltas = tr.Answer(), tr.Deltas()
			if ctx.Err() != nil {
				return t.abandon(logger, res, ctx.Err())
			}
			return t.fail(ctx, sink, res, newError(ErrorUpstream, "upstream_read_error", rerr))
		}
	}

	if skipped := dec.Skipped(); skipped > 0 {
		obs.RecordsSkipped(skipped)
	}
	if t.state != StateStreaming {
		return t.fail(ctx, sink, res, newError(ErrorUpstream, "upstream_empty", errors.New("upstream closed without data")))
	}
	if left := dec.Discard(); left > 0 {
		logger.Warn("discarding incomplete trailing record", "bytes", left)
	}
	if tr.Deltas() == 0 {
		return t.fail(ctx, sink, res, newError(ErrorUpstream, "upstream_no_content", errors.New("upstream ended without a delta")))
	}

	res.Answer = tr.Answer()
	res.Deltas = tr.Deltas()
	res.SessionID = tr.SessionID()
	if res.SessionID == "" {
		res.SessionID = t.in.SessionID
	}

	t.transition(StateFinalizing)
	res.MessageID = t.persist(ctx, logger, res)

	meta := domain.StreamEvent{
		Type:           domain.EventMetadata,
		SessionID:      res.SessionID,
		ConversationID: convID,
		MessageID:      res.MessageID,
	}
	if err := sink.Send(meta); err != nil {
		logger.Warn("client gone before metadata event", "err", err)
	}
	t.transition(StateClosed)
	res.State = t.state
	return res
}

// persist runs detached from the request context so a client that leaves
// after the last delta does not lose a completed exchange.
func (t *ChatTurn) persist(ctx context.Context, logger *slog.Logger, res ChatResult) string {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.svc.cfg.PersistTimeout)
	defer cancel()

	msgID, err := t.svc.conversations.PersistExchange(pctx, t.in.CallerID, res.ConversationID, t.in.Message, res.Answer, res.SessionID)
	if err != nil {
		t.svc.opts.observer.PersistFailed(res.ConversationID)
		logger.Error("persist exchange failed", "err", err)
		return ""
	}
	t.svc.opts.observer.ExchangePersisted(res.ConversationID, msgID)
	logger.Info("exchange persisted", "message_id", msgID, "deltas", res.Deltas)
	return msgID
}

// fail moves to StateErrored and tells the client, unless the client is
// already gone.
func (t *ChatTurn) fail(ctx context.Context, sink EventSink, res ChatResult, err error) ChatResult {
	t.transition(StateErrored)
	res.State = t.state
	res.Err = err
	t.svc.opts.logger.Error("chat stream failed",
		"caller_id", t.in.CallerID,
		"conversation_id", res.ConversationID,
		"err", err,
	)
	if ctx.Err() != nil {
		return res
	}
	if serr := sink.Send(domain.StreamEvent{Type: domain.EventError, Error: genericStreamError}); serr != nil {
		t.svc.opts.logger.Warn("client gone before error event", "err", serr)
	}
	return res
}

// abandon handles a client that disconnected mid-stream.
func (t *ChatTurn) abandon(logger *slog.Logger, res ChatResult, cause error) ChatResult {
	t.transition(StateErrored)
	res.State = t.state
	res.Err = fmt.Errorf("usecase: client disconnected: %w", cause)
	logger.Info("client disconnected, skipping persistence", "deltas", res.Deltas)
	return res
}
