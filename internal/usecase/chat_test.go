package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"support-assistant/internal/domain"
)

// chunkReader returns one chunk per Read, then err (io.EOF when nil).
type chunkReader struct {
	chunks []string
	err    error
	closed bool
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	if n < len(r.chunks[0]) {
		r.chunks[0] = r.chunks[0][n:]
	} else {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func (r *chunkReader) Close() error {
	r.closed = true
	return nil
}

type fakeUpstream struct {
	credErr error
	openErr error
	body    *chunkReader

	calls     int
	prompt    string
	sessionID string
}

func (f *fakeUpstream) CheckCredentials(context.Context) error {
	return f.credErr
}

func (f *fakeUpstream) StreamCompletion(_ context.Context, prompt, sessionID string) (io.ReadCloser, error) {
	f.calls++
	f.prompt = prompt
	f.sessionID = sessionID
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.body, nil
}

type recordingSink struct {
	events  []domain.StreamEvent
	failAt  int
	sendErr error
}

func (s *recordingSink) Send(ev domain.StreamEvent) error {
	if s.sendErr != nil && len(s.events) >= s.failAt {
		return s.sendErr
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) text() string {
	var b strings.Builder
	for _, ev := range s.events {
		if ev.Type == domain.EventDelta {
			b.WriteString(ev.Text)
		}
	}
	return b.String()
}

func (s *recordingSink) last() domain.StreamEvent {
	return s.events[len(s.events)-1]
}

type recordingObserver struct {
	mu        sync.Mutex
	started   int
	finished  []string
	firsts    int
	denied    []string
	persisted int
	failed    int
	skipped   int
}

func (o *recordingObserver) StreamStarted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *recordingObserver) StreamFinished(state string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, state)
}

func (o *recordingObserver) FirstDelta(time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.firsts++
}

func (o *recordingObserver) QuotaDenied(tier string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.denied = append(o.denied, tier)
}

func (o *recordingObserver) ExchangePersisted(string, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.persisted++
}

func (o *recordingObserver) PersistFailed(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed++
}

func (o *recordingObserver) RecordsSkipped(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.skipped += n
}

func sseRecord(text, sessionID string) string {
	b, _ := json.Marshal(map[string]any{
		"output": map[string]any{"text": text, "session_id": sessionID, "finish_reason": "null"},
		"usage":  map[string]any{"models": []any{}},
	})
	return fmt.Sprintf("id:1\nevent:result\n:HTTP_STATUS/200\ndata:%s\n\n", b)
}

func sseBody(sessionID string, texts ...string) string {
	var b strings.Builder
	for _, t := range texts {
		b.WriteString(sseRecord(t, sessionID))
	}
	return b.String()
}

type chatFixture struct {
	store    *memStore
	upstream *fakeUpstream
	observer *recordingObserver
	svc      *ChatService
}

func newChatFixture(t *testing.T, body *chunkReader) *chatFixture {
	t.Helper()
	store := newMemStore()
	seedCaller(store, "caller-1", true, 0, "2026-03-10")
	clock := &fixedClock{now: testNow}
	obs := &recordingObserver{}

	gate := newTestGate(t, store, clock)
	convs, err := NewConversationService(store, 20, WithClock(clock.Now))
	require.NoError(t, err)

	up := &fakeUpstream{body: body}
	svc, err := NewChatService(up, gate, convs, ChatConfig{MaxMessageLength: 50}, WithObserver(obs), WithClock(clock.Now))
	require.NoError(t, err)
	return &chatFixture{store: store, upstream: up, observer: obs, svc: svc}
}

func TestNewChatService_ValidatesDependencies(t *testing.T) {
	store := newMemStore()
	gate, err := NewQuotaGate(store, QuotaPolicy{})
	require.NoError(t, err)
	convs, err := NewConversationService(store, 20)
	require.NoError(t, err)

	_, err = NewChatService(nil, gate, convs, ChatConfig{})
	require.Error(t, err)
	_, err = NewChatService(&fakeUpstream{}, nil, convs, ChatConfig{})
	require.Error(t, err)
	_, err = NewChatService(&fakeUpstream{}, gate, nil, ChatConfig{})
	require.Error(t, err)

	svc, err := NewChatService(&fakeUpstream{}, gate, convs, ChatConfig{})
	require.NoError(t, err)
	require.Equal(t, defaultMaxMessageLength, svc.cfg.MaxMessageLength)
	require.Equal(t, defaultPersistTimeout, svc.cfg.PersistTimeout)
}

func TestChat_CleanStreamPersistsOnce(t *testing.T) {
	raw := sseBody("sess-1", "The ", "bandwidth ", "is ", "100MHz.")
	// Split at awkward points, including inside a delimiter.
	body := &chunkReader{chunks: []string{raw[:7], raw[7:120], raw[120:121], raw[121:]}}
	f := newChatFixture(t, body)

	turn, err := f.svc.Prepare(context.Background(), ChatInput{CallerID: "caller-1", Message: "What is the bandwidth?"})
	require.NoError(t, err)
	require.Equal(t, StateQuotaChecked, turn.State())
	require.Equal(t, 19, turn.Remaining())

	sink := &recordingSink{}
	res := turn.Run(context.Background(), sink)
	require.NoError(t, res.Err)
	require.Equal(t, StateClosed, res.State)
	require.Equal(t, "The bandwidth is 100MHz.", res.Answer)
	require.Equal(t, 4, res.Deltas)
	require.Equal(t, "sess-1", res.SessionID)
	require.True(t, body.closed)

	require.Equal(t, 1, f.store.saves())
	msg := f.store.message(res.MessageID)
	require.Equal(t, "What is the bandwidth?", msg.Prompt)
	require.Equal(t, "The bandwidth is 100MHz.", msg.Answer)
	require.Equal(t, "sess-1", msg.SessionID)
	require.Equal(t, 0, msg.Index)

	require.Len(t, sink.events, 5)
	require.Equal(t, "The bandwidth is 100MHz.", sink.text())
	meta := sink.last()
	require.Equal(t, domain.EventMetadata, meta.Type)
	require.Equal(t, res.ConversationID, meta.ConversationID)
	require.Equal(t, res.MessageID, meta.MessageID)
	require.Equal(t, "sess-1", meta.SessionID)

	require.Equal(t, []StreamState{StateQuotaChecked, StateUpstreamOpen, StateStreaming, StateFinalizing, StateClosed}, turn.Trace())
	require.Equal(t, 1, f.observer.started)
	require.Equal(t, []string{"closed"}, f.observer.finished)
	require.Equal(t, 1, f.observer.firsts)
	require.Equal(t, 1, f.observer.persisted)
}

func TestChat_DeltaForwardsUpstreamRecordVerbatim(t *testing.T) {
	f := newChatFixture(t, &chunkReader{chunks: []string{sseBody("sess-1", "Hi")}})
	turn, err := f.svc.Prepare(context.Background(), ChatInput{CallerID: "caller-1", Message: "hello"})
	require.NoError(t, err)

	sink := &recordingSink{}
	turn.Run(context.Background(), sink)

	out, err := json.Marshal(sink.events[0])
	require.NoError(t, err)
	require.Contains(t, string(out), `"finish_reason":"null"`)
	require.Contains(t, string(out), `"text":"Hi"`)
}

func TestChat_PassesSessionIDAndKeepsItWhenUpstreamOmitsOne(t *testing.T) {
	f := newChatFixture(t, &chunkReader{chunks: []string{sseBody("", "ok")}})
	f.store.convs["conv-1"] = domain.Conversation{ID: "conv-1", CallerID: "caller-1", MessageCount: 2}

	turn, err := f.svc.Prepare(context.Background(), ChatInput{
		CallerID:       "caller-1",
		Message:        "follow-up",
		ConversationID: "conv-1",
		SessionID:      "sess-prev",
	})
	require.NoError(t, err)

	res := turn.Run(context.Background(), &recordingSink{})
	require.NoError(t, res.Err)
	require.Equal(t, "sess-prev", f.upstream.sessionID)
	require.Equal(t, "sess-prev", res.SessionID)
	require.Equal(t, "conv-1", res.ConversationID)
	require.Equal(t, 2, f.store.message(res.MessageID).Index)
}

func TestChat_UpstreamErrorMidStreamSkipsPersistence(t *testing.T) {
	body := &chunkReader{
		chunks: []string{sseBody("sess-1", "partial ", "answer")},
		err:    io.ErrUnexpectedEOF,
	}
	f := newChatFixture(t, body)
	turn, err := f.svc.Prepare(context.Background(), ChatInput{CallerID: "caller-1", Message: "question"})
	require.NoError(t, err)

	sink := &recordingSink{}
	res := turn.Run(context.Background(), sink)

	require.Equal(t, StateErrored, res.State)
	var usecaseErr *Error
	require.ErrorAs(t, res.Err, &usecaseErr)
	require.Equal(t, ErrorUpstream, usecaseErr.Code)
	require.Equal(t, 0, f.store.saves())
	require.Empty(t, res.MessageID)

	require.Equal(t, "partial answer", sink.text())
	require.Equal(t, domain.EventError, sink.last().Type)
	require.Equal(t, genericStreamError, sink.last().Error)
	require.Equal(t, []string{"errored"}, f.observer.finished)
}

func TestChat_UpstreamOpenFailure(t *testing.T) {
	f := newChatFixture(t, nil)
	f.upstream.openErr = errors.New("connection refused")
	turn, err := f.svc.Prepare(context.Background(), ChatInput{CallerID: "caller-1", Message: "question"})
	require.NoError(t, err)

	sink := &recordingSink{}
	res := turn.Run(context.Background(), sink)
	require.Equal(t, StateErrored, res.State)
	require.Len(t, sink.events, 1)
	require.Equal(t, domain.EventError, sink.events[0].Type)
	require.Equal(t, 0, f.store.saves())
	require.Equal(t, []StreamState{StateQuotaChecked, StateErrored}, turn.Trace())
}

func TestChat_EmptyUpstreamIsAnError(t *testing.T) {
	f := newChatFixture(t, &chunkReader{})
	turn, err := f.svc.Prepare(context.Background(), ChatInput{CallerID: "caller-1", Message: "question"})
	require.NoError(t, err)

	res := turn.Run(context.Background(), &recordingSink{})
	require.Equal(t, StateErrored, res.State)
	expectUsecaseError(t, res.Err, ErrorUpstream, "upstream_empty")
	require.Equal(t, 0, f.store.saves())
}

func TestChat_ClientDisconnectSkipsPersistence(t *testing.T) {
	f := newChatFixture(t, &chunkReader{chunks: []string{sseBody("s", "one ", "two ", "three")}})
	turn, err := f.svc.Prepare(context.Background(), ChatInput{CallerID: "caller-1", Message: "question"})
	require.NoError(t, err)

	sink := &recordingSink{failAt: 1, sendErr: errors.New("broken pipe")}
	res := turn.Run(context.Background(), sink)

	require.Equal(t, StateErrored, res.State)
	require.Len(t, sink.events, 1)
	require.Equal(t, 0, f.store.saves())
	require.True(t, f.upstream.body.closed)
}

func TestChat_CancelledContextSendsNoErrorEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newChatFixture(t, &chunkReader{chunks: []string{sseBody("s", "one ")}, err: context.Canceled})
	turn, err := f.svc.Prepare(ctx, ChatInput{CallerID: "caller-1", Message: "question"})
	require.NoError(t, err)

	cancel()
	sink := &recordingSink{}
	res := turn.Run(ctx, sink)
	require.Equal(t, StateErrored, res.State)
	require.ErrorIs(t, res.Err, context.Canceled)
	for _, ev := range sink.events {
		require.NotEqual(t, domain.EventError, ev.Type)
	}
	require.Equal(t, 0, f.store.saves())
}

func TestChat_PersistFailureSendsDegradedMetadata(t *testing.T) {
	f := newChatFixture(t, &chunkReader{chunks: []string{sseBody("sess-1", "answer")}})
	f.store.saveErr = errStoreDown
	turn, err := f.svc.Prepare(context.Background(), ChatInput{CallerID: "caller-1", Message: "question"})
	require.NoError(t, err)

	sink := &recordingSink{}
	res := turn.Run(context.Background(), sink)

	require.Equal(t, StateClosed, res.State)
	require.NoError(t, res.Err)
	require.Empty(t, res.MessageID)
	meta := sink.last()
	require.Equal(t, domain.EventMetadata, meta.Type)
	require.Empty(t, meta.MessageID)
	require.NotEmpty(t, meta.ConversationID)
	require.Equal(t, 1, f.observer.failed)

	out, err := json.Marshal(meta)
	require.NoError(t, err)
	require.NotContains(t, string(out), "message_id")
}

func TestChat_OtherCallersConversationIsNotWritten(t *testing.T) {
	f := newChatFixture(t, &chunkReader{chunks: []string{sseBody("sess-new", "answer")}})
	f.store.convs["conv-owned"] = domain.Conversation{ID: "conv-owned", CallerID: "owner", Title: "Mine", MessageCount: 1, SessionID: "sess-owner"}

	turn, err := f.svc.Prepare(context.Background(), ChatInput{CallerID: "caller-1", Message: "injected", ConversationID: "conv-owned"})
	require.NoError(t, err)

	sink := &recordingSink{}
	res := turn.Run(context.Background(), sink)
	require.Equal(t, StateClosed, res.State)
	require.Empty(t, res.MessageID)
	meta := sink.last()
	require.Equal(t, domain.EventMetadata, meta.Type)
	require.Equal(t, "conv-owned", meta.ConversationID)
	require.Empty(t, meta.MessageID)

	conv := f.store.convs["conv-owned"]
	require.Equal(t, 1, conv.MessageCount)
	require.Equal(t, "sess-owner", conv.SessionID)
	require.Zero(t, f.store.saves())
	require.Equal(t, 1, f.observer.failed)
}

func TestChat_OversizedUpstreamRecordFails(t *testing.T) {
	chunks := []string{sseRecord("before ", "s"), `data:{"output":{"text":"`}
	filler := strings.Repeat("x", 256<<10)
	for i := 0; i < 5; i++ {
		chunks = append(chunks, filler)
	}
	f := newChatFixture(t, &chunkReader{chunks: chunks})
	turn, err := f.svc.Prepare(context.Background(), ChatInput{CallerID: "caller-1", Message: "question"})
	require.NoError(t, err)

	sink := &recordingSink{}
	res := turn.Run(context.Background(), sink)
	require.Equal(t, StateErrored, res.State)
	expectUsecaseError(t, res.Err, ErrorUpstream, "upstream_record_too_large")
	require.Equal(t, "before ", sink.text())
	require.Equal(t, domain.EventError, sink.last().Type)
	require.Zero(t, f.store.saves())
	require.True(t, f.upstream.body.closed)
}

func TestChat_StreamWithoutDeltasIsAnError(t *testing.T) {
	raw := "id:1\nevent:error\n:HTTP_STATUS/400\ndata:{\"code\":\"InvalidParameter\",\"message\":\"bad\"}\n\n" +
		sseRecord("", "sess-1")
	f := newChatFixture(t, &chunkReader{chunks: []string{raw}})
	turn, err := f.svc.Prepare(context.Background(), ChatInput{CallerID: "caller-1", Message: "question"})
	require.NoError(t, err)

	sink := &recordingSink{}
	res := turn.Run(context.Background(), sink)
	require.Equal(t, StateErrored, res.State)
	expectUsecaseError(t, res.Err, ErrorUpstream, "upstream_no_content")
	require.Len(t, sink.events, 1)
	require.Equal(t, domain.EventError, sink.events[0].Type)
	require.Zero(t, f.store.saves())
	require.Equal(t, []StreamState{StateQuotaChecked, StateUpstreamOpen, StateStreaming, StateErrored}, turn.Trace())
}

func TestChat_MalformedRecordsAreSkipped(t *testing.T) {
	raw := "data:{\"output\":{\"text\":\"ok \"}}\n\ndata:{\"output\":{\"text\":}}\n\ndata:[DONE]\n\n" + sseBody("s", "done")
	f := newChatFixture(t, &chunkReader{chunks: []string{raw}})
	turn, err := f.svc.Prepare(context.Background(), ChatInput{CallerID: "caller-1", Message: "question"})
	require.NoError(t, err)

	res := turn.Run(context.Background(), &recordingSink{})
	require.Equal(t, StateClosed, res.State)
	require.Equal(t, "ok done", res.Answer)
	require.Equal(t, 1, f.observer.skipped)
}

func TestChat_RunTwice(t *testing.T) {
	f := newChatFixture(t, &chunkReader{chunks: []string{sseBody("s", "x")}})
	turn, err := f.svc.Prepare(context.Background(), ChatInput{CallerID: "caller-1", Message: "question"})
	require.NoError(t, err)

	first := turn.Run(context.Background(), &recordingSink{})
	require.NoError(t, first.Err)
	second := turn.Run(context.Background(), &recordingSink{})
	require.ErrorIs(t, second.Err, errTurnReused)
	require.Equal(t, 1, f.store.saves())
}

func TestPrepare_Validation(t *testing.T) {
	f := newChatFixture(t, nil)

	_, err := f.svc.Prepare(context.Background(), ChatInput{CallerID: "caller-1", Message: "   "})
	expectUsecaseError(t, err, ErrorInvalidInput, "empty_message")

	_, err = f.svc.Prepare(context.Background(), ChatInput{CallerID: "caller-1", Message: strings.Repeat("a", 51)})
	expectUsecaseError(t, err, ErrorInvalidInput, "message_too_long")

	require.Equal(t, 0, f.store.callers["caller-1"].DailyCount)
}

func TestPrepare_MissingCredentialsDoesNotConsumeQuota(t *testing.T) {
	f := newChatFixture(t, nil)
	f.upstream.credErr = errors.New("no api key")

	_, err := f.svc.Prepare(context.Background(), ChatInput{CallerID: "caller-1", Message: "question"})
	expectUsecaseError(t, err, ErrorConfiguration, "missing_upstream_credentials")
	require.Equal(t, 0, f.store.callers["caller-1"].DailyCount)
	require.Equal(t, 0, f.upstream.calls)
}

func TestPrepare_QuotaDenied(t *testing.T) {
	f := newChatFixture(t, nil)
	seedCaller(f.store, "caller-1", true, 20, "2026-03-10")

	turn, err := f.svc.Prepare(context.Background(), ChatInput{CallerID: "caller-1", Message: "question"})
	require.Nil(t, turn)
	expectUsecaseError(t, err, ErrorQuotaExceeded, "daily_limit_reached")

	var usecaseErr *Error
	require.ErrorAs(t, err, &usecaseErr)
	require.Contains(t, usecaseErr.Detail, "Guests can send 20 messages")
	require.Equal(t, []string{"guest"}, f.observer.denied)
	require.Equal(t, 0, f.upstream.calls)
}
