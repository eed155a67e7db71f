package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"support-assistant/internal/auth"
	"support-assistant/internal/domain"
	"support-assistant/internal/observability"
	"support-assistant/internal/usecase"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerRemaining     = "X-Quota-Remaining"
)

type ChatPreparer interface {
	Prepare(ctx context.Context, in usecase.ChatInput) (*usecase.ChatTurn, error)
}

type FeedbackSetter interface {
	SetFeedback(ctx context.Context, messageID, value string) (domain.Feedback, error)
}

type HistoryReader interface {
	History(ctx context.Context, callerID, conversationID string) (domain.Conversation, []domain.Message, error)
}

// CallerRegistry covers guest bootstrap, lazy enrollment and quota reads.
type CallerRegistry interface {
	RegisterGuest(ctx context.Context) (domain.Caller, error)
	Enroll(ctx context.Context, callerID string, guest bool) (domain.Caller, error)
	Status(ctx context.Context, callerID string) (usecase.QuotaStatus, error)
}

type TokenAuthority interface {
	Issue(id auth.Identity) (string, time.Time, error)
	Parse(token string) (auth.Identity, error)
}

// Services groups the use cases the HTTP surface needs. All are required.
type Services struct {
	Chat     ChatPreparer
	Feedback FeedbackSetter
	History  HistoryReader
	Callers  CallerRegistry
	Tokens   TokenAuthority
}

type Handler struct {
	svc     Services
	logger  *slog.Logger
	metrics *observability.Metrics
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithMetrics records per-route request metrics and serves GET /metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

func NewHandler(svc Services, opts ...Option) (*Handler, error) {
	switch {
	case svc.Chat == nil:
		return nil, errors.New("handler: chat service must not be nil")
	case svc.Feedback == nil:
		return nil, errors.New("handler: feedback service must not be nil")
	case svc.History == nil:
		return nil, errors.New("handler: history service must not be nil")
	case svc.Callers == nil:
		return nil, errors.New("handler: caller registry must not be nil")
	case svc.Tokens == nil:
		return nil, errors.New("handler: token authority must not be nil")
	}
	h := &Handler{svc: svc, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Router builds the gin engine with every route and middleware installed.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.correlation())
	if h.metrics != nil {
		r.Use(h.instrument())
		r.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.POST("/session/guest", h.createGuest)

	authed := api.Group("", h.authenticate())
	authed.POST("/chat", h.chat)
	authed.POST("/chat/feedback", h.feedback)
	authed.GET("/conversations/:id/messages", h.history)
	authed.GET("/quota", h.quota)
	return r
}

type errorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Remaining *int   `json:"remaining,omitempty"`
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorUnauthorized:
		return http.StatusUnauthorized
	case usecase.ErrorQuotaExceeded:
		return http.StatusTooManyRequests
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorConfiguration:
		return http.StatusServiceUnavailable
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var defaultMessages = map[usecase.ErrorCode]string{
	usecase.ErrorInvalidInput:  "The request is invalid.",
	usecase.ErrorUnauthorized:  "Sign in or start a guest session to continue.",
	usecase.ErrorNotFound:      "The requested item does not exist.",
	usecase.ErrorConfiguration: "The assistant is not configured. Please contact support.",
	usecase.ErrorUpstream:      "The assistant is unavailable right now. Please try again.",
}

// errorBody converts err into the JSON error contract. Unknown errors become
// INTERNAL_ERROR; their text never reaches the client.
func errorBody(err error) (int, errorResponse) {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		return http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal), Message: "Something went wrong."}
	}
	resp := errorResponse{Error: string(ue.Code), Message: ue.Detail}
	if resp.Message == "" {
		resp.Message = defaultMessages[ue.Code]
	}
	if resp.Message == "" {
		resp.Message = "Something went wrong."
	}
	if ue.Code == usecase.ErrorQuotaExceeded {
		zero := 0
		resp.Remaining = &zero
	}
	return statusFor(ue.Code), resp
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status, body := errorBody(err)
	logger := h.requestLogger(c)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", status, "err", err)
	} else {
		logger.Info("request rejected", "status", status, "err", err)
	}
	c.AbortWithStatusJSON(status, body)
}

func invalidBody(err error) error {
	return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_body", Err: err}
}
