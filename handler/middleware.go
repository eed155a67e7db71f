package handler

import (
	"log/slog"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"support-assistant/internal/auth"
	"support-assistant/internal/usecase"
)

const (
	ctxCorrelationID = "correlation_id"
	ctxIdentity      = "identity"
)

var newCorrelationID = func() string {
	return uuid.NewString()
}

// correlation echoes X-Correlation-Id when supplied and generates one otherwise.
func (h *Handler) correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(headerCorrelationID))
		if id == "" {
			id = newCorrelationID()
		}
		c.Set(ctxCorrelationID, id)
		c.Header(headerCorrelationID, id)
		c.Next()
	}
}

// authenticate resolves the bearer token into an identity. Registered
// identities minted elsewhere get their quota record on first use.
func (h *Handler) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := auth.BearerToken(c.GetHeader("Authorization"))
		if !ok {
			h.writeError(c, &usecase.Error{Code: usecase.ErrorUnauthorized, Reason: "missing_token"})
			return
		}
		id, err := h.svc.Tokens.Parse(token)
		if err != nil {
			h.writeError(c, &usecase.Error{Code: usecase.ErrorUnauthorized, Reason: "invalid_token", Err: err})
			return
		}
		if !id.Guest {
			if _, err := h.svc.Callers.Enroll(c.Request.Context(), id.CallerID, false); err != nil {
				h.writeError(c, err)
				return
			}
		}
		c.Set(ctxIdentity, id)
		c.Next()
	}
}

func (h *Handler) instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.metrics.ObserveHTTP(c.FullPath(), c.Request.Method, c.Writer.Status(), time.Since(start))
	}
}

func identityFrom(c *gin.Context) auth.Identity {
	v, _ := c.Get(ctxIdentity)
	id, _ := v.(auth.Identity)
	return id
}

func (h *Handler) requestLogger(c *gin.Context) *slog.Logger {
	l := h.logger.With("correlation_id", c.GetString(ctxCorrelationID))
	if id := identityFrom(c); id.CallerID != "" {
		l = l.With("caller_id", id.CallerID)
	}
	return l
}
