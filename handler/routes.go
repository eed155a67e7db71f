package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"support-assistant/internal/auth"
	"support-assistant/internal/usecase"
)

type chatRequest struct {
	Message         string `json:"message"`
	ConversationID  string `json:"conversationId"`
	ContinuityToken string `json:"continuityToken"`
	SessionID       string `json:"sessionId"`
}

func (r chatRequest) input(callerID string) usecase.ChatInput {
	session := r.ContinuityToken
	if strings.TrimSpace(session) == "" {
		session = r.SessionID
	}
	return usecase.ChatInput{
		CallerID:       callerID,
		Message:        r.Message,
		ConversationID: r.ConversationID,
		SessionID:      session,
	}
}

// chat answers with a live event stream. Validation, configuration and quota
// failures are plain JSON errors because no stream has started yet.
func (h *Handler) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, invalidBody(err))
		return
	}
	id := identityFrom(c)
	ctx := c.Request.Context()

	turn, err := h.svc.Chat.Prepare(ctx, req.input(id.CallerID))
	if err != nil {
		h.writeError(c, err)
		return
	}

	SetSSEHeaders(c.Writer.Header())
	c.Header(headerRemaining, strconv.Itoa(turn.Remaining()))
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	res := turn.Run(ctx, newSSESink(c.Writer))
	h.requestLogger(c).Info("chat stream finished",
		"state", res.State,
		"conversation_id", res.ConversationID,
		"message_id", res.MessageID,
		"deltas", res.Deltas,
	)
}

type feedbackRequest struct {
	MessageID string `json:"messageId"`
	Value     string `json:"value"`
}

type feedbackResponse struct {
	Success bool   `json:"success"`
	Value   string `json:"value"`
}

func (h *Handler) feedback(c *gin.Context) {
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, invalidBody(err))
		return
	}
	fb, err := h.svc.Feedback.SetFeedback(c.Request.Context(), req.MessageID, req.Value)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, feedbackResponse{Success: true, Value: string(fb)})
}

type conversationView struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	SessionID    string    `json:"sessionId"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type messageView struct {
	ID        string    `json:"id"`
	Index     int       `json:"index"`
	Prompt    string    `json:"prompt"`
	Answer    string    `json:"answer"`
	SessionID string    `json:"sessionId"`
	Feedback  string    `json:"feedback"`
	CreatedAt time.Time `json:"createdAt"`
}

type historyResponse struct {
	Conversation conversationView `json:"conversation"`
	Messages     []messageView    `json:"messages"`
}

func (h *Handler) history(c *gin.Context) {
	id := identityFrom(c)
	conv, msgs, err := h.svc.History.History(c.Request.Context(), id.CallerID, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	resp := historyResponse{
		Conversation: conversationView{
			ID:           conv.ID,
			Title:        conv.Title,
			SessionID:    conv.SessionID,
			MessageCount: conv.MessageCount,
			CreatedAt:    conv.CreatedAt,
			UpdatedAt:    conv.UpdatedAt,
		},
		Messages: make([]messageView, 0, len(msgs)),
	}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, messageView{
			ID:        m.ID,
			Index:     m.Index,
			Prompt:    m.Prompt,
			Answer:    m.Answer,
			SessionID: m.SessionID,
			Feedback:  string(m.Feedback.Normalize()),
			CreatedAt: m.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, resp)
}

type guestResponse struct {
	Token     string    `json:"token"`
	CallerID  string    `json:"caller_id"`
	Guest     bool      `json:"guest"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handler) createGuest(c *gin.Context) {
	caller, err := h.svc.Callers.RegisterGuest(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	token, exp, err := h.svc.Tokens.Issue(auth.Identity{CallerID: caller.ID, Guest: true})
	if err != nil {
		h.writeError(c, &usecase.Error{Code: usecase.ErrorInternal, Reason: "token_issue_error", Err: err})
		return
	}
	c.JSON(http.StatusCreated, guestResponse{Token: token, CallerID: caller.ID, Guest: true, ExpiresAt: exp})
}

type quotaResponse struct {
	Tier      string `json:"tier"`
	Limit     int    `json:"limit"`
	Used      int    `json:"used"`
	Remaining int    `json:"remaining"`
}

func (h *Handler) quota(c *gin.Context) {
	st, err := h.svc.Callers.Status(c.Request.Context(), identityFrom(c).CallerID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, quotaResponse{Tier: st.Tier, Limit: st.Limit, Used: st.Used, Remaining: st.Remaining})
}
