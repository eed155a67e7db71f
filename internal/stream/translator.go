package stream

import (
	"encoding/json"
	"strings"

	"support-assistant/internal/domain"
)

// upstreamRecord is the subset of the completion record this service reads.
// Anything else in the record is passed through to the client untouched.
type upstreamRecord struct {
	Output *upstreamOutput `json:"output"`
}

type upstreamOutput struct {
	Text      *string `json:"text"`
	SessionID string  `json:"session_id"`
}

// Translator maps decoded records to client events while accumulating the
// full answer and the most recent session id.
type Translator struct {
	answer    strings.Builder
	sessionID string
	deltas    int
}

func NewTranslator() *Translator {
	return &Translator{}
}

// Translate returns the delta event for rec, if it carries text. Records of
// an unrecognised shape produce nothing.
func (t *Translator) Translate(rec Record) (domain.StreamEvent, bool) {
	var r upstreamRecord
	if err := json.Unmarshal(rec.Data, &r); err != nil || r.Output == nil {
		return domain.StreamEvent{}, false
	}
	if r.Output.SessionID != "" {
		t.sessionID = r.Output.SessionID
	}
	if r.Output.Text == nil || *r.Output.Text == "" {
		return domain.StreamEvent{}, false
	}

	t.answer.WriteString(*r.Output.Text)
	t.deltas++
	return domain.StreamEvent{
		Type: domain.EventDelta,
		Text: *r.Output.Text,
		Raw:  rec.Data,
	}, true
}

// Answer is the concatenation of every delta seen so far.
func (t *Translator) Answer() string {
	return t.answer.String()
}

// SessionID is the last continuity token seen; later tokens win.
func (t *Translator) SessionID() string {
	return t.sessionID
}

// Deltas is the number of delta events produced.
func (t *Translator) Deltas() int {
	return t.deltas
}
