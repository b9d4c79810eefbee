package httpapi

import (
	"time"

	"github.com/ent0n29/callcore/internal/policy"
	"github.com/ent0n29/callcore/internal/session"
)

// callView is the operator-facing snapshot of a stored call. Caller
// identity and slot values are redacted; conversation history is reduced to
// a count.
type callView struct {
	CallID            string            `json:"call_id"`
	StreamID          string            `json:"stream_id,omitempty"`
	Status            session.Status    `json:"status"`
	State             string            `json:"state"`
	Intent            string            `json:"intent"`
	Slots             map[string]string `json:"slots,omitempty"`
	CallerNumber      string            `json:"caller_number,omitempty"`
	CallerKnown       bool              `json:"caller_known"`
	Verified          bool              `json:"verified"`
	Escalated         bool              `json:"escalated"`
	EscalationReason  string            `json:"escalation_reason,omitempty"`
	EndReason         string            `json:"end_reason,omitempty"`
	LastToolError     string            `json:"last_tool_error,omitempty"`
	Turns             int               `json:"turns"`
	InterruptionCount int               `json:"interruption_count"`
	HistoryItems      int               `json:"history_items"`
	PromptTokens      int               `json:"prompt_tokens"`
	CompletionTokens  int               `json:"completion_tokens"`
	StartedAt         time.Time         `json:"started_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	Version           int64             `json:"version"`
}

func newCallView(rec *session.Record) callView {
	conv := rec.Conversation
	slots := make(map[string]string)
	for k, v := range conv.Slots.Map() {
		slots[k] = policy.Redact(v)
	}
	return callView{
		CallID:            rec.CallID,
		StreamID:          rec.StreamID,
		Status:            rec.Status,
		State:             conv.State.String(),
		Intent:            conv.Intent.String(),
		Slots:             slots,
		CallerNumber:      policy.Redact(rec.CallerNumber),
		CallerKnown:       conv.Caller != nil,
		Verified:          conv.Verified,
		Escalated:         rec.Escalated,
		EscalationReason:  rec.EscalationReason,
		EndReason:         rec.EndReason,
		LastToolError:     policy.Redact(conv.LastToolError),
		Turns:             rec.Turns,
		InterruptionCount: rec.InterruptionCount,
		HistoryItems:      len(rec.History),
		PromptTokens:      rec.Usage.PromptTokens,
		CompletionTokens:  rec.Usage.CompletionTokens,
		StartedAt:         rec.StartedAt,
		UpdatedAt:         rec.UpdatedAt,
		Version:           rec.Version,
	}
}
