package escalation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jinzhu/copier"

	"github.com/ent0n29/callcore/internal/conversation"
	"github.com/ent0n29/callcore/internal/policy"
)

// CallerSummary is the part of the customer record a human agent sees.
// Verification facts are deliberately absent.
type CallerSummary struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Vehicle string `json:"vehicle,omitempty"`
}

// Context is what the assistant had collected when it handed off.
type Context struct {
	Intent               conversation.Intent `json:"intent"`
	Slots                conversation.Slots  `json:"slots"`
	Caller               *CallerSummary      `json:"caller,omitempty" copier:"-"`
	CallerNumber         string              `json:"caller_number"`
	Verified             bool                `json:"verified"`
	VerificationAttempts int                 `json:"verification_attempts"`
	LastToolError        string              `json:"last_tool_error,omitempty"`
	// Transcript holds the last few redacted turns, oldest first.
	Transcript []string `json:"transcript,omitempty"`
}

// Handoff is emitted once when a call enters ESCALATION.
type Handoff struct {
	ID         string             `json:"id"`
	CallID     string             `json:"call_id"`
	StreamID   string             `json:"stream_id,omitempty"`
	Reason     string             `json:"reason"`
	FromState  conversation.State `json:"from_state"`
	Context    Context            `json:"context"`
	OccurredAt time.Time          `json:"occurred_at"`
}

// CallEnded summarises a finished call for downstream consumers.
type CallEnded struct {
	ID               string              `json:"id"`
	CallID           string              `json:"call_id"`
	CallerNumber     string              `json:"caller_number"`
	Reason           string              `json:"reason"`
	FinalState       conversation.State  `json:"final_state"`
	Intent           conversation.Intent `json:"intent"`
	Escalated        bool                `json:"escalated"`
	Turns            int                 `json:"turns"`
	Interruptions    int                 `json:"interruptions"`
	PromptTokens     int                 `json:"prompt_tokens"`
	CompletionTokens int                 `json:"completion_tokens"`
	DurationMS       int64               `json:"duration_ms"`
	OccurredAt       time.Time           `json:"occurred_at"`
}

// NewHandoff builds a handoff event from the machine snapshot taken at
// escalation time. Transcript lines are redacted here.
func NewHandoff(callID, streamID string, from conversation.State, snap conversation.Snapshot, transcript []string) (Handoff, error) {
	var hctx Context
	if err := copier.CopyWithOption(&hctx, &snap, copier.Option{DeepCopy: true}); err != nil {
		return Handoff{}, fmt.Errorf("copy handoff context: %w", err)
	}
	if snap.Caller != nil {
		hctx.Caller = &CallerSummary{}
		if err := copier.Copy(hctx.Caller, snap.Caller); err != nil {
			return Handoff{}, fmt.Errorf("copy caller summary: %w", err)
		}
	}
	for _, line := range transcript {
		hctx.Transcript = append(hctx.Transcript, policy.Redact(line))
	}
	return Handoff{
		ID:         uuid.NewString(),
		CallID:     callID,
		StreamID:   streamID,
		Reason:     snap.EscalationReason,
		FromState:  from,
		Context:    hctx,
		OccurredAt: time.Now().UTC(),
	}, nil
}
