// Package memory archives call transcripts so later calls from the same
// number can be given a little context about earlier conversations.
package memory

import (
	"context"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TurnRecord stores a single caller or assistant turn of a call.
type TurnRecord struct {
	ID           string    `json:"id"`
	CallerNumber string    `json:"caller_number"`
	CallID       string    `json:"call_id"`
	Role         Role      `json:"role"`
	Content      string    `json:"content"`
	PIIRedacted  bool      `json:"pii_redacted"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store persists and retrieves archived turns.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	// RecentContext returns up to limit turns for callerNumber from calls
	// other than excludeCallID, oldest first.
	RecentContext(ctx context.Context, callerNumber, excludeCallID string, limit int) ([]TurnRecord, error)
	Close() error
}
