package memory

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/callcore/internal/policy"
)

// NewStore creates a postgres-backed archive when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

// NewTurn builds a record with redacted content, a fresh id and timestamp.
func NewTurn(callerNumber, callID string, role Role, content string) TurnRecord {
	redacted, changed := policy.RedactPII(strings.TrimSpace(content))
	return TurnRecord{
		ID:           uuid.NewString(),
		CallerNumber: callerNumber,
		CallID:       callID,
		Role:         role,
		Content:      redacted,
		PIIRedacted:  changed,
		CreatedAt:    time.Now().UTC(),
	}
}

// Lines renders records as "caller: ..." / "assistant: ..." lines for the
// instruction block.
func Lines(records []TurnRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		who := "caller"
		if r.Role == RoleAssistant {
			who = "assistant"
		}
		out = append(out, who+": "+r.Content)
	}
	return out
}
