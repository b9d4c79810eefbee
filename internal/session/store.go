// Package session persists per-call state so a call can be resumed after a
// process restart or picked up by another instance.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jinzhu/copier"

	"github.com/ent0n29/callcore/internal/conversation"
	"github.com/ent0n29/callcore/internal/dialogue"
	"github.com/ent0n29/callcore/internal/reasoning"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrConflict = errors.New("session was modified concurrently")
)

// Record is the durable view of one call.
type Record struct {
	CallID            string                `json:"call_id"`
	StreamID          string                `json:"stream_id"`
	CallerNumber      string                `json:"caller_number"`
	Status            Status                `json:"status"`
	Conversation      conversation.Snapshot `json:"conversation"`
	History           []reasoning.Item      `json:"history"`
	Usage             dialogue.Usage        `json:"usage"`
	AssistantSpeaking bool                  `json:"assistant_speaking"`
	Escalated         bool                  `json:"escalated"`
	EscalationReason  string                `json:"escalation_reason,omitempty"`
	EndReason         string                `json:"end_reason,omitempty"`
	Turns             int                   `json:"turns"`
	InterruptionCount int                   `json:"interruption_count"`
	StartedAt         time.Time             `json:"started_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
	Version           int64                 `json:"version"`
}

// Clone returns a deep copy that shares no slices or pointers with r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := &Record{}
	if err := copier.CopyWithOption(out, r, copier.Option{DeepCopy: true}); err != nil {
		// copier only fails on mismatched kinds, which cannot happen for
		// identical types; fall back to a shallow copy to stay usable.
		c := *r
		return &c
	}
	return out
}

// Store is a TTL-bound key/value store of call records keyed by call id.
type Store interface {
	Get(ctx context.Context, callID string) (*Record, error)
	// Put writes rec unconditionally and refreshes its TTL. The stored
	// version becomes rec.Version+1 and rec is updated to match.
	Put(ctx context.Context, rec *Record) error
	// CompareAndSwap writes rec only if the stored version equals expected,
	// where zero means no live record exists. It returns ErrConflict
	// otherwise.
	CompareAndSwap(ctx context.Context, rec *Record, expected int64) error
	Delete(ctx context.Context, callID string) error
	Ping(ctx context.Context) error
	Close() error
}

const maxUpdateAttempts = 5

// Update applies fn to the current record (or a fresh one) and writes it
// back with CompareAndSwap, retrying on conflict.
func Update(ctx context.Context, s Store, callID string, fn func(*Record) error) (*Record, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		cur, err := s.Get(ctx, callID)
		var expected int64
		switch {
		case errors.Is(err, ErrNotFound):
			cur = &Record{CallID: callID, Status: StatusActive, StartedAt: time.Now().UTC()}
		case err != nil:
			return nil, err
		default:
			expected = cur.Version
		}
		if err := fn(cur); err != nil {
			return nil, err
		}
		cur.CallID = callID
		cur.UpdatedAt = time.Now().UTC()
		err = s.CompareAndSwap(ctx, cur, expected)
		if err == nil {
			return cur, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("update %s: %w", callID, ErrConflict)
}

type Config struct {
	Backend     string // auto, memory, redis, postgres
	RedisURL    string
	DatabaseURL string
	TTL         time.Duration
}

// NewStore picks a backend. In auto mode Redis wins over Postgres, and the
// in-process store is used when neither is configured.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Hour
	}
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" || backend == "auto" {
		switch {
		case strings.TrimSpace(cfg.RedisURL) != "":
			backend = "redis"
		case strings.TrimSpace(cfg.DatabaseURL) != "":
			backend = "postgres"
		default:
			backend = "memory"
		}
	}
	switch backend {
	case "memory":
		return NewMemoryStore(cfg.TTL), nil
	case "redis":
		return NewRedisStore(ctx, cfg.RedisURL, cfg.TTL)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DatabaseURL, cfg.TTL)
	default:
		return nil, fmt.Errorf("unsupported session store %q", cfg.Backend)
	}
}

func key(callID string) string { return "callcore:session:" + callID }
