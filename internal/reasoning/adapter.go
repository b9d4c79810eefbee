// Package reasoning streams replies and tool calls from a language model.
package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type ItemKind uint8

const (
	ItemUser ItemKind = iota + 1
	ItemAssistant
	ItemToolCall
	ItemToolResult
)

func (k ItemKind) String() string {
	switch k {
	case ItemUser:
		return "user"
	case ItemAssistant:
		return "assistant"
	case ItemToolCall:
		return "tool_call"
	case ItemToolResult:
		return "tool_result"
	default:
		return "unknown"
	}
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult answers exactly one ToolCall.
type ToolResult struct {
	CallID string          `json:"call_id"`
	Name   string          `json:"name"`
	Output json.RawMessage `json:"output"`
}

// Item is one entry of conversation history. Exactly one of Text, Call or
// Result is meaningful for a given Kind.
type Item struct {
	Kind   ItemKind    `json:"kind"`
	Text   string      `json:"text,omitempty"`
	Call   *ToolCall   `json:"call,omitempty"`
	Result *ToolResult `json:"result,omitempty"`
}

func UserItem(text string) Item      { return Item{Kind: ItemUser, Text: text} }
func AssistantItem(text string) Item { return Item{Kind: ItemAssistant, Text: text} }
func CallItem(c ToolCall) Item       { return Item{Kind: ItemToolCall, Call: &c} }
func ResultItem(r ToolResult) Item   { return Item{Kind: ItemToolResult, Result: &r} }

// ToolSpec describes a callable tool. Parameters is a JSON schema object.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type Request struct {
	CallID       string
	TurnID       string
	Instructions string
	Items        []Item
	Tools        []ToolSpec
}

// Response is the complete result of one streamed model invocation.
type Response struct {
	Text      string
	ToolCalls []ToolCall
}

// DeltaHandler receives streaming text fragments.
type DeltaHandler func(delta string) error

// Adapter is a streaming language model backend.
type Adapter interface {
	StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error)
}

// Config controls adapter construction.
type Config struct {
	Mode          string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	GeminiAPIKey  string
	GeminiModel   string
	// FirstDeltaTimeout bounds how long the primary may stay silent before
	// the fallback backend takes the turn. Zero disables the race.
	FirstDeltaTimeout time.Duration
}

var ErrNotConfigured = errors.New("reasoning backend not configured")

func NewAdapter(ctx context.Context, cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		return newAutoAdapter(ctx, cfg)
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, fmt.Errorf("openai: %w", ErrNotConfigured)
		}
		return NewOpenAIAdapter(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel), nil
	case "gemini":
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return nil, fmt.Errorf("gemini: %w", ErrNotConfigured)
		}
		return NewGeminiAdapter(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported reasoning provider %q", cfg.Mode)
	}
}

// newAutoAdapter prefers OpenAI with Gemini as fallback, and falls back to
// the mock backend when no key is configured at all.
func newAutoAdapter(ctx context.Context, cfg Config) (Adapter, error) {
	var primary, secondary Adapter
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		primary = NewOpenAIAdapter(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel)
	}
	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		gemini, err := NewGeminiAdapter(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, err
		}
		secondary = gemini
	}
	switch {
	case primary != nil && secondary != nil:
		return NewFallbackAdapter(primary, secondary, cfg.FirstDeltaTimeout), nil
	case primary != nil:
		return primary, nil
	case secondary != nil:
		return secondary, nil
	default:
		return NewMockAdapter(), nil
	}
}
