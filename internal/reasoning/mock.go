package reasoning

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockAdapter provides deterministic local replies when no model backend is
// configured.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	text := buildMockReply(req)
	if onDelta != nil && text != "" {
		if err := onDelta(text); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: text}, nil
}

func buildMockReply(req Request) string {
	var last string
	for i := len(req.Items) - 1; i >= 0; i-- {
		if req.Items[i].Kind == ItemUser {
			last = strings.TrimSpace(req.Items[i].Text)
			break
		}
	}
	if last == "" {
		return "How can I help you today?"
	}
	return fmt.Sprintf("I heard you say: %s. How can I help with that?", last)
}

// Step scripts one ScriptedAdapter invocation.
type Step struct {
	Text      string
	ToolCalls []ToolCall
	Err       error
	// Hang blocks after streaming Text until the context is cancelled.
	Hang bool
}

// ScriptedAdapter replays steps in order and records every request. Once
// the script is exhausted it repeats Default.
type ScriptedAdapter struct {
	mu       sync.Mutex
	steps    []Step
	requests []Request
	Default  Step
}

func NewScriptedAdapter(steps ...Step) *ScriptedAdapter {
	return &ScriptedAdapter{steps: steps}
}

func (a *ScriptedAdapter) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	a.mu.Lock()
	recorded := req
	recorded.Items = append([]Item(nil), req.Items...)
	a.requests = append(a.requests, recorded)
	step := a.Default
	if len(a.steps) > 0 {
		step = a.steps[0]
		a.steps = a.steps[1:]
	}
	a.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	var out strings.Builder
	for _, word := range strings.SplitAfter(step.Text, " ") {
		if word == "" {
			continue
		}
		out.WriteString(word)
		if onDelta != nil {
			if err := onDelta(word); err != nil {
				return Response{}, err
			}
		}
	}
	if step.Hang {
		<-ctx.Done()
		return Response{Text: out.String()}, ctx.Err()
	}
	if step.Err != nil {
		return Response{}, step.Err
	}
	return Response{Text: out.String(), ToolCalls: step.ToolCalls}, nil
}

func (a *ScriptedAdapter) Requests() []Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Request(nil), a.requests...)
}

func (a *ScriptedAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.requests)
}
