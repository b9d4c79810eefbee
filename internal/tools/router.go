// Package tools executes the appointment tools a model may call during a call.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Result is the router's answer for one tool execution. Failures the model
// should reason about (slot taken, unknown customer) come back as
// Success=false rather than as a Go error.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// JSON renders the result as the tool output handed back to the model.
func (r Result) JSON() json.RawMessage {
	raw, err := json.Marshal(r)
	if err != nil {
		return json.RawMessage(`{"success":false,"error":"unencodable tool result"}`)
	}
	return raw
}

// Failure builds an unsuccessful result.
func Failure(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Success builds a successful result carrying data encoded as JSON.
func Success(data any) (Result, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Result{}, fmt.Errorf("encode tool data: %w", err)
	}
	return Result{Success: true, Data: raw}, nil
}

// Router executes tools by name. A returned error means the router itself
// could not be reached or timed out.
type Router interface {
	Execute(ctx context.Context, name string, args json.RawMessage) (Result, error)
}

var ErrUnknownTool = errors.New("unknown tool")

// FuncRouter adapts a function to Router.
type FuncRouter func(ctx context.Context, name string, args json.RawMessage) (Result, error)

func (f FuncRouter) Execute(ctx context.Context, name string, args json.RawMessage) (Result, error) {
	return f(ctx, name, args)
}
