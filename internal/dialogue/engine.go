// Package dialogue drives a tool-calling model through one caller turn at a
// time while keeping conversation history well formed.
package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ent0n29/callcore/internal/observability"
	"github.com/ent0n29/callcore/internal/policy"
	"github.com/ent0n29/callcore/internal/reasoning"
	"github.com/ent0n29/callcore/internal/tools"
)

var (
	ErrToolDepthExceeded = errors.New("tool call depth exceeded")
	ErrHistoryOverflow   = errors.New("conversation history exceeds budget")
	ErrTurnInProgress    = errors.New("a response is already in progress")
)

type EventKind uint8

const (
	EventTextDelta EventKind = iota + 1
	EventToolCall
	EventToolResult
	EventTurnComplete
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventTextDelta:
		return "text_delta"
	case EventToolCall:
		return "tool_call"
	case EventToolResult:
		return "tool_result"
	case EventTurnComplete:
		return "turn_complete"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one element of a Respond stream. For EventError, Text carries a
// fallback utterance when the engine has one the caller should hear.
type Event struct {
	Kind   EventKind
	Text   string
	Call   *reasoning.ToolCall
	Result *tools.Result
	Depth  int
	Err    error
}

type Config struct {
	MaxToolDepth       int
	HistoryTokenBudget int
	ReasoningTimeout   time.Duration
	ToolTimeout        time.Duration
	EventBuffer        int
	FallbackText       string
}

func DefaultConfig() Config {
	return Config{
		MaxToolDepth:       5,
		HistoryTokenBudget: 6000,
		ReasoningTimeout:   20 * time.Second,
		ToolTimeout:        4 * time.Second,
		EventBuffer:        64,
		FallbackText:       "Sorry, I wasn't able to finish that. Could you say it another way?",
	}
}

// Usage holds estimated token counters for the call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	Requests         int `json:"requests"`
}

// Engine is owned by a single call. Respond streams must be fully drained
// before the next AddUserTurn or Respond.
type Engine struct {
	adapter reasoning.Adapter
	router  tools.Router
	specs   []reasoning.ToolSpec
	cfg     Config
	callID  string
	metrics *observability.Metrics
	logger  zerolog.Logger
	tracer  trace.Tracer

	mu           sync.Mutex
	instructions string
	history      History
	usage        Usage
	busy         bool
}

func NewEngine(callID string, adapter reasoning.Adapter, router tools.Router, specs []reasoning.ToolSpec, cfg Config, metrics *observability.Metrics, logger zerolog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.MaxToolDepth <= 0 {
		cfg.MaxToolDepth = def.MaxToolDepth
	}
	if cfg.HistoryTokenBudget <= 0 {
		cfg.HistoryTokenBudget = def.HistoryTokenBudget
	}
	if cfg.ReasoningTimeout <= 0 {
		cfg.ReasoningTimeout = def.ReasoningTimeout
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = def.ToolTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if strings.TrimSpace(cfg.FallbackText) == "" {
		cfg.FallbackText = def.FallbackText
	}
	return &Engine{
		adapter: adapter,
		router:  router,
		specs:   specs,
		cfg:     cfg,
		callID:  callID,
		metrics: metrics,
		logger:  logger,
		tracer:  observability.Tracer("dialogue"),
	}
}

func (e *Engine) SetInstructions(text string) {
	e.mu.Lock()
	e.instructions = text
	e.mu.Unlock()
}

func (e *Engine) AddUserTurn(text string) {
	e.mu.Lock()
	e.history.beginTurn(text)
	e.mu.Unlock()
}

// AddAssistantTurn records something the assistant said outside Respond,
// such as the greeting.
func (e *Engine) AddAssistantTurn(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	e.mu.Lock()
	e.history.appendGroup(reasoning.AssistantItem(text))
	e.mu.Unlock()
}

func (e *Engine) History() []reasoning.Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.Items()
}

func (e *Engine) RestoreHistory(items []reasoning.Item) {
	e.mu.Lock()
	e.history.Restore(items)
	e.mu.Unlock()
}

func (e *Engine) Usage() Usage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.usage
}

func (e *Engine) RestoreUsage(u Usage) {
	e.mu.Lock()
	e.usage = u
	e.mu.Unlock()
}

// Respond runs the model for the current user turn. Tool calls are executed
// and fed back in a loop bounded by MaxToolDepth. The returned channel is
// closed after exactly one EventTurnComplete or EventError.
func (e *Engine) Respond(ctx context.Context) <-chan Event {
	out := make(chan Event, e.cfg.EventBuffer)

	e.mu.Lock()
	if e.busy {
		e.mu.Unlock()
		out <- Event{Kind: EventError, Err: ErrTurnInProgress}
		close(out)
		return out
	}
	e.busy = true
	e.mu.Unlock()

	go func() {
		defer close(out)
		defer func() {
			e.mu.Lock()
			e.busy = false
			e.mu.Unlock()
		}()
		e.run(ctx, out)
	}()
	return out
}

func (e *Engine) emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// emitFinal delivers the terminal event even when ctx is already done, so
// consumers draining the stream always observe why it ended.
func (e *Engine) emitFinal(out chan<- Event, ev Event) {
	timer := time.NewTimer(time.Second)
	defer timer.Stop()
	select {
	case out <- ev:
	case <-timer.C:
		e.logger.Warn().Str("event", ev.Kind.String()).Msg("dialogue stream not drained; dropping terminal event")
	}
}

func (e *Engine) run(ctx context.Context, out chan<- Event) {
	depth := 0
	for {
		e.mu.Lock()
		if removed := e.history.Trim(e.instructions, e.cfg.HistoryTokenBudget); removed > 0 {
			e.logger.Debug().Int("groups", removed).Msg("trimmed conversation history")
		}
		if e.history.Estimate(e.instructions) > 2*e.cfg.HistoryTokenBudget {
			e.mu.Unlock()
			e.fail(out, ErrHistoryOverflow, depth)
			return
		}
		req := reasoning.Request{
			CallID:       e.callID,
			TurnID:       uuid.NewString(),
			Instructions: e.instructions,
			Items:        e.history.Items(),
			Tools:        e.specs,
		}
		e.usage.PromptTokens += e.history.Estimate(e.instructions)
		e.usage.Requests++
		e.mu.Unlock()

		resp, partial, err := e.reason(ctx, req, out, depth)
		if err != nil {
			if partial != "" {
				e.mu.Lock()
				e.history.appendGroup(reasoning.AssistantItem(partial))
				e.mu.Unlock()
			}
			if ctx.Err() != nil {
				e.emitFinal(out, Event{Kind: EventError, Err: ctx.Err(), Depth: depth})
				return
			}
			e.metrics.ProviderError("reasoning", "stream")
			e.logger.Warn().Err(err).Int("depth", depth).Msg("reasoning call failed")
			if partial != "" {
				// The caller already heard part of a reply; no fallback on top.
				e.emitFinal(out, Event{Kind: EventError, Err: err, Depth: depth})
				return
			}
			e.emitFinal(out, Event{Kind: EventError, Err: err, Text: e.cfg.FallbackText, Depth: depth})
			return
		}

		e.mu.Lock()
		e.usage.CompletionTokens += EstimateTokens(resp.Text)
		e.mu.Unlock()

		if len(resp.ToolCalls) == 0 {
			e.mu.Lock()
			if strings.TrimSpace(resp.Text) != "" {
				e.history.appendGroup(reasoning.AssistantItem(resp.Text))
			}
			e.mu.Unlock()
			e.emitFinal(out, Event{Kind: EventTurnComplete, Text: resp.Text, Depth: depth})
			return
		}

		// Depth counts tool calls, so one response asking for more calls than
		// the limit ends the turn at the first round.
		if depth+len(resp.ToolCalls) > e.cfg.MaxToolDepth {
			e.logger.Warn().
				Int("depth", depth).
				Int("requested", len(resp.ToolCalls)).
				Int("max", e.cfg.MaxToolDepth).
				Msg("tool call depth exceeded; ending turn")
			e.mu.Lock()
			if strings.TrimSpace(resp.Text) != "" {
				e.history.appendGroup(reasoning.AssistantItem(resp.Text))
			}
			e.mu.Unlock()
			e.fail(out, ErrToolDepthExceeded, depth)
			return
		}

		batch := make([]reasoning.Item, 0, 1+2*len(resp.ToolCalls))
		if strings.TrimSpace(resp.Text) != "" {
			batch = append(batch, reasoning.AssistantItem(resp.Text))
		}
		results := make([]reasoning.Item, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			depth++
			e.emit(ctx, out, Event{Kind: EventToolCall, Call: &call, Depth: depth})
			result := e.execute(ctx, call, depth)
			e.emit(ctx, out, Event{Kind: EventToolResult, Call: &call, Result: &result, Depth: depth})
			batch = append(batch, reasoning.CallItem(call))
			results = append(results, reasoning.ResultItem(reasoning.ToolResult{
				CallID: call.ID,
				Name:   call.Name,
				Output: result.JSON(),
			}))
		}
		batch = append(batch, results...)

		e.mu.Lock()
		e.history.appendGroup(batch...)
		e.mu.Unlock()

		if err := ctx.Err(); err != nil {
			e.emitFinal(out, Event{Kind: EventError, Err: err, Depth: depth})
			return
		}
	}
}

func (e *Engine) fail(out chan<- Event, err error, depth int) {
	e.mu.Lock()
	e.history.appendGroup(reasoning.AssistantItem(e.cfg.FallbackText))
	e.mu.Unlock()
	e.emitFinal(out, Event{Kind: EventError, Err: err, Text: e.cfg.FallbackText, Depth: depth})
}

// reason performs one bounded model call, forwarding deltas as they arrive.
// On failure it also returns whatever text was already streamed.
func (e *Engine) reason(ctx context.Context, req reasoning.Request, out chan<- Event, depth int) (reasoning.Response, string, error) {
	ctx, span := e.tracer.Start(ctx, "dialogue.reason", trace.WithAttributes(
		attribute.String("call.id", e.callID),
		attribute.Int("tool.depth", depth),
		attribute.Int("history.items", len(req.Items)),
	))
	defer span.End()

	rctx, cancel := context.WithTimeout(ctx, e.cfg.ReasoningTimeout)
	defer cancel()

	var streamed strings.Builder
	resp, err := e.adapter.StreamResponse(rctx, req, func(delta string) error {
		if delta == "" {
			return nil
		}
		streamed.WriteString(delta)
		if !e.emit(ctx, out, Event{Kind: EventTextDelta, Text: delta, Depth: depth}) {
			return ctx.Err()
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return reasoning.Response{}, streamed.String(), err
	}
	if resp.Text == "" {
		resp.Text = streamed.String()
	}
	span.SetAttributes(attribute.Int("tool.calls", len(resp.ToolCalls)))
	return resp, "", nil
}

// execute runs one tool call. Router errors become failed results so the
// model can explain them. Tools run detached from barge-in cancellation so
// a started booking is always recorded with its outcome.
func (e *Engine) execute(ctx context.Context, call reasoning.ToolCall, depth int) tools.Result {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ToolTimeout)
	defer cancel()
	tctx, span := e.tracer.Start(tctx, "dialogue.tool", trace.WithAttributes(
		attribute.String("call.id", e.callID),
		attribute.String("tool.name", call.Name),
		attribute.Int("tool.depth", depth),
	))
	defer span.End()

	args := call.Arguments
	if len(args) == 0 || !json.Valid(args) {
		args = json.RawMessage("{}")
	}

	started := time.Now()
	result, err := e.router.Execute(tctx, call.Name, args)
	outcome := "success"
	switch {
	case err != nil:
		outcome = "error"
		result = tools.Failure("%s is temporarily unavailable", call.Name)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn().Err(err).Str("tool", call.Name).Msg("tool router failed")
	case !result.Success:
		outcome = "failure"
		span.SetAttributes(attribute.String("tool.error", result.Error))
	}
	e.metrics.ToolCall(call.Name, outcome, time.Since(started))
	e.logger.Info().
		Str("tool", call.Name).
		Str("args", policy.Redact(string(args))).
		Str("outcome", outcome).
		Dur("elapsed", time.Since(started)).
		Msg("tool executed")
	return result
}
