package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/callcore/internal/reasoning"
	"github.com/ent0n29/callcore/internal/tools"
)

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for dialogue events; got %d", len(out))
		}
	}
}

func countingRouter(n *atomic.Int32, result tools.Result) tools.Router {
	return tools.FuncRouter(func(context.Context, string, json.RawMessage) (tools.Result, error) {
		n.Add(1)
		return result, nil
	})
}

func TestRespondStreamsTextAndCompletes(t *testing.T) {
	adapter := reasoning.NewScriptedAdapter(reasoning.Step{Text: "We open at eight."})
	e := NewEngine("call-1", adapter, nil, nil, Config{}, nil, zerolog.Nop())
	e.SetInstructions("Be brief.")
	e.AddUserTurn("When do you open?")

	events := collect(t, e.Respond(context.Background()))
	var text strings.Builder
	for _, ev := range events[:len(events)-1] {
		if ev.Kind != EventTextDelta {
			t.Fatalf("unexpected event %v before completion", ev.Kind)
		}
		text.WriteString(ev.Text)
	}
	last := events[len(events)-1]
	if last.Kind != EventTurnComplete || last.Text != "We open at eight." {
		t.Fatalf("last event = %+v", last)
	}
	if text.String() != "We open at eight." {
		t.Fatalf("deltas = %q", text.String())
	}
	hist := e.History()
	if len(hist) != 2 || hist[1].Kind != reasoning.ItemAssistant {
		t.Fatalf("history = %+v", hist)
	}
	if got := adapter.Requests()[0].Instructions; got != "Be brief." {
		t.Fatalf("instructions = %q", got)
	}
}

func TestRespondStopsAtMaxToolDepth(t *testing.T) {
	adapter := reasoning.NewScriptedAdapter()
	adapter.Default = reasoning.Step{ToolCalls: []reasoning.ToolCall{{ID: "c", Name: tools.CheckAvailability, Arguments: json.RawMessage(`{"date":"2026-10-20"}`)}}}
	var executed atomic.Int32
	router := countingRouter(&executed, tools.Result{Success: true})

	e := NewEngine("call-1", adapter, router, nil, Config{MaxToolDepth: 5}, nil, zerolog.Nop())
	e.AddUserTurn("any time next week?")
	events := collect(t, e.Respond(context.Background()))

	last := events[len(events)-1]
	if last.Kind != EventError || !errors.Is(last.Err, ErrToolDepthExceeded) {
		t.Fatalf("last event = %+v, want depth error", last)
	}
	if last.Text == "" {
		t.Fatalf("depth error should carry a fallback utterance")
	}
	if executed.Load() != 5 {
		t.Fatalf("executed = %d, want 5", executed.Load())
	}
	if adapter.Calls() != 6 {
		t.Fatalf("reasoning calls = %d, want 6", adapter.Calls())
	}
	calls := 0
	for _, it := range e.History() {
		if it.Kind == reasoning.ItemToolCall {
			calls++
		}
	}
	if calls != 5 {
		t.Fatalf("tool calls in history = %d, want 5", calls)
	}
}

func TestRespondDepthCountsParallelCalls(t *testing.T) {
	calls := make([]reasoning.ToolCall, 6)
	for i := range calls {
		calls[i] = reasoning.ToolCall{ID: "c" + string(rune('a'+i)), Name: tools.CheckAvailability, Arguments: json.RawMessage(`{"date":"2026-10-20"}`)}
	}
	adapter := reasoning.NewScriptedAdapter(reasoning.Step{ToolCalls: calls})
	var executed atomic.Int32
	router := countingRouter(&executed, tools.Result{Success: true})

	e := NewEngine("call-1", adapter, router, nil, Config{MaxToolDepth: 5}, nil, zerolog.Nop())
	e.AddUserTurn("check every day next week")
	events := collect(t, e.Respond(context.Background()))

	last := events[len(events)-1]
	if last.Kind != EventError || !errors.Is(last.Err, ErrToolDepthExceeded) {
		t.Fatalf("last event = %+v, want depth error", last)
	}
	if executed.Load() != 0 || adapter.Calls() != 1 {
		t.Fatalf("executed = %d reasoning calls = %d, want 0 and 1", executed.Load(), adapter.Calls())
	}
}

func TestRespondBookingFailureIsToolResult(t *testing.T) {
	adapter := reasoning.NewScriptedAdapter(
		reasoning.Step{ToolCalls: []reasoning.ToolCall{{ID: "b1", Name: tools.BookAppointment, Arguments: json.RawMessage(`{"date":"2026-10-20","time":"10:00"}`)}}},
		reasoning.Step{Text: "That slot just filled up. Would eleven work instead?"},
	)
	router := tools.FuncRouter(func(context.Context, string, json.RawMessage) (tools.Result, error) {
		return tools.Failure("the 10:00 slot on 2026-10-20 is no longer available"), nil
	})
	e := NewEngine("call-1", adapter, router, nil, Config{}, nil, zerolog.Nop())
	e.AddUserTurn("book me for ten")
	events := collect(t, e.Respond(context.Background()))

	var sawFailure bool
	for _, ev := range events {
		if ev.Kind == EventToolResult && ev.Result != nil && !ev.Result.Success {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Fatalf("expected failed tool result event")
	}
	last := events[len(events)-1]
	if last.Kind != EventTurnComplete || !strings.Contains(last.Text, "eleven") {
		t.Fatalf("last event = %+v", last)
	}

	second := adapter.Requests()[1].Items
	res := second[len(second)-1]
	if res.Kind != reasoning.ItemToolResult || !strings.Contains(string(res.Result.Output), "no longer available") {
		t.Fatalf("model did not receive failure result: %+v", res)
	}
}

func TestRespondRouterErrorBecomesFailedResult(t *testing.T) {
	adapter := reasoning.NewScriptedAdapter(
		reasoning.Step{ToolCalls: []reasoning.ToolCall{{ID: "l1", Name: tools.LookupCustomer}}},
		reasoning.Step{Text: "I can't pull that up right now."},
	)
	router := tools.FuncRouter(func(context.Context, string, json.RawMessage) (tools.Result, error) {
		return tools.Result{}, context.DeadlineExceeded
	})
	e := NewEngine("call-1", adapter, router, nil, Config{}, nil, zerolog.Nop())
	e.AddUserTurn("look me up")
	events := collect(t, e.Respond(context.Background()))
	if last := events[len(events)-1]; last.Kind != EventTurnComplete {
		t.Fatalf("last event = %+v", last)
	}
	items := adapter.Requests()[1].Items
	if out := string(items[len(items)-1].Result.Output); !strings.Contains(out, `"success":false`) {
		t.Fatalf("tool output = %s", out)
	}
}

func TestRespondReasoningErrorCarriesFallback(t *testing.T) {
	adapter := reasoning.NewScriptedAdapter(reasoning.Step{Err: errors.New("upstream 500")})
	e := NewEngine("call-1", adapter, nil, nil, Config{FallbackText: "One moment please."}, nil, zerolog.Nop())
	e.AddUserTurn("hello")
	events := collect(t, e.Respond(context.Background()))
	last := events[len(events)-1]
	if last.Kind != EventError || last.Text != "One moment please." {
		t.Fatalf("last event = %+v", last)
	}
}

func TestRespondCancelKeepsPartialText(t *testing.T) {
	adapter := reasoning.NewScriptedAdapter(reasoning.Step{Text: "Sure, let me ", Hang: true})
	e := NewEngine("call-1", adapter, nil, nil, Config{}, nil, zerolog.Nop())
	e.AddUserTurn("can you")

	ctx, cancel := context.WithCancel(context.Background())
	ch := e.Respond(ctx)
	var got []Event
	for ev := range ch {
		got = append(got, ev)
		if ev.Kind == EventTextDelta && len(got) == 3 {
			cancel()
		}
	}
	cancel()
	last := got[len(got)-1]
	if last.Kind != EventError || !errors.Is(last.Err, context.Canceled) {
		t.Fatalf("last event = %+v", last)
	}
	hist := e.History()
	if hist[len(hist)-1].Kind != reasoning.ItemAssistant || hist[len(hist)-1].Text != "Sure, let me " {
		t.Fatalf("partial assistant text not kept: %+v", hist)
	}
}

func TestRespondRejectsConcurrentTurn(t *testing.T) {
	adapter := reasoning.NewScriptedAdapter(reasoning.Step{Hang: true})
	e := NewEngine("call-1", adapter, nil, nil, Config{}, nil, zerolog.Nop())
	e.AddUserTurn("hi")
	ctx, cancel := context.WithCancel(context.Background())
	first := e.Respond(ctx)

	deadline := time.Now().Add(time.Second)
	for adapter.Calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	second := collect(t, e.Respond(context.Background()))
	if len(second) != 1 || !errors.Is(second[0].Err, ErrTurnInProgress) {
		t.Fatalf("second Respond = %+v", second)
	}
	cancel()
	collect(t, first)
}
