package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const responsesStream = `event: response.created
data: {"type":"response.created","response":{"id":"resp_1"}}

event: response.output_text.delta
data: {"type":"response.output_text.delta","delta":"Let me "}

event: response.output_text.delta
data: {"type":"response.output_text.delta","delta":"check."}

event: response.output_item.done
data: {"type":"response.output_item.done","item":{"type":"message","id":"msg_1"}}

event: response.output_item.done
data: {"type":"response.output_item.done","item":{"type":"function_call","call_id":"call_1","name":"check_availability","arguments":"{\"date\":\"2026-10-20\"}"}}

event: response.completed
data: {"type":"response.completed","response":{"id":"resp_1"}}

`

func TestConsumeResponsesSSE(t *testing.T) {
	var deltas []string
	resp, err := consumeResponsesSSE(strings.NewReader(responsesStream), func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("consumeResponsesSSE() error = %v", err)
	}
	if resp.Text != "Let me check." {
		t.Fatalf("resp.Text = %q", resp.Text)
	}
	if len(deltas) != 2 {
		t.Fatalf("deltas = %q, want 2", deltas)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("len(ToolCalls) = %d, want 1", len(resp.ToolCalls))
	}
	call := resp.ToolCalls[0]
	if call.ID != "call_1" || call.Name != "check_availability" || string(call.Arguments) != `{"date":"2026-10-20"}` {
		t.Fatalf("tool call = %+v", call)
	}
}

func TestConsumeResponsesSSEFailure(t *testing.T) {
	stream := "event: response.failed\ndata: {\"type\":\"response.failed\",\"response\":{\"error\":{\"code\":\"server_error\",\"message\":\"overloaded\"}}}\n\n"
	_, err := consumeResponsesSSE(strings.NewReader(stream), nil)
	if err == nil || !strings.Contains(err.Error(), "overloaded") {
		t.Fatalf("error = %v, want overloaded failure", err)
	}
}

func TestConsumeResponsesSSEStopsOnHandlerError(t *testing.T) {
	stop := errors.New("barge-in")
	_, err := consumeResponsesSSE(strings.NewReader(responsesStream), func(string) error { return stop })
	if !errors.Is(err, stop) {
		t.Fatalf("error = %v, want handler error", err)
	}
}

func TestOpenAIAdapterSendsToolsAndHistory(t *testing.T) {
	var got oaiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/responses" {
			t.Errorf("path = %q, want /responses", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q", auth)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, responsesStream)
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(srv.URL, "sk-test", "test-model")
	resp, err := a.StreamResponse(context.Background(), Request{
		Instructions: "You are a service advisor.",
		Items:        []Item{UserItem("Do you have anything Monday?")},
		Tools:        []ToolSpec{{Name: "check_availability", Description: "Open slots", Parameters: json.RawMessage(`{"type":"object"}`)}},
	}, nil)
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %+v", resp.ToolCalls)
	}
	if got.Model != "test-model" || !got.Stream || got.ToolChoice != "auto" {
		t.Fatalf("request = %+v", got)
	}
	if len(got.Tools) != 1 || got.Tools[0].Type != "function" {
		t.Fatalf("tools = %+v", got.Tools)
	}
	if len(got.Input) != 1 || got.Input[0].Role != "user" {
		t.Fatalf("input = %+v", got.Input)
	}
}

func TestOpenAIAdapterStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewOpenAIAdapter(srv.URL, "k", "").StreamResponse(context.Background(), Request{}, nil)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error = %v, want *StatusError", err)
	}
	if !statusErr.Retryable() {
		t.Fatalf("429 should be retryable")
	}
}
