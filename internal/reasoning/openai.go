package reasoning

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ent0n29/callcore/internal/observability"
	"github.com/ent0n29/callcore/internal/reliability"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultOpenAIModel   = "gpt-4.1-mini"

	sseEventPrefix = "event:"
	sseDataPrefix  = "data:"
)

// StatusError is a non-2xx reply from a model backend.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s http status %d: %s", e.Provider, e.Status, e.Body)
}

func (e *StatusError) Retryable() bool { return reliability.IsRetryableHTTPStatus(e.Status) }

// OpenAIAdapter streams from the Responses API.
type OpenAIAdapter struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func NewOpenAIAdapter(baseURL, apiKey, model string) *OpenAIAdapter {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultOpenAIBaseURL
	}
	if strings.TrimSpace(model) == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		// The caller's context bounds the stream.
		client: observability.NewHTTPClient(0),
	}
}

type oaiInput struct {
	Type      string `json:"type"`
	Role      string `json:"role,omitempty"`
	Content   string `json:"content,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

type oaiTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type oaiRequest struct {
	Model        string     `json:"model"`
	Instructions string     `json:"instructions,omitempty"`
	Input        []oaiInput `json:"input"`
	Tools        []oaiTool  `json:"tools,omitempty"`
	ToolChoice   string     `json:"tool_choice,omitempty"`
	Stream       bool       `json:"stream"`
	Store        bool       `json:"store"`
}

func toOpenAIInput(items []Item) []oaiInput {
	out := make([]oaiInput, 0, len(items))
	for _, it := range items {
		switch it.Kind {
		case ItemUser:
			out = append(out, oaiInput{Type: "message", Role: "user", Content: it.Text})
		case ItemAssistant:
			out = append(out, oaiInput{Type: "message", Role: "assistant", Content: it.Text})
		case ItemToolCall:
			if it.Call == nil {
				continue
			}
			out = append(out, oaiInput{Type: "function_call", CallID: it.Call.ID, Name: it.Call.Name, Arguments: string(it.Call.Arguments)})
		case ItemToolResult:
			if it.Result == nil {
				continue
			}
			out = append(out, oaiInput{Type: "function_call_output", CallID: it.Result.CallID, Output: string(it.Result.Output)})
		}
	}
	return out
}

func (a *OpenAIAdapter) buildRequest(req Request) oaiRequest {
	body := oaiRequest{
		Model:        a.model,
		Instructions: req.Instructions,
		Input:        toOpenAIInput(req.Items),
		Stream:       true,
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, oaiTool{Type: "function", Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	if len(body.Tools) > 0 {
		body.ToolChoice = "auto"
	}
	return body
}

func (a *OpenAIAdapter) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	payload, err := json.Marshal(a.buildRequest(req))
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/responses", bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	res, err := a.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Response{}, &StatusError{Provider: "openai", Status: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return consumeResponsesSSE(res.Body, onDelta)
}

type oaiStreamEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
	Item  struct {
		Type      string `json:"type"`
		CallID    string `json:"call_id"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"item"`
	Response struct {
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"response"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// consumeResponsesSSE reads a Responses API event stream. Text deltas are
// forwarded as they arrive; function calls are collected and returned once
// the stream completes.
func consumeResponsesSSE(body io.Reader, onDelta DeltaHandler) (Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		out       strings.Builder
		calls     []ToolCall
		eventName string
	)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			eventName = ""
			continue
		case strings.HasPrefix(line, sseEventPrefix):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, sseEventPrefix))
			continue
		case !strings.HasPrefix(line, sseDataPrefix):
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, sseDataPrefix))
		if data == "[DONE]" {
			break
		}

		var ev oaiStreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return Response{}, fmt.Errorf("decode stream event %q: %w", eventName, err)
		}
		kind := ev.Type
		if kind == "" {
			kind = eventName
		}

		switch kind {
		case "response.output_text.delta":
			if ev.Delta == "" {
				continue
			}
			out.WriteString(ev.Delta)
			if onDelta != nil {
				if err := onDelta(ev.Delta); err != nil {
					return Response{}, err
				}
			}
		case "response.output_item.done":
			if ev.Item.Type != "function_call" {
				continue
			}
			args := strings.TrimSpace(ev.Item.Arguments)
			if args == "" {
				args = "{}"
			}
			calls = append(calls, ToolCall{ID: ev.Item.CallID, Name: ev.Item.Name, Arguments: json.RawMessage(args)})
		case "response.failed", "response.incomplete":
			msg := kind
			if ev.Response.Error != nil {
				msg = ev.Response.Error.Code + ": " + ev.Response.Error.Message
			}
			return Response{}, fmt.Errorf("openai stream: %s", msg)
		case "error":
			return Response{}, fmt.Errorf("openai stream error %s: %s", ev.Code, ev.Message)
		case "response.completed":
			return Response{Text: out.String(), ToolCalls: calls}, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return Response{}, fmt.Errorf("stream read: %w", err)
	}
	return Response{Text: out.String(), ToolCalls: calls}, nil
}
