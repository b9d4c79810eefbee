package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiAdapter streams from the Gemini API through the genai SDK.
type GeminiAdapter struct {
	client *genai.Client
	model  string
}

func NewGeminiAdapter(ctx context.Context, apiKey, model string) (*GeminiAdapter, error) {
	if strings.TrimSpace(model) == "" {
		model = defaultGeminiModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiAdapter{client: client, model: model}, nil
}

// toGeminiContents converts history, merging consecutive items with the same
// role into one content so each function response directly follows its call.
func toGeminiContents(items []Item) ([]*genai.Content, error) {
	var out []*genai.Content
	appendPart := func(role string, part *genai.Part) {
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, part)
			return
		}
		out = append(out, &genai.Content{Role: role, Parts: []*genai.Part{part}})
	}
	for _, it := range items {
		switch it.Kind {
		case ItemUser:
			appendPart("user", &genai.Part{Text: it.Text})
		case ItemAssistant:
			appendPart("model", &genai.Part{Text: it.Text})
		case ItemToolCall:
			if it.Call == nil {
				continue
			}
			args := map[string]any{}
			if len(it.Call.Arguments) > 0 {
				if err := json.Unmarshal(it.Call.Arguments, &args); err != nil {
					return nil, fmt.Errorf("decode tool call %s arguments: %w", it.Call.Name, err)
				}
			}
			appendPart("model", &genai.Part{FunctionCall: &genai.FunctionCall{ID: it.Call.ID, Name: it.Call.Name, Args: args}})
		case ItemToolResult:
			if it.Result == nil {
				continue
			}
			var output any
			if err := json.Unmarshal(it.Result.Output, &output); err != nil {
				output = string(it.Result.Output)
			}
			appendPart("user", &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       it.Result.CallID,
				Name:     it.Result.Name,
				Response: map[string]any{"output": output},
			}})
		}
	}
	return out, nil
}

func toGeminiTools(specs []ToolSpec) ([]*genai.Tool, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, s := range specs {
		var schema any
		if len(s.Parameters) > 0 {
			if err := json.Unmarshal(s.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("decode %s schema: %w", s.Name, err)
			}
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 s.Name,
			Description:          s.Description,
			ParametersJsonSchema: schema,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}, nil
}

func (a *GeminiAdapter) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	contents, err := toGeminiContents(req.Items)
	if err != nil {
		return Response{}, err
	}
	tools, err := toGeminiTools(req.Tools)
	if err != nil {
		return Response{}, err
	}
	cfg := &genai.GenerateContentConfig{Tools: tools}
	if strings.TrimSpace(req.Instructions) != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.Instructions}}}
	}

	var (
		out   strings.Builder
		calls []ToolCall
	)
	for resp, err := range a.client.Models.GenerateContentStream(ctx, a.model, contents, cfg) {
		if err != nil {
			return Response{}, fmt.Errorf("gemini stream: %w", err)
		}
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				switch {
				case part.FunctionCall != nil:
					args := json.RawMessage("{}")
					if len(part.FunctionCall.Args) > 0 {
						raw, err := json.Marshal(part.FunctionCall.Args)
						if err != nil {
							return Response{}, fmt.Errorf("encode %s args: %w", part.FunctionCall.Name, err)
						}
						args = raw
					}
					id := part.FunctionCall.ID
					if id == "" {
						id = "call_" + uuid.NewString()
					}
					calls = append(calls, ToolCall{ID: id, Name: part.FunctionCall.Name, Arguments: args})
				case part.Text != "" && !part.Thought:
					out.WriteString(part.Text)
					if onDelta != nil {
						if err := onDelta(part.Text); err != nil {
							return Response{}, err
						}
					}
				}
			}
		}
	}
	return Response{Text: out.String(), ToolCalls: calls}, nil
}
