package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiClient implements Client using Google's Gemini API with function
// calling.
type GeminiClient struct {
	client  *genai.Client
	modelID string
}

// NewGeminiClient creates a new Gemini client.
func NewGeminiClient(ctx context.Context, apiKey, modelID string) (*GeminiClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("llm: gemini api key is required")
	}
	if strings.TrimSpace(modelID) == "" {
		modelID = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("llm: failed to create gemini client: %w", err)
	}
	return &GeminiClient{client: client, modelID: modelID}, nil
}

func (c *GeminiClient) Complete(ctx context.Context, req Request) (Response, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.modelID
	}
	model := c.client.GenerativeModel(modelID)
	if req.Temperature >= 0 {
		model.SetTemperature(req.Temperature)
	}
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(req.MaxTokens)
	}
	if systemText := strings.TrimSpace(strings.Join(req.System, "\n\n")); systemText != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(systemText))
	}
	if len(req.Tools) > 0 {
		model.Tools = []*genai.Tool{geminiTools(req.Tools)}
	}

	contents := geminiContents(req.Messages)
	if len(contents) == 0 {
		return Response{}, errors.New("llm: gemini requires at least one message")
	}
	cs := model.StartChat()
	cs.History = contents[:len(contents)-1]
	last := contents[len(contents)-1]

	resp, err := cs.SendMessage(ctx, last.Parts...)
	if err != nil {
		return Response{}, fmt.Errorf("llm: gemini completion failed: %w", err)
	}
	return geminiResponse(resp)
}

// Close releases resources held by the Gemini client.
func (c *GeminiClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func geminiTools(specs []ToolSpec) *genai.Tool {
	tool := &genai.Tool{}
	for _, spec := range specs {
		tool.FunctionDeclarations = append(tool.FunctionDeclarations, &genai.FunctionDeclaration{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  geminiSchema(spec.Parameters),
		})
	}
	return tool
}

func geminiSchema(s *Schema) *genai.Schema {
	if s == nil {
		return &genai.Schema{Type: genai.TypeObject}
	}
	out := &genai.Schema{
		Description: s.Description,
		Enum:        s.Enum,
		Required:    s.Required,
	}
	switch s.Type {
	case "object":
		out.Type = genai.TypeObject
	case "string":
		out.Type = genai.TypeString
	case "boolean":
		out.Type = genai.TypeBoolean
	case "integer":
		out.Type = genai.TypeInteger
	case "number":
		out.Type = genai.TypeNumber
	case "array":
		out.Type = genai.TypeArray
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, p := range s.Properties {
			out.Properties[name] = geminiSchema(p)
		}
	}
	if s.Items != nil {
		out.Items = geminiSchema(s.Items)
	}
	return out
}

// geminiContents converts history into Gemini contents, merging consecutive
// turns of the same role. Tool results travel as user content.
func geminiContents(messages []Message) []*genai.Content {
	var out []*genai.Content
	appendParts := func(role string, parts ...genai.Part) {
		if len(parts) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, parts...)
			return
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}
	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			if text := strings.TrimSpace(msg.Content); text != "" {
				appendParts("user", genai.Text(text))
			}
		case RoleAssistant:
			var parts []genai.Part
			if text := strings.TrimSpace(msg.Content); text != "" {
				parts = append(parts, genai.Text(text))
			}
			for _, call := range msg.ToolCalls {
				parts = append(parts, genai.FunctionCall{Name: call.Name, Args: argumentsMap(call.Arguments)})
			}
			appendParts("model", parts...)
		case RoleTool:
			response := map[string]any{}
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil {
				response = map[string]any{"result": msg.Content}
			}
			appendParts("user", genai.FunctionResponse{Name: msg.Name, Response: response})
		}
	}
	return out
}

func geminiResponse(resp *genai.GenerateContentResponse) (Response, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return Response{}, errors.New("llm: gemini returned no candidates")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return Response{}, ErrEmptyResponse
	}

	var text strings.Builder
	out := Response{StopReason: candidate.FinishReason.String()}
	for i, part := range candidate.Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			text.WriteString(string(p))
		case genai.FunctionCall:
			args, err := json.Marshal(p.Args)
			if err != nil {
				return Response{}, fmt.Errorf("llm: encode gemini args: %w", err)
			}
			// Gemini has no call ids; the tool name plus position is unique per turn.
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        fmt.Sprintf("%s-%d", p.Name, i),
				Name:      p.Name,
				Arguments: string(args),
			})
		}
	}
	out.Text = strings.TrimSpace(text.String())
	if resp.UsageMetadata != nil {
		out.Usage = TokenUsage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  resp.UsageMetadata.TotalTokenCount,
		}
	}
	if out.Text == "" && len(out.ToolCalls) == 0 {
		return Response{}, ErrEmptyResponse
	}
	return out, nil
}
