package llm

import (
	"context"
	"encoding/json"
	"errors"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ErrEmptyResponse is returned when a provider answers with neither text nor
// tool calls.
var ErrEmptyResponse = errors.New("llm: empty response")

// ToolCall is a function invocation requested by the model. Arguments holds
// the raw JSON object.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one entry of the chat history. Assistant messages may carry
// ToolCalls; tool messages answer one call by ToolCallID.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	// Name is the tool name on tool messages. Gemini matches results by name.
	Name string `json:"name,omitempty"`
}

// Schema is the subset of JSON Schema used to describe tool parameters.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
}

// Object is shorthand for an object schema.
func Object(props map[string]*Schema, required ...string) *Schema {
	return &Schema{Type: "object", Properties: props, Required: required}
}

// String is shorthand for a described string property.
func String(desc string) *Schema { return &Schema{Type: "string", Description: desc} }

// Boolean is shorthand for a described boolean property.
func Boolean(desc string) *Schema { return &Schema{Type: "boolean", Description: desc} }

// Integer is shorthand for a described integer property.
func Integer(desc string) *Schema { return &Schema{Type: "integer", Description: desc} }

// Map renders the schema as plain maps, for SDKs that do not honor json tags.
func (s *Schema) Map() map[string]any {
	if s == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	m := map[string]any{"type": s.Type}
	if s.Description != "" {
		m["description"] = s.Description
	}
	if len(s.Enum) > 0 {
		m["enum"] = append([]string(nil), s.Enum...)
	}
	if s.Type == "object" {
		props := map[string]any{}
		for name, p := range s.Properties {
			props[name] = p.Map()
		}
		m["properties"] = props
	}
	if len(s.Required) > 0 {
		m["required"] = append([]string(nil), s.Required...)
	}
	if s.Items != nil {
		m["items"] = s.Items.Map()
	}
	return m
}

// ToolSpec declares a tool the model may call.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  *Schema
}

type TokenUsage struct {
	InputTokens  int32
	OutputTokens int32
	TotalTokens  int32
}

type Request struct {
	Model       string
	System      []string
	Messages    []Message
	Tools       []ToolSpec
	MaxTokens   int32
	Temperature float32
}

type Response struct {
	Text       string
	ToolCalls  []ToolCall
	Usage      TokenUsage
	StopReason string
}

// Client completes a chat turn, possibly with tool calls.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// DecodeArguments unmarshals a tool call's JSON arguments into v. Empty
// arguments decode as an empty object.
func DecodeArguments(raw string, v any) error {
	if raw == "" {
		raw = "{}"
	}
	return json.Unmarshal([]byte(raw), v)
}

func argumentsMap(raw string) map[string]any {
	m := map[string]any{}
	_ = DecodeArguments(raw, &m)
	return m
}

func int32OrZero(v *int32) int32 {
	if v == nil {
		return 0
	}
	return *v
}
