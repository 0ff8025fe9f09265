package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockClient implements Client with the Bedrock Converse API and tool use.
type BedrockClient struct {
	api     bedrockConverseAPI
	modelID string
}

func NewBedrockClient(api bedrockConverseAPI, modelID string) *BedrockClient {
	if api == nil {
		panic("llm: bedrock converse client cannot be nil")
	}
	return &BedrockClient{api: api, modelID: modelID}
}

func (c *BedrockClient) Complete(ctx context.Context, req Request) (Response, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.modelID
	}
	if strings.TrimSpace(modelID) == "" {
		return Response{}, errors.New("llm: bedrock model id is required")
	}

	systemBlocks := make([]brtypes.SystemContentBlock, 0, len(req.System))
	for _, block := range req.System {
		if strings.TrimSpace(block) == "" {
			continue
		}
		systemBlocks = append(systemBlocks, &brtypes.SystemContentBlockMemberText{Value: block})
	}

	messages, err := bedrockMessages(req.Messages, &systemBlocks)
	if err != nil {
		return Response{}, err
	}

	inference := &brtypes.InferenceConfiguration{}
	if req.MaxTokens > 0 {
		inference.MaxTokens = aws.Int32(req.MaxTokens)
	}
	// Allow callers to omit temperature by passing a negative value.
	if req.Temperature >= 0 {
		inference.Temperature = aws.Float32(req.Temperature)
	}
	if inference.MaxTokens == nil && inference.Temperature == nil {
		inference = nil
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(modelID),
		System:          systemBlocks,
		Messages:        messages,
		InferenceConfig: inference,
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = bedrockToolConfig(req.Tools)
	}

	out, err := c.api.Converse(ctx, input)
	if err != nil {
		return Response{}, fmt.Errorf("llm: bedrock converse failed: %w", err)
	}
	return bedrockResponse(out)
}

func bedrockToolConfig(specs []ToolSpec) *brtypes.ToolConfiguration {
	cfg := &brtypes.ToolConfiguration{}
	for _, spec := range specs {
		cfg.Tools = append(cfg.Tools, &brtypes.ToolMemberToolSpec{
			Value: brtypes.ToolSpecification{
				Name:        aws.String(spec.Name),
				Description: aws.String(spec.Description),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{
					Value: document.NewLazyDocument(spec.Parameters.Map()),
				},
			},
		})
	}
	return cfg
}

// bedrockMessages converts history. Converse requires alternating roles, so
// consecutive tool results are folded into a single user message.
func bedrockMessages(in []Message, system *[]brtypes.SystemContentBlock) ([]brtypes.Message, error) {
	var out []brtypes.Message
	push := func(role brtypes.ConversationRole, blocks ...brtypes.ContentBlock) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, brtypes.Message{Role: role, Content: blocks})
	}

	for _, msg := range in {
		content := strings.TrimSpace(msg.Content)
		switch msg.Role {
		case RoleSystem:
			if content != "" {
				*system = append(*system, &brtypes.SystemContentBlockMemberText{Value: content})
			}
		case RoleUser:
			if content != "" {
				push(brtypes.ConversationRoleUser, &brtypes.ContentBlockMemberText{Value: content})
			}
		case RoleAssistant:
			var blocks []brtypes.ContentBlock
			if content != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: content})
			}
			for _, call := range msg.ToolCalls {
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{
					Value: brtypes.ToolUseBlock{
						ToolUseId: aws.String(call.ID),
						Name:      aws.String(call.Name),
						Input:     document.NewLazyDocument(argumentsMap(call.Arguments)),
					},
				})
			}
			push(brtypes.ConversationRoleAssistant, blocks...)
		case RoleTool:
			push(brtypes.ConversationRoleUser, &brtypes.ContentBlockMemberToolResult{
				Value: brtypes.ToolResultBlock{
					ToolUseId: aws.String(msg.ToolCallID),
					Content: []brtypes.ToolResultContentBlock{
						&brtypes.ToolResultContentBlockMemberText{Value: msg.Content},
					},
				},
			})
		default:
			return nil, fmt.Errorf("llm: unsupported role %q", msg.Role)
		}
	}
	return out, nil
}

func bedrockResponse(out *bedrockruntime.ConverseOutput) (Response, error) {
	if out == nil {
		return Response{}, errors.New("llm: bedrock response is nil")
	}
	msgOut, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return Response{}, errors.New("llm: bedrock response did not include a message output")
	}

	var text strings.Builder
	resp := Response{StopReason: string(out.StopReason)}
	for _, block := range msgOut.Value.Content {
		switch b := block.(type) {
		case *brtypes.ContentBlockMemberText:
			text.WriteString(b.Value)
		case *brtypes.ContentBlockMemberToolUse:
			raw := []byte("{}")
			if b.Value.Input != nil {
				encoded, err := b.Value.Input.MarshalSmithyDocument()
				if err != nil {
					return Response{}, fmt.Errorf("llm: encode bedrock tool input: %w", err)
				}
				raw = encoded
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        aws.ToString(b.Value.ToolUseId),
				Name:      aws.ToString(b.Value.Name),
				Arguments: string(raw),
			})
		}
	}
	resp.Text = strings.TrimSpace(text.String())
	if out.Usage != nil {
		resp.Usage = TokenUsage{
			InputTokens:  int32OrZero(out.Usage.InputTokens),
			OutputTokens: int32OrZero(out.Usage.OutputTokens),
			TotalTokens:  int32OrZero(out.Usage.TotalTokens),
		}
	}
	if resp.Text == "" && len(resp.ToolCalls) == 0 {
		return Response{}, ErrEmptyResponse
	}
	return resp, nil
}
