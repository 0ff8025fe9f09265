package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	appconfig "github.com/wolfman30/voice-intake-agent/internal/config"
	"github.com/wolfman30/voice-intake-agent/internal/llm"
	"github.com/wolfman30/voice-intake-agent/pkg/logging"
)

var providerOrder = []string{"openai", "gemini", "bedrock"}

// BuildLLM wires the configured provider as primary and the first other
// provider with credentials as fallback. Every client reports to recorder.
// It returns nil when no provider is configured; sessions then fall back to
// the static greeting and apologies.
func BuildLLM(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, recorder llm.Recorder, logger *logging.Logger) (llm.Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	primaryName := strings.ToLower(strings.TrimSpace(cfg.LLMProvider))
	if primaryName == "" {
		primaryName = "openai"
	}
	primary, err := buildProvider(ctx, primaryName, cfg, awsCfg)
	if err != nil {
		return nil, err
	}
	if primary == nil {
		logger.Warn("llm provider not configured; agent will use static replies", "provider", primaryName)
		return nil, nil
	}
	primary = llm.Instrumented{Client: primary, Provider: primaryName, Recorder: recorder}

	var fallback llm.Client
	fallbackName := ""
	for _, name := range providerOrder {
		if name == primaryName {
			continue
		}
		client, err := buildProvider(ctx, name, cfg, awsCfg)
		if err != nil {
			logger.Warn("fallback llm provider unavailable", "provider", name, "error", err)
			continue
		}
		if client != nil {
			fallback = llm.Instrumented{Client: client, Provider: name, Recorder: recorder}
			fallbackName = name
			break
		}
	}

	logger.Info("llm configured", "provider", primaryName, "fallback", fallbackName)
	return llm.NewFallbackClient(primary, fallback, logger), nil
}

// buildProvider returns nil, nil when the provider has no credentials.
func buildProvider(ctx context.Context, name string, cfg *appconfig.Config, awsCfg aws.Config) (llm.Client, error) {
	switch name {
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, nil
		}
		return llm.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIModel)
	case "gemini":
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return nil, nil
		}
		return llm.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	case "bedrock":
		if strings.TrimSpace(cfg.BedrockModelID) == "" {
			return nil, nil
		}
		return llm.NewBedrockClient(bedrockruntime.NewFromConfig(awsCfg), cfg.BedrockModelID), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown LLM_PROVIDER %q", name)
	}
}
