package llm

import (
	"context"
	"time"

	"github.com/wolfman30/voice-intake-agent/pkg/logging"
)

// FallbackClient wraps a primary client with a fallback provider. If the
// primary fails, the request is retried once against the fallback.
type FallbackClient struct {
	primary  Client
	fallback Client
	logger   *logging.Logger
}

// NewFallbackClient creates a fallback-enabled client. If fallback is nil the
// primary is used alone.
func NewFallbackClient(primary, fallback Client, logger *logging.Logger) *FallbackClient {
	if logger == nil {
		logger = logging.Default()
	}
	return &FallbackClient{primary: primary, fallback: fallback, logger: logger}
}

func (c *FallbackClient) Complete(ctx context.Context, req Request) (Response, error) {
	resp, err := c.primary.Complete(ctx, req)
	if err == nil {
		return resp, nil
	}
	c.logger.Warn("primary LLM failed, attempting fallback", "error", err, "fallback_available", c.fallback != nil)
	if c.fallback == nil || ctx.Err() != nil {
		return Response{}, err
	}

	// The fallback may use a different model family.
	req.Model = ""
	fallbackResp, fallbackErr := c.fallback.Complete(ctx, req)
	if fallbackErr != nil {
		c.logger.Error("fallback LLM also failed", "primary_error", err, "fallback_error", fallbackErr)
		return Response{}, fallbackErr
	}
	c.logger.Info("fallback LLM succeeded after primary failure")
	return fallbackResp, nil
}

// Recorder observes completed LLM calls.
type Recorder interface {
	ObserveLLM(provider string, elapsed time.Duration, usage TokenUsage, err error)
}

// Instrumented reports latency and token usage for every call.
type Instrumented struct {
	Client   Client
	Provider string
	Recorder Recorder
}

func (c Instrumented) Complete(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	resp, err := c.Client.Complete(ctx, req)
	if c.Recorder != nil {
		c.Recorder.ObserveLLM(c.Provider, time.Since(start), resp.Usage, err)
	}
	return resp, err
}
