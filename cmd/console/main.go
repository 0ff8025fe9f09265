// Command console runs one intake call against the agent over stdin/stdout.
// Replies are treated as played as soon as they are printed.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/voice-intake-agent/cmd/mainconfig"
	"github.com/wolfman30/voice-intake-agent/internal/agent"
	"github.com/wolfman30/voice-intake-agent/internal/app/bootstrap"
	appconfig "github.com/wolfman30/voice-intake-agent/internal/config"
	"github.com/wolfman30/voice-intake-agent/internal/observability/metrics"
	"github.com/wolfman30/voice-intake-agent/internal/voiceruntime"
	"github.com/wolfman30/voice-intake-agent/pkg/logging"
)

func main() {
	from := flag.String("from", "+14155550100", "caller number")
	flag.Parse()

	cfg := appconfig.Load()
	// Keep logs off the conversation.
	logger := logging.NewWithWriter(os.Stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Warn("aws config unavailable", "error", err)
		awsCfg = aws.Config{}
	}
	m := metrics.NewCallMetrics(prometheus.NewRegistry())
	llmClient, err := bootstrap.BuildLLM(ctx, cfg, awsCfg, m, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "llm: %v\n", err)
		os.Exit(1)
	}
	if llmClient == nil {
		fmt.Fprintln(os.Stderr, "no LLM credentials configured; set OPENAI_API_KEY, GEMINI_API_KEY or BEDROCK_MODEL_ID")
		os.Exit(1)
	}
	sender, err := bootstrap.BuildEmailSender(cfg, awsCfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "email: %v\n", err)
		os.Exit(1)
	}
	ctrl, err := bootstrap.BuildController(cfg, bootstrap.AgentDeps{
		LLM:      llmClient,
		Notifier: bootstrap.BuildNotifier(cfg, sender, m, logger),
		Rooms:    voiceruntime.NoopRooms{Logger: logger},
		Metrics:  m,
		Logger:   logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent: %v\n", err)
		os.Exit(1)
	}

	if err := run(ctx, ctrl, *from, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "console: %v\n", err)
		os.Exit(1)
	}
}

type consoleAgent interface {
	StartCall(ctx context.Context, req agent.StartRequest) (string, agent.TurnResult, error)
	HandleTurn(ctx context.Context, callID, utterance string, resume bool) (agent.TurnResult, error)
	MarkPlayed(callID, segmentID string) bool
	EndCall(ctx context.Context, callID string) error
}

func run(ctx context.Context, calls consoleAgent, from string, in io.Reader, out io.Writer) error {
	callID, result, err := calls.StartCall(ctx, agent.StartRequest{Room: "console", From: from})
	if err != nil {
		return fmt.Errorf("start call: %w", err)
	}
	say(calls, callID, result, out)

	scanner := bufio.NewScanner(in)
	for !result.EndCall {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		result, err = calls.HandleTurn(ctx, callID, line, false)
		if err != nil {
			return fmt.Errorf("turn: %w", err)
		}
		say(calls, callID, result, out)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if err := calls.EndCall(ctx, callID); err != nil {
		return fmt.Errorf("end call: %w", err)
	}
	fmt.Fprintf(out, "[call ended: %s]\n", callID)
	return nil
}

func say(calls consoleAgent, callID string, result agent.TurnResult, out io.Writer) {
	if result.Reply != "" {
		fmt.Fprintf(out, "%s [%s]\n", result.Reply, result.Stage)
	}
	if result.SegmentID != "" {
		calls.MarkPlayed(callID, result.SegmentID)
	}
}
