package bootstrap

import (
	"fmt"

	"github.com/wolfman30/voice-intake-agent/internal/agent"
	appconfig "github.com/wolfman30/voice-intake-agent/internal/config"
	"github.com/wolfman30/voice-intake-agent/internal/dispatch"
	"github.com/wolfman30/voice-intake-agent/internal/geocode"
	"github.com/wolfman30/voice-intake-agent/internal/llm"
	"github.com/wolfman30/voice-intake-agent/internal/observability/metrics"
	"github.com/wolfman30/voice-intake-agent/internal/scheduling"
	"github.com/wolfman30/voice-intake-agent/internal/voiceruntime"
	"github.com/wolfman30/voice-intake-agent/pkg/logging"
)

// AgentDeps are the already-built capabilities the controller is assembled
// from. Store, Rule and LLM may be nil.
type AgentDeps struct {
	LLM      llm.Client
	Notifier scheduling.Notifier
	Rooms    voiceruntime.RoomService
	Store    agent.CallStore
	Rule     *dispatch.Rule
	Metrics  *metrics.CallMetrics
	Logger   *logging.Logger
}

// BuildGeocoder wires the Nominatim client with config pacing and deadlines.
func BuildGeocoder(cfg *appconfig.Config, recorder geocode.Recorder, logger *logging.Logger) *geocode.Client {
	return geocode.NewClient(geocode.Options{
		BaseURL:    cfg.GeocoderBaseURL,
		UserAgent:  cfg.GeocoderUserAgent,
		Timeout:    cfg.GeocoderTimeout,
		RatePerSec: cfg.GeocoderRatePerSec,
		Recorder:   recorder,
		Logger:     logger,
	})
}

// BuildController assembles the session registry and call controller.
func BuildController(cfg *appconfig.Config, deps AgentDeps) (*agent.Controller, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if deps.Notifier == nil {
		return nil, fmt.Errorf("bootstrap: booking notifier is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}

	var recorder geocode.Recorder
	if deps.Metrics != nil {
		recorder = deps.Metrics
	}
	registry := agent.NewRegistry(agent.Config{
		LLM:           deps.LLM,
		MaxTokens:     int32(cfg.LLMMaxTokens),
		Temperature:   float32(cfg.LLMTemperature),
		Geocoder:      BuildGeocoder(cfg, recorder, logger),
		Notifier:      deps.Notifier,
		Slots:         scheduling.DefaultSlots(),
		ClinicName:    cfg.ClinicName,
		AssistantName: cfg.AssistantName,
		Location:      cfg.Location(),
		Metrics:       deps.Metrics,
		Logger:        logger,
	})

	return agent.NewController(agent.ControllerConfig{
		Registry:  registry,
		Playout:   voiceruntime.NewPlayoutTracker(cfg.PlayoutTimeout),
		Rooms:     deps.Rooms,
		Store:     deps.Store,
		Rule:      deps.Rule,
		AgentName: cfg.AgentName,
		Metrics:   deps.Metrics,
		Logger:    logger,
	}), nil
}
