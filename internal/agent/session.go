package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/voice-intake-agent/internal/geocode"
	"github.com/wolfman30/voice-intake-agent/internal/intake"
	"github.com/wolfman30/voice-intake-agent/internal/llm"
	"github.com/wolfman30/voice-intake-agent/internal/observability/metrics"
	"github.com/wolfman30/voice-intake-agent/internal/scheduling"
	"github.com/wolfman30/voice-intake-agent/pkg/logging"
)

var tracer = otel.Tracer("voice.internal.agent")

var (
	ErrSessionNotFound = errors.New("agent: session not found")
	ErrSessionEnded    = errors.New("agent: session has ended")
	ErrSessionExists   = errors.New("agent: session already exists")
	ErrUnknownTool     = errors.New("agent: unknown tool")
)

// maxToolRounds bounds the LLM calls made for a single caller turn.
const maxToolRounds = 6

// Stage is where a call is in the intake → scheduling → booked flow.
type Stage int

const (
	StageIntake Stage = iota
	StageScheduling
	StageBooked
	StageEnded
)

func (s Stage) String() string {
	switch s {
	case StageIntake:
		return "intake"
	case StageScheduling:
		return "scheduling"
	case StageBooked:
		return "booked"
	case StageEnded:
		return "ended"
	default:
		return "unknown"
	}
}

func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(text []byte) error {
	for _, st := range []Stage{StageIntake, StageScheduling, StageBooked, StageEnded} {
		if string(text) == st.String() {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("agent: unknown stage %q", text)
}

// Geocoder proposes a normalized address for caller input.
type Geocoder interface {
	Suggest(ctx context.Context, q geocode.Query) geocode.Suggestion
}

// Config holds the capabilities shared by every session.
type Config struct {
	LLM         llm.Client
	Model       string
	MaxTokens   int32
	Temperature float32
	Geocoder    Geocoder
	Notifier    scheduling.Notifier
	Slots       []scheduling.Slot
	ClinicName  string
	// AssistantName is the name the agent introduces itself with.
	AssistantName string
	// Location is the clinic's time zone; slot days resolve against it.
	Location *time.Location
	Now      func() time.Time
	Metrics  *metrics.CallMetrics
	Logger   *logging.Logger
}

func (c *Config) withDefaults() {
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Slots == nil {
		c.Slots = scheduling.DefaultSlots()
	}
	if c.ClinicName == "" {
		c.ClinicName = "Bay Area Health"
	}
	if c.AssistantName == "" {
		c.AssistantName = "Sarah"
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 300
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
}

// TurnResult is the agent's reply to one caller turn.
type TurnResult struct {
	Reply     string `json:"reply"`
	SegmentID string `json:"segment_id,omitempty"`
	EndCall   bool   `json:"end_call"`
	Stage     Stage  `json:"stage"`
}

// Session is the state of one call. All methods serialize on the session
// mutex; sessions share nothing with each other.
type Session struct {
	mu sync.Mutex

	id          string
	room        string
	callerPhone string
	cfg         Config
	logger      *logging.Logger

	stage     Stage
	history   []llm.Message
	collector *intake.Collector
	presenter *scheduling.Presenter
	booker    *scheduling.Booker
	record    intake.Record
	booking   *scheduling.Booking

	turns        int
	selectedTurn int
	toolMode     bool
	endRequested bool
	outcome      string
	lastActive   time.Time
}

func newSession(callID, room, callerPhone string, cfg Config) *Session {
	cfg.withDefaults()
	clock := func() time.Time { return cfg.Now().In(cfg.Location) }
	presenter := scheduling.NewPresenter(cfg.Slots, clock)
	return &Session{
		id:          callID,
		room:        room,
		callerPhone: callerPhone,
		cfg:         cfg,
		logger:      cfg.Logger.With("call_id", callID),
		stage:       StageIntake,
		collector:   intake.NewCollector(clock),
		presenter:   presenter,
		booker:      scheduling.NewBooker(presenter, cfg.Notifier),
		lastActive:  cfg.Now(),
	}
}

func (s *Session) ID() string   { return s.id }
func (s *Session) Room() string { return s.room }

// Stage returns the current stage.
func (s *Session) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// Outcome is booked, booking_failed or empty while nothing was attempted.
func (s *Session) Outcome() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// end moves the session to StageEnded and reports whether it was live.
func (s *Session) end() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage == StageEnded {
		return false
	}
	s.stage = StageEnded
	return true
}

// Start produces the opening greeting.
func (s *Session) Start(ctx context.Context) TurnResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, span := tracer.Start(ctx, "agent.start", trace.WithAttributes(attribute.String("voice.call_id", s.id)))
	defer span.End()

	greeting := fallbackGreeting(s.cfg.AssistantName, s.cfg.ClinicName)
	if s.cfg.LLM != nil {
		resp, err := s.cfg.LLM.Complete(ctx, llm.Request{
			Model:       s.cfg.Model,
			System:      s.systemPrompts(),
			Messages:    []llm.Message{{Role: llm.RoleUser, Content: greetingInstruction}},
			MaxTokens:   s.cfg.MaxTokens,
			Temperature: s.cfg.Temperature,
		})
		switch {
		case err != nil:
			span.RecordError(err)
			s.logger.Warn("greeting generation failed, using static greeting", "error", err)
		case strings.TrimSpace(resp.Text) != "":
			greeting = resp.Text
		}
	}
	s.history = append(s.history, llm.Message{Role: llm.RoleAssistant, Content: greeting})
	s.lastActive = s.cfg.Now()
	return TurnResult{Reply: greeting, Stage: s.stage}
}

// HandleTurn runs the LLM tool loop for one caller utterance. With resume set
// the previous reply was interrupted by noise rather than speech, so it is
// regenerated without adding the utterance.
func (s *Session) HandleTurn(ctx context.Context, utterance string, resume bool) (TurnResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage == StageEnded {
		return TurnResult{}, ErrSessionEnded
	}
	ctx, span := tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("voice.call_id", s.id),
		attribute.String("voice.stage", s.stage.String()),
		attribute.Bool("voice.resume", resume),
	))
	defer span.End()

	s.lastActive = s.cfg.Now()
	utterance = strings.TrimSpace(utterance)
	if resume {
		if n := len(s.history); n > 0 && s.history[n-1].Role == llm.RoleAssistant && len(s.history[n-1].ToolCalls) == 0 {
			s.history = s.history[:n-1]
		}
	} else {
		if utterance == "" {
			return TurnResult{Reply: notHeardReply, Stage: s.stage}, nil
		}
		s.turns++
		s.history = append(s.history, llm.Message{Role: llm.RoleUser, Content: utterance})
	}

	reply := s.runToolLoop(ctx, span)
	if reply == "" && s.endRequested {
		reply = goodbyeReply
	}
	if reply != "" {
		s.history = append(s.history, llm.Message{Role: llm.RoleAssistant, Content: reply})
	}
	span.SetAttributes(attribute.String("voice.stage_after", s.stage.String()))
	return TurnResult{Reply: reply, EndCall: s.endRequested, Stage: s.stage}, nil
}

func (s *Session) runToolLoop(ctx context.Context, span trace.Span) string {
	if s.cfg.LLM == nil {
		return apologyReply
	}
	for round := 0; round < maxToolRounds; round++ {
		resp, err := s.cfg.LLM.Complete(ctx, llm.Request{
			Model:       s.cfg.Model,
			System:      s.systemPrompts(),
			Messages:    s.history,
			Tools:       s.toolSpecs(),
			MaxTokens:   s.cfg.MaxTokens,
			Temperature: s.cfg.Temperature,
		})
		if err != nil {
			span.RecordError(err)
			s.logger.Error("llm completion failed", "error", err, "round", round)
			return apologyReply
		}
		if len(resp.ToolCalls) == 0 {
			return strings.TrimSpace(resp.Text)
		}

		s.history = append(s.history, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			result := s.runTool(ctx, call.Name, call.Arguments)
			s.history = append(s.history, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    result,
			})
		}
		if s.endRequested {
			return strings.TrimSpace(resp.Text)
		}
	}
	s.logger.Warn("tool loop exhausted without a spoken reply", "rounds", maxToolRounds)
	return notHeardReply
}

// InvokeTool runs a single tool for a runtime that drives the LLM itself and
// reports whether the tool requested the end of the call.
func (s *Session) InvokeTool(ctx context.Context, name, arguments string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage == StageEnded {
		return "", false, ErrSessionEnded
	}
	if _, ok := toolHandlers[name]; !ok {
		return "", false, ErrUnknownTool
	}
	s.toolMode = true
	s.lastActive = s.cfg.Now()
	result := s.runTool(ctx, name, arguments)
	return result, s.endRequested, nil
}

// Instructions returns the current system prompts and tool specs, for
// runtimes that run the LLM themselves.
func (s *Session) Instructions() ([]string, []llm.ToolSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.systemPrompts(), s.toolSpecs()
}

// Record returns the confirmed intake so far.
func (s *Session) Record() intake.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage == StageIntake {
		return s.collector.Record()
	}
	return s.record
}
