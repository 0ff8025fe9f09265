package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/voice-intake-agent/internal/calls"
	"github.com/wolfman30/voice-intake-agent/internal/dispatch"
	"github.com/wolfman30/voice-intake-agent/internal/observability/metrics"
	"github.com/wolfman30/voice-intake-agent/internal/voiceruntime"
	"github.com/wolfman30/voice-intake-agent/pkg/logging"
)

// ErrRoomNotDispatched is returned when a session is started for a room the
// dispatch rule does not route to this agent.
var ErrRoomNotDispatched = errors.New("agent: room not routed to this agent")

const cleanupTimeout = 10 * time.Second

// Playout tracks speech the runtime is still playing.
type Playout interface {
	Begin(callID string) string
	Track(callID, segmentID string)
	MarkPlayed(callID, segmentID string) bool
	WaitForPlayout(ctx context.Context, callID string) error
	Forget(callID string)
}

// CallStore persists call lifecycle metadata.
type CallStore interface {
	Start(ctx context.Context, callID, room, maskedCaller, stage string) error
	RecordTurn(ctx context.Context, callID, stage string) error
	SetOutcome(ctx context.Context, callID, outcome string) error
	End(ctx context.Context, callID, outcome string) error
	AppendEvent(ctx context.Context, callID, kind, detail string) error
}

// ControllerConfig wires a Controller. Store may be nil.
type ControllerConfig struct {
	Registry *Registry
	Playout  Playout
	Rooms    voiceruntime.RoomService
	Store    CallStore
	Rule     *dispatch.Rule
	// AgentName is the dispatch agent name the rule must route to.
	AgentName string
	// TeardownTimeout bounds asynchronous end_call teardown, playout wait included.
	TeardownTimeout time.Duration
	Metrics         *metrics.CallMetrics
	Logger          *logging.Logger
}

type endOp struct {
	done chan struct{}
	err  error
	at   time.Time
}

// Controller owns the call lifecycle: session start, turns, tool calls and
// end_call teardown.
type Controller struct {
	registry        *Registry
	playout         Playout
	rooms           voiceruntime.RoomService
	store           CallStore
	rule            *dispatch.Rule
	agentName       string
	teardownTimeout time.Duration
	metrics         *metrics.CallMetrics
	logger          *logging.Logger

	mu     sync.Mutex
	ending map[string]*endOp
}

func NewController(cfg ControllerConfig) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Rooms == nil {
		cfg.Rooms = voiceruntime.NoopRooms{Logger: cfg.Logger}
	}
	if cfg.Playout == nil {
		cfg.Playout = voiceruntime.NewPlayoutTracker(20 * time.Second)
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 45 * time.Second
	}
	return &Controller{
		registry:        cfg.Registry,
		playout:         cfg.Playout,
		rooms:           cfg.Rooms,
		store:           cfg.Store,
		rule:            cfg.Rule,
		agentName:       cfg.AgentName,
		teardownTimeout: cfg.TeardownTimeout,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
		ending:          make(map[string]*endOp),
	}
}

// StartRequest describes a newly connected call.
type StartRequest struct {
	CallID string `json:"call_id"`
	Room   string `json:"room"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// StartCall creates the session and returns the greeting.
func (c *Controller) StartCall(ctx context.Context, req StartRequest) (string, TurnResult, error) {
	req.Room = strings.TrimSpace(req.Room)
	if !c.rule.Matches(req.Room) || (c.agentName != "" && !c.rule.Dispatches(c.agentName)) {
		return "", TurnResult{}, ErrRoomNotDispatched
	}
	callID := strings.TrimSpace(req.CallID)
	if callID == "" {
		callID = uuid.NewString()
	}
	masked := logging.MaskPhone(req.From)

	sess, err := c.registry.Create(callID, req.Room, req.From)
	if err != nil {
		return callID, TurnResult{}, err
	}
	c.metrics.CallStarted()
	c.logger.Info("call started", "call_id", callID, "room", req.Room, "from", masked)
	if c.store != nil {
		if err := c.store.Start(ctx, callID, req.Room, masked, StageIntake.String()); err != nil {
			c.logger.Warn("call store start failed", "call_id", callID, "error", err)
		}
	}

	result := sess.Start(ctx)
	result.SegmentID = c.playout.Begin(callID)
	return callID, result, nil
}

// HandleTurn runs one caller turn. When the result asks to end the call the
// caller is expected to trigger EndCall once the reply has been queued.
func (c *Controller) HandleTurn(ctx context.Context, callID, utterance string, resume bool) (TurnResult, error) {
	sess, err := c.registry.Get(callID)
	if err != nil {
		return TurnResult{}, err
	}
	before, outcomeBefore := sess.Stage(), sess.Outcome()
	start := time.Now()
	result, err := sess.HandleTurn(ctx, utterance, resume)
	if err != nil {
		return TurnResult{}, err
	}
	c.metrics.ObserveTurn(time.Since(start))
	if result.Reply != "" {
		result.SegmentID = c.playout.Begin(callID)
	}
	c.recordProgress(ctx, sess, before, outcomeBefore, !resume)
	return result, nil
}

// ToolResponse is the result of a runtime-invoked tool.
type ToolResponse struct {
	Result  string
	EndCall bool
}

// InvokeTool runs one tool for a runtime that drives the LLM itself.
func (c *Controller) InvokeTool(ctx context.Context, callID, name, arguments string) (ToolResponse, error) {
	sess, err := c.registry.Get(callID)
	if err != nil {
		return ToolResponse{}, err
	}
	before, outcomeBefore := sess.Stage(), sess.Outcome()
	result, endCall, err := sess.InvokeTool(ctx, name, arguments)
	if err != nil {
		return ToolResponse{}, err
	}
	c.recordProgress(ctx, sess, before, outcomeBefore, false)
	return ToolResponse{Result: result, EndCall: endCall}, nil
}

func (c *Controller) recordProgress(ctx context.Context, sess *Session, before Stage, outcomeBefore string, turn bool) {
	if c.store == nil {
		return
	}
	after, outcome := sess.Stage(), sess.Outcome()
	var errs []error
	if turn {
		errs = append(errs, c.store.RecordTurn(ctx, sess.ID(), after.String()))
	}
	if after != before {
		errs = append(errs, c.store.AppendEvent(ctx, sess.ID(), "stage", after.String()))
	}
	if outcome != outcomeBefore {
		errs = append(errs, c.store.SetOutcome(ctx, sess.ID(), outcome))
	}
	if err := errors.Join(errs...); err != nil {
		c.logger.Warn("call store update failed", "call_id", sess.ID(), "error", err)
	}
}

// Session returns the live session for a call.
func (c *Controller) Session(callID string) (*Session, error) {
	return c.registry.Get(callID)
}

// TrackSegment registers speech the runtime queued on its own.
func (c *Controller) TrackSegment(callID, segmentID string) error {
	if _, err := c.registry.Get(callID); err != nil {
		return err
	}
	c.playout.Track(callID, segmentID)
	return nil
}

// MarkPlayed records that a segment finished playing.
func (c *Controller) MarkPlayed(callID, segmentID string) bool {
	return c.playout.MarkPlayed(callID, segmentID)
}

// EndCall waits for queued speech to finish playing and only then deletes the
// room. Concurrent and repeated calls for the same call share one teardown.
func (c *Controller) EndCall(ctx context.Context, callID string) error {
	c.mu.Lock()
	if op, ok := c.ending[callID]; ok {
		c.mu.Unlock()
		select {
		case <-op.done:
			return op.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	sess, err := c.registry.Get(callID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	op := &endOp{done: make(chan struct{}), at: time.Now()}
	c.ending[callID] = op
	c.mu.Unlock()

	op.err = c.teardown(ctx, sess)
	close(op.done)
	return op.err
}

// EndCallAsync tears the call down in the background, detached from the
// request that triggered it.
func (c *Controller) EndCallAsync(ctx context.Context, callID string) <-chan error {
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.teardownTimeout)
		defer cancel()
		err := c.EndCall(ctx, callID)
		if err != nil {
			c.logger.Error("async end_call failed", "call_id", callID, "error", err)
		}
		done <- err
	}()
	return done
}

func (c *Controller) teardown(ctx context.Context, sess *Session) error {
	ctx, span := tracer.Start(ctx, "agent.end_call", trace.WithAttributes(attribute.String("voice.call_id", sess.ID())))
	defer span.End()
	sess.end()

	start := time.Now()
	waitErr := c.playout.WaitForPlayout(ctx, sess.ID())
	timedOut := errors.Is(waitErr, voiceruntime.ErrPlayoutTimeout)
	c.metrics.ObservePlayoutWait(time.Since(start), timedOut)
	if waitErr != nil {
		span.RecordError(waitErr)
		c.logger.Warn("playout wait ended early, tearing down anyway", "call_id", sess.ID(), "error", waitErr)
	}

	// The room goes away even when the waiting request was cancelled.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	var roomErr error
	if err := c.rooms.DeleteRoom(ctx, sess.Room()); err != nil {
		span.RecordError(err)
		roomErr = fmt.Errorf("agent: delete room: %w", err)
	}

	c.registry.Remove(sess.ID())
	c.playout.Forget(sess.ID())
	outcome := sess.Outcome()
	if outcome == "" {
		outcome = calls.OutcomeAbandoned
	}
	c.finish(ctx, sess.ID(), outcome)
	c.logger.Info("call ended", "call_id", sess.ID(), "outcome", outcome, "playout_timed_out", timedOut)
	return roomErr
}

func (c *Controller) finish(ctx context.Context, callID, outcome string) {
	c.metrics.CallEnded(outcome)
	if c.store == nil {
		return
	}
	if err := c.store.End(ctx, callID, outcome); err != nil {
		c.logger.Warn("call store end failed", "call_id", callID, "error", err)
	}
}

// Sweep ends sessions idle for longer than idle without touching their rooms,
// which the runtime has already closed by then.
func (c *Controller) Sweep(ctx context.Context, idle time.Duration) int {
	now := time.Now()
	swept := c.registry.Sweep(now, idle)
	for _, sess := range swept {
		if !sess.end() {
			continue
		}
		c.playout.Forget(sess.ID())
		outcome := sess.Outcome()
		if outcome == "" {
			outcome = calls.OutcomeAbandoned
		}
		c.finish(ctx, sess.ID(), outcome)
		c.logger.Info("idle session swept", "call_id", sess.ID(), "outcome", outcome)
	}

	c.mu.Lock()
	for id, op := range c.ending {
		select {
		case <-op.done:
			if now.Sub(op.at) > idle {
				delete(c.ending, id)
			}
		default:
		}
	}
	c.mu.Unlock()
	return len(swept)
}
