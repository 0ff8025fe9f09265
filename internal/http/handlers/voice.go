package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/voice-intake-agent/internal/agent"
	"github.com/wolfman30/voice-intake-agent/internal/llm"
	"github.com/wolfman30/voice-intake-agent/pkg/logging"
)

const maxBodyBytes = 1 << 20

// CallController is the call lifecycle the voice runtime drives.
type CallController interface {
	StartCall(ctx context.Context, req agent.StartRequest) (string, agent.TurnResult, error)
	HandleTurn(ctx context.Context, callID, utterance string, resume bool) (agent.TurnResult, error)
	InvokeTool(ctx context.Context, callID, name, arguments string) (agent.ToolResponse, error)
	Session(callID string) (*agent.Session, error)
	TrackSegment(callID, segmentID string) error
	MarkPlayed(callID, segmentID string) bool
	EndCall(ctx context.Context, callID string) error
	EndCallAsync(ctx context.Context, callID string) <-chan error
}

// RuntimeMetrics records pipeline latencies the runtime measures itself.
type RuntimeMetrics interface {
	ObserveRuntime(kind string, seconds float64)
}

// StartResponse is returned when a session is created.
type StartResponse struct {
	CallID string `json:"call_id"`
	agent.TurnResult
}

// TurnRequest carries one final caller transcript. Resume asks the agent to
// regenerate its last reply after a false interruption.
type TurnRequest struct {
	Transcript string `json:"transcript"`
	Resume     bool   `json:"resume,omitempty"`
}

// ToolRequest is a tool call made by a runtime that runs the LLM itself.
// Arguments may be a JSON object or a JSON-encoded string.
type ToolRequest struct {
	ToolName   string          `json:"tool_name"`
	ToolCallID string          `json:"tool_call_id"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult echoes the tool call id so the runtime can correlate it.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Result     string `json:"result"`
	EndCall    bool   `json:"end_call"`
}

// PlayoutEvent reports a speech segment starting or finishing. Runtimes send
// "started" for speech they queue without going through a turn.
type PlayoutEvent struct {
	SegmentID string `json:"segment_id"`
	Event     string `json:"event,omitempty"`
}

// InstructionsResponse hands the current prompts and tools to a runtime that
// runs the LLM itself.
type InstructionsResponse struct {
	Stage  agent.Stage       `json:"stage"`
	System []string          `json:"system"`
	Tools  []toolDeclaration `json:"tools"`
}

type toolDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	ToolCallID string `json:"tool_call_id,omitempty"`
	Error      string `json:"error"`
}

// VoiceHandler serves the voice runtime webhooks. The runtime owns audio,
// speech recognition and synthesis; it posts final transcripts, playout marks
// and tool calls here and speaks the replies it gets back.
type VoiceHandler struct {
	calls   CallController
	metrics RuntimeMetrics
	logger  *logging.Logger
}

// VoiceHandlerConfig configures the VoiceHandler.
type VoiceHandlerConfig struct {
	Calls   CallController
	Metrics RuntimeMetrics
	Logger  *logging.Logger
}

func NewVoiceHandler(cfg VoiceHandlerConfig) *VoiceHandler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &VoiceHandler{calls: cfg.Calls, metrics: cfg.Metrics, logger: cfg.Logger}
}

// Routes mounts the session webhooks.
func (h *VoiceHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.StartSession)
	r.Route("/{callID}", func(r chi.Router) {
		r.Post("/turns", h.Turn)
		r.Post("/tools", h.Tool)
		r.Get("/instructions", h.Instructions)
		r.Post("/playout", h.Playout)
		r.Post("/end", h.End)
		r.Post("/metrics", h.RuntimeMetrics)
		r.Get("/stream", h.Stream)
	})
	return r
}

// StartSession handles POST /webhooks/voice/sessions.
func (h *VoiceHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req agent.StartRequest
	if !h.decode(w, r, &req) {
		return
	}
	callID, greeting, err := h.calls.StartCall(r.Context(), req)
	if err != nil {
		h.logger.Warn("voice: session start rejected", "room", req.Room, "error", err)
		h.writeError(w, "", err)
		return
	}
	writeJSON(w, http.StatusCreated, StartResponse{CallID: callID, TurnResult: greeting})
}

// Turn handles POST /webhooks/voice/sessions/{callID}/turns.
func (h *VoiceHandler) Turn(w http.ResponseWriter, r *http.Request) {
	var req TurnRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.turn(r.Context(), chi.URLParam(r, "callID"), req)
	if err != nil {
		h.writeError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *VoiceHandler) turn(ctx context.Context, callID string, req TurnRequest) (agent.TurnResult, error) {
	result, err := h.calls.HandleTurn(ctx, callID, req.Transcript, req.Resume)
	if err != nil {
		return agent.TurnResult{}, err
	}
	if result.EndCall {
		// The goodbye segment is registered already, so teardown waits for it.
		h.calls.EndCallAsync(ctx, callID)
	}
	return result, nil
}

// Tool handles POST /webhooks/voice/sessions/{callID}/tools. When the result
// asks to end the call the runtime speaks its goodbye and then posts /end.
func (h *VoiceHandler) Tool(w http.ResponseWriter, r *http.Request) {
	var req ToolRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.tool(r.Context(), chi.URLParam(r, "callID"), req)
	if err != nil {
		h.writeError(w, req.ToolCallID, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *VoiceHandler) tool(ctx context.Context, callID string, req ToolRequest) (ToolResult, error) {
	resp, err := h.calls.InvokeTool(ctx, callID, strings.TrimSpace(req.ToolName), toolArguments(req.Arguments))
	if err != nil {
		return ToolResult{}, err
	}
	return ToolResult{ToolCallID: req.ToolCallID, Result: resp.Result, EndCall: resp.EndCall}, nil
}

// Instructions handles GET /webhooks/voice/sessions/{callID}/instructions.
func (h *VoiceHandler) Instructions(w http.ResponseWriter, r *http.Request) {
	sess, err := h.calls.Session(chi.URLParam(r, "callID"))
	if err != nil {
		h.writeError(w, "", err)
		return
	}
	system, specs := sess.Instructions()
	writeJSON(w, http.StatusOK, InstructionsResponse{
		Stage:  sess.Stage(),
		System: system,
		Tools:  toolDeclarations(specs),
	})
}

// Playout handles POST /webhooks/voice/sessions/{callID}/playout.
func (h *VoiceHandler) Playout(w http.ResponseWriter, r *http.Request) {
	var ev PlayoutEvent
	if !h.decode(w, r, &ev) {
		return
	}
	if err := h.playout(chi.URLParam(r, "callID"), ev); err != nil {
		h.writeError(w, "", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var (
	errMissingSegment      = errors.New("segment_id is required")
	errUnknownPlayoutEvent = errors.New("unknown playout event")
)

func (h *VoiceHandler) playout(callID string, ev PlayoutEvent) error {
	segmentID := strings.TrimSpace(ev.SegmentID)
	if segmentID == "" {
		return errMissingSegment
	}
	switch strings.ToLower(strings.TrimSpace(ev.Event)) {
	case "started":
		return h.calls.TrackSegment(callID, segmentID)
	case "", "finished", "played":
		if !h.calls.MarkPlayed(callID, segmentID) {
			h.logger.Debug("voice: playout mark for unknown segment", "call_id", callID, "segment_id", segmentID)
		}
		return nil
	default:
		return fmt.Errorf("%w %q", errUnknownPlayoutEvent, ev.Event)
	}
}

// End handles POST /webhooks/voice/sessions/{callID}/end. It returns once the
// queued speech has played and the room is gone.
func (h *VoiceHandler) End(w http.ResponseWriter, r *http.Request) {
	if err := h.calls.EndCall(r.Context(), chi.URLParam(r, "callID")); err != nil {
		h.writeError(w, "", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RuntimeMetrics handles POST /webhooks/voice/sessions/{callID}/metrics with a
// flat object of latencies in seconds, e.g. {"llm_ttft": 0.42}.
func (h *VoiceHandler) RuntimeMetrics(w http.ResponseWriter, r *http.Request) {
	var values map[string]float64
	if !h.decode(w, r, &values) {
		return
	}
	h.recordRuntimeMetrics(chi.URLParam(r, "callID"), values)
	w.WriteHeader(http.StatusNoContent)
}

func (h *VoiceHandler) recordRuntimeMetrics(callID string, values map[string]float64) {
	if h.metrics == nil {
		return
	}
	for kind, seconds := range values {
		kind = strings.ToLower(strings.TrimSpace(kind))
		if kind == "" {
			continue
		}
		h.metrics.ObserveRuntime(kind, seconds)
	}
	h.logger.Debug("voice: runtime metrics", "call_id", callID, "count", len(values))
}

func (h *VoiceHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Error("voice: failed to read body", "error", err)
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "bad request"})
		return false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		h.logger.Warn("voice: failed to parse body", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body"})
		return false
	}
	return true
}

func (h *VoiceHandler) writeError(w http.ResponseWriter, toolCallID string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("voice: request failed", "error", err)
	}
	writeJSON(w, status, ErrorResponse{ToolCallID: toolCallID, Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, agent.ErrSessionNotFound), errors.Is(err, agent.ErrRoomNotDispatched):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrSessionExists):
		return http.StatusConflict
	case errors.Is(err, agent.ErrSessionEnded):
		return http.StatusGone
	case errors.Is(err, agent.ErrUnknownTool), errors.Is(err, errMissingSegment), errors.Is(err, errUnknownPlayoutEvent):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// toolArguments accepts {"a":1} as well as "{\"a\":1}".
func toolArguments(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "{}"
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if strings.TrimSpace(s) == "" {
				return "{}"
			}
			return s
		}
	}
	return string(raw)
}

func toolDeclarations(specs []llm.ToolSpec) []toolDeclaration {
	out := make([]toolDeclaration, 0, len(specs))
	for _, spec := range specs {
		out = append(out, toolDeclaration{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  spec.Parameters.Map(),
		})
	}
	return out
}
