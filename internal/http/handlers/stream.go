package handlers

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"golang.org/x/net/websocket"

	"github.com/wolfman30/voice-intake-agent/internal/agent"
)

// StreamFrame is what the runtime sends over the stream.
type StreamFrame struct {
	Type       string             `json:"type"` // "turn", "tool", "playout", "metrics", "end", "ping"
	Transcript string             `json:"transcript,omitempty"`
	Resume     bool               `json:"resume,omitempty"`
	ToolName   string             `json:"tool_name,omitempty"`
	ToolCallID string             `json:"tool_call_id,omitempty"`
	Arguments  json.RawMessage    `json:"arguments,omitempty"`
	SegmentID  string             `json:"segment_id,omitempty"`
	Event      string             `json:"event,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
}

// StreamReply is what the agent sends back.
type StreamReply struct {
	Type       string       `json:"type"` // "reply", "tool_result", "ended", "error", "pong"
	Reply      string       `json:"reply,omitempty"`
	SegmentID  string       `json:"segment_id,omitempty"`
	EndCall    bool         `json:"end_call,omitempty"`
	Stage      *agent.Stage `json:"stage,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
	Result     string       `json:"result,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// Stream handles GET /webhooks/voice/sessions/{callID}/stream: the same
// turn, tool and playout traffic as the POST webhooks over one websocket.
func (h *VoiceHandler) Stream(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	if _, err := h.calls.Session(callID); err != nil {
		h.writeError(w, "", err)
		return
	}
	// Runtime clients do not send an Origin; the webhook JWT authenticates them.
	websocket.Server{Handler: func(conn *websocket.Conn) {
		h.serveStream(conn, r, callID)
	}}.ServeHTTP(w, r)
}

// streamConn serializes sends; the end frame replies from its own goroutine.
type streamConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *streamConn) send(reply StreamReply) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return websocket.JSON.Send(c.conn, reply)
}

func (h *VoiceHandler) serveStream(conn *websocket.Conn, r *http.Request, callID string) {
	ctx := r.Context()
	out := &streamConn{conn: conn}
	h.logger.Info("voice: stream opened", "call_id", callID)
	defer h.logger.Info("voice: stream closed", "call_id", callID)

	for {
		var frame StreamFrame
		if err := websocket.JSON.Receive(conn, &frame); err != nil {
			h.logger.Debug("voice: stream receive ended", "call_id", callID, "error", err)
			return
		}

		var reply StreamReply
		switch frame.Type {
		case "ping":
			reply = StreamReply{Type: "pong"}
		case "turn":
			result, err := h.turn(ctx, callID, TurnRequest{Transcript: frame.Transcript, Resume: frame.Resume})
			if err != nil {
				reply = StreamReply{Type: "error", Error: err.Error()}
				break
			}
			stage := result.Stage
			reply = StreamReply{Type: "reply", Reply: result.Reply, SegmentID: result.SegmentID, EndCall: result.EndCall, Stage: &stage}
		case "tool":
			result, err := h.tool(ctx, callID, ToolRequest{ToolName: frame.ToolName, ToolCallID: frame.ToolCallID, Arguments: frame.Arguments})
			if err != nil {
				reply = StreamReply{Type: "error", ToolCallID: frame.ToolCallID, Error: err.Error()}
				break
			}
			reply = StreamReply{Type: "tool_result", ToolCallID: result.ToolCallID, Result: result.Result, EndCall: result.EndCall}
		case "playout":
			if err := h.playout(callID, PlayoutEvent{SegmentID: frame.SegmentID, Event: frame.Event}); err != nil {
				reply = StreamReply{Type: "error", Error: err.Error()}
				break
			}
			continue
		case "metrics":
			h.recordRuntimeMetrics(callID, frame.Metrics)
			continue
		case "end":
			// Teardown waits for playout marks that arrive on this same
			// connection, so the read loop must keep running.
			go h.finishStream(out, callID, h.calls.EndCallAsync(ctx, callID))
			continue
		default:
			reply = StreamReply{Type: "error", Error: "unknown frame type " + frame.Type}
		}

		if err := out.send(reply); err != nil {
			h.logger.Debug("voice: stream send failed", "call_id", callID, "error", err)
			return
		}
	}
}

// finishStream reports the end_call outcome and closes the stream once the
// room is gone.
func (h *VoiceHandler) finishStream(out *streamConn, callID string, done <-chan error) {
	if err := <-done; err != nil {
		_ = out.send(StreamReply{Type: "error", Error: err.Error()})
		return
	}
	if err := out.send(StreamReply{Type: "ended"}); err != nil {
		h.logger.Debug("voice: stream send failed", "call_id", callID, "error", err)
	}
	_ = out.conn.Close()
}
