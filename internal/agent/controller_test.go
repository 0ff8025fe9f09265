package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/voice-intake-agent/internal/calls"
	"github.com/wolfman30/voice-intake-agent/internal/dispatch"
	"github.com/wolfman30/voice-intake-agent/internal/llm"
	"github.com/wolfman30/voice-intake-agent/internal/voiceruntime"
	"github.com/wolfman30/voice-intake-agent/pkg/logging"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// loggedPlayout records when a wait for playout returns.
type loggedPlayout struct {
	*voiceruntime.PlayoutTracker
	log *eventLog
}

func (p loggedPlayout) WaitForPlayout(ctx context.Context, callID string) error {
	err := p.PlayoutTracker.WaitForPlayout(ctx, callID)
	p.log.add("playout_finished")
	return err
}

type loggedRooms struct {
	log   *eventLog
	mu    sync.Mutex
	rooms []string
}

func (r *loggedRooms) DeleteRoom(ctx context.Context, room string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.log.add("room_deleted")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms = append(r.rooms, room)
	return nil
}

func (r *loggedRooms) deleted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.rooms...)
}

type controllerFixture struct {
	ctrl    *Controller
	tracker *voiceruntime.PlayoutTracker
	rooms   *loggedRooms
	log     *eventLog
	store   *calls.Store
}

func newControllerFixture(t *testing.T, client llm.Client, playoutTimeout time.Duration, rule *dispatch.Rule) *controllerFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := &eventLog{}
	tracker := voiceruntime.NewPlayoutTracker(playoutTimeout)
	rooms := &loggedRooms{log: log}
	store := calls.NewStore(rdb)
	ctrl := NewController(ControllerConfig{
		Registry:  NewRegistry(testConfig(client, &stubNotifier{})),
		Playout:   loggedPlayout{PlayoutTracker: tracker, log: log},
		Rooms:     rooms,
		Store:     store,
		Rule:      rule,
		AgentName: "intake-agent",
		Logger:    logging.Discard(),
	})
	return &controllerFixture{ctrl: ctrl, tracker: tracker, rooms: rooms, log: log, store: store}
}

func TestEndCallFinishesPlayoutBeforeDeletingRoom(t *testing.T) {
	f := newControllerFixture(t, nil, 5*time.Second, nil)
	ctx := context.Background()

	callID, greeting, err := f.ctrl.StartCall(ctx, StartRequest{CallID: "call-1", Room: "call-room-1", From: "+14155552671"})
	require.NoError(t, err)
	require.NotEmpty(t, greeting.SegmentID)

	done := make(chan error, 1)
	go func() { done <- f.ctrl.EndCall(ctx, callID) }()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.rooms.deleted(), "room deleted while speech was still playing")

	require.True(t, f.ctrl.MarkPlayed(callID, greeting.SegmentID))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("end_call did not finish after playout")
	}

	assert.Equal(t, []string{"playout_finished", "room_deleted"}, f.log.snapshot())
	assert.Equal(t, []string{"call-room-1"}, f.rooms.deleted())

	_, err = f.ctrl.HandleTurn(ctx, callID, "hello?", false)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestEndCallDeletesRoomWhenRequestIsCancelled(t *testing.T) {
	f := newControllerFixture(t, nil, 5*time.Second, nil)

	callID, _, err := f.ctrl.StartCall(context.Background(), StartRequest{CallID: "call-c", Room: "call-room-c"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, f.ctrl.EndCall(ctx, callID))

	assert.Equal(t, []string{"playout_finished", "room_deleted"}, f.log.snapshot())
	assert.Equal(t, []string{"call-room-c"}, f.rooms.deleted())
}

func TestEndCallIsIdempotent(t *testing.T) {
	f := newControllerFixture(t, nil, time.Second, nil)
	ctx := context.Background()
	callID, greeting, err := f.ctrl.StartCall(ctx, StartRequest{CallID: "call-2", Room: "call-room-2"})
	require.NoError(t, err)
	f.ctrl.MarkPlayed(callID, greeting.SegmentID)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.ctrl.EndCall(ctx, callID))
		}()
	}
	wg.Wait()
	require.NoError(t, f.ctrl.EndCall(ctx, callID))
	assert.Len(t, f.rooms.deleted(), 1)
}

func TestEndCallProceedsAfterPlayoutTimeout(t *testing.T) {
	f := newControllerFixture(t, nil, 30*time.Millisecond, nil)
	ctx := context.Background()
	callID, _, err := f.ctrl.StartCall(ctx, StartRequest{CallID: "call-3", Room: "call-room-3"})
	require.NoError(t, err)

	require.NoError(t, f.ctrl.EndCall(ctx, callID))
	assert.Equal(t, []string{"playout_finished", "room_deleted"}, f.log.snapshot())

	state, err := f.store.Get(ctx, callID)
	require.NoError(t, err)
	assert.Equal(t, calls.StatusEnded, state.Status)
	assert.Equal(t, calls.OutcomeAbandoned, state.Outcome)
}

func TestTurnRequestingEndCallTearsDownAsync(t *testing.T) {
	client := &scriptedLLM{responses: []llm.Response{
		{Text: "Hi, I'm Sarah."},
		{Text: "Goodbye!", ToolCalls: []llm.ToolCall{toolCall("c1", ToolEndCall, map[string]any{})}},
	}}
	f := newControllerFixture(t, client, 5*time.Second, nil)
	ctx := context.Background()
	callID, greeting, err := f.ctrl.StartCall(ctx, StartRequest{CallID: "call-4", Room: "call-room-4"})
	require.NoError(t, err)
	f.ctrl.MarkPlayed(callID, greeting.SegmentID)

	res, err := f.ctrl.HandleTurn(ctx, callID, "that's all, thanks", false)
	require.NoError(t, err)
	require.True(t, res.EndCall)
	require.Equal(t, "Goodbye!", res.Reply)

	done := f.ctrl.EndCallAsync(ctx, callID)
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, f.rooms.deleted(), "goodbye must finish playing first")

	f.ctrl.MarkPlayed(callID, res.SegmentID)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("async teardown did not finish")
	}
	assert.Equal(t, []string{"call-room-4"}, f.rooms.deleted())

	state, err := f.store.Get(ctx, callID)
	require.NoError(t, err)
	assert.Equal(t, 1, state.TurnCount)
	assert.Equal(t, calls.StatusEnded, state.Status)
}

func TestStartCallDispatchGate(t *testing.T) {
	rule, err := dispatch.Parse([]byte(`{"rule": {"dispatchRuleIndividual": {"roomPrefix": "call-"}}, "room_config": {"agents": [{"agent_name": "intake-agent"}]}}`))
	require.NoError(t, err)
	f := newControllerFixture(t, nil, time.Second, rule)
	ctx := context.Background()

	_, _, err = f.ctrl.StartCall(ctx, StartRequest{CallID: "x", Room: "lobby"})
	assert.ErrorIs(t, err, ErrRoomNotDispatched)

	_, _, err = f.ctrl.StartCall(ctx, StartRequest{CallID: "y", Room: "call-_+14155552671_abc"})
	assert.NoError(t, err)

	_, _, err = f.ctrl.StartCall(ctx, StartRequest{CallID: "y", Room: "call-_+14155552671_abc"})
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestStartCallStoresMaskedCaller(t *testing.T) {
	f := newControllerFixture(t, nil, time.Second, nil)
	ctx := context.Background()
	callID, _, err := f.ctrl.StartCall(ctx, StartRequest{CallID: "call-5", Room: "call-room-5", From: "+14155552671"})
	require.NoError(t, err)

	state, err := f.store.Get(ctx, callID)
	require.NoError(t, err)
	assert.Equal(t, "***2671", state.CallerPhone)
	assert.Equal(t, "intake", state.Stage)
}

func TestSweepEndsIdleSessions(t *testing.T) {
	f := newControllerFixture(t, nil, time.Second, nil)
	ctx := context.Background()
	callID, _, err := f.ctrl.StartCall(ctx, StartRequest{CallID: "call-6", Room: "call-room-6"})
	require.NoError(t, err)

	// The fixture clock is fixed in the past, so the session is long idle.
	assert.Equal(t, 1, f.ctrl.Sweep(ctx, time.Hour))
	assert.Equal(t, 0, f.ctrl.registry.Len())
	assert.Empty(t, f.rooms.deleted())

	state, err := f.store.Get(ctx, callID)
	require.NoError(t, err)
	assert.Equal(t, calls.OutcomeAbandoned, state.Outcome)
}

func TestInvokeToolThroughController(t *testing.T) {
	f := newControllerFixture(t, nil, time.Second, nil)
	ctx := context.Background()
	callID, _, err := f.ctrl.StartCall(ctx, StartRequest{CallID: "call-7", Room: "call-room-7"})
	require.NoError(t, err)

	resp, err := f.ctrl.InvokeTool(ctx, callID, ToolValidatePhone, `{"phone":"(415) 555-2671"}`)
	require.NoError(t, err)
	assert.Contains(t, resp.Result, `"valid":true`)
	assert.False(t, resp.EndCall)

	resp, err = f.ctrl.InvokeTool(ctx, callID, ToolEndCall, `{}`)
	require.NoError(t, err)
	assert.True(t, resp.EndCall)

	_, err = f.ctrl.InvokeTool(ctx, "missing", ToolEndCall, `{}`)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
