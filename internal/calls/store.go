package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// State is the lifecycle record of one call. It deliberately carries no
// intake values: only routing metadata, counters and the outcome.
type State struct {
	CallID string `json:"call_id"`
	Room   string `json:"room"`
	// CallerPhone is masked before it is stored.
	CallerPhone    string    `json:"caller_phone"`
	Status         string    `json:"status"`
	Stage          string    `json:"stage"`
	TurnCount      int       `json:"turn_count"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	EndedAt        time.Time `json:"ended_at,omitempty"`
	// Outcome records how the call ended: booked, booking_failed, abandoned.
	Outcome string `json:"outcome,omitempty"`
}

// Event is a lifecycle event, such as a stage change or a tool outcome.
type Event struct {
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	callKeyPrefix   = "voice:call:"
	eventsKeyPrefix = "voice:events:"
	callTTL         = 24 * time.Hour

	StatusRinging = "ringing"
	StatusActive  = "active"
	StatusEnded   = "ended"

	OutcomeBooked        = "booked"
	OutcomeBookingFailed = "booking_failed"
	OutcomeAbandoned     = "abandoned"
)

// ErrNotFound is returned when no state exists for a call.
var ErrNotFound = errors.New("calls: call not found")

// Store manages call lifecycle state in Redis.
type Store struct {
	rdb *redis.Client
	now func() time.Time
}

// NewStore creates a call store backed by Redis.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, now: time.Now}
}

func callKey(callID string) string {
	return callKeyPrefix + callID
}

func eventsKey(callID string) string {
	return eventsKeyPrefix + callID
}

// Save persists or updates call state.
func (s *Store) Save(ctx context.Context, state *State) error {
	if state == nil || state.CallID == "" {
		return fmt.Errorf("calls: call_id required")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("calls: marshal: %w", err)
	}
	return s.rdb.Set(ctx, callKey(state.CallID), data, callTTL).Err()
}

// Get retrieves call state.
func (s *Store) Get(ctx context.Context, callID string) (*State, error) {
	data, err := s.rdb.Get(ctx, callKey(callID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("calls: get: %w", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("calls: unmarshal: %w", err)
	}
	return &state, nil
}

// Start records a newly answered call.
func (s *Store) Start(ctx context.Context, callID, room, maskedCaller, stage string) error {
	now := s.now().UTC()
	return s.Save(ctx, &State{
		CallID:         callID,
		Room:           room,
		CallerPhone:    maskedCaller,
		Status:         StatusActive,
		Stage:          stage,
		StartedAt:      now,
		LastActivityAt: now,
	})
}

// RecordTurn increments the turn counter and stores the current stage.
func (s *Store) RecordTurn(ctx context.Context, callID, stage string) error {
	return s.update(ctx, callID, func(state *State) {
		if state.Stage != stage {
			state.Stage = stage
		}
		state.TurnCount++
		state.LastActivityAt = s.now().UTC()
	})
}

// SetOutcome records the outcome without ending the call.
func (s *Store) SetOutcome(ctx context.Context, callID, outcome string) error {
	return s.update(ctx, callID, func(state *State) {
		state.Outcome = outcome
	})
}

// End marks the call as ended. An empty outcome keeps whatever was recorded,
// defaulting to abandoned.
func (s *Store) End(ctx context.Context, callID, outcome string) error {
	return s.update(ctx, callID, func(state *State) {
		state.Status = StatusEnded
		state.EndedAt = s.now().UTC()
		if outcome != "" {
			state.Outcome = outcome
		}
		if state.Outcome == "" {
			state.Outcome = OutcomeAbandoned
		}
	})
}

func (s *Store) update(ctx context.Context, callID string, fn func(*State)) error {
	state, err := s.Get(ctx, callID)
	if err != nil {
		return err
	}
	fn(state)
	return s.Save(ctx, state)
}

// AppendEvent adds a lifecycle event to the call.
func (s *Store) AppendEvent(ctx context.Context, callID, kind, detail string) error {
	data, err := json.Marshal(Event{Kind: kind, Detail: detail, Timestamp: s.now().UTC()})
	if err != nil {
		return fmt.Errorf("calls: marshal event: %w", err)
	}
	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, eventsKey(callID), data)
	pipe.Expire(ctx, eventsKey(callID), callTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Events retrieves the call's lifecycle events in order.
func (s *Store) Events(ctx context.Context, callID string) ([]Event, error) {
	data, err := s.rdb.LRange(ctx, eventsKey(callID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("calls: get events: %w", err)
	}
	events := make([]Event, 0, len(data))
	for _, d := range data {
		var e Event
		if err := json.Unmarshal([]byte(d), &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}
