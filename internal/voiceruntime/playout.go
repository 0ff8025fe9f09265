package voiceruntime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrPlayoutTimeout is returned when queued speech did not finish in time.
var ErrPlayoutTimeout = errors.New("voiceruntime: playout did not finish before timeout")

type callPlayout struct {
	pending map[string]struct{}
	// idle is closed whenever pending drains to empty.
	idle chan struct{}
}

// PlayoutTracker tracks speech segments handed to the runtime until the runtime
// reports them as played.
type PlayoutTracker struct {
	mu      sync.Mutex
	calls   map[string]*callPlayout
	timeout time.Duration
}

// NewPlayoutTracker creates a tracker whose waits are bounded by timeout.
// A non-positive timeout leaves waits bounded only by the caller's context.
func NewPlayoutTracker(timeout time.Duration) *PlayoutTracker {
	return &PlayoutTracker{calls: make(map[string]*callPlayout), timeout: timeout}
}

// Begin registers a new segment for the call and returns its ID.
func (t *PlayoutTracker) Begin(callID string) string {
	id := uuid.NewString()
	t.Track(callID, id)
	return id
}

// Track registers a segment whose ID was assigned by the runtime.
func (t *PlayoutTracker) Track(callID, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp, ok := t.calls[callID]
	if !ok {
		cp = &callPlayout{pending: make(map[string]struct{})}
		t.calls[callID] = cp
	}
	if len(cp.pending) == 0 {
		cp.idle = make(chan struct{})
	}
	cp.pending[id] = struct{}{}
}

// MarkPlayed records that the runtime finished playing a segment. Unknown
// segments are ignored and reported as false.
func (t *PlayoutTracker) MarkPlayed(callID, segmentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp, ok := t.calls[callID]
	if !ok {
		return false
	}
	if _, ok := cp.pending[segmentID]; !ok {
		return false
	}
	delete(cp.pending, segmentID)
	if len(cp.pending) == 0 {
		close(cp.idle)
	}
	return true
}

// Pending reports the number of segments still playing for the call.
func (t *PlayoutTracker) Pending(callID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cp, ok := t.calls[callID]; ok {
		return len(cp.pending)
	}
	return 0
}

// WaitForPlayout blocks until every segment registered so far has been played,
// the tracker timeout elapses, or ctx is done.
func (t *PlayoutTracker) WaitForPlayout(ctx context.Context, callID string) error {
	t.mu.Lock()
	var idle chan struct{}
	if cp, ok := t.calls[callID]; ok && len(cp.pending) > 0 {
		idle = cp.idle
	}
	t.mu.Unlock()
	if idle == nil {
		return nil
	}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %d segment(s) pending", ErrPlayoutTimeout, t.Pending(callID))
		}
		return ctx.Err()
	}
}

// Forget drops all tracking for the call.
func (t *PlayoutTracker) Forget(callID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.calls, callID)
}
