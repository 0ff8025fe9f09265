package voiceruntime

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"

	"github.com/wolfman30/voice-intake-agent/pkg/logging"
)

// RoomService tears down the runtime session resource for a call.
type RoomService interface {
	DeleteRoom(ctx context.Context, room string) error
}

type roomDeleter interface {
	DeleteRoom(ctx context.Context, req *livekit.DeleteRoomRequest) (*livekit.DeleteRoomResponse, error)
}

// LiveKitRooms deletes rooms through the LiveKit room service API.
type LiveKitRooms struct {
	client roomDeleter
	logger *logging.Logger
}

// NewLiveKitRooms returns nil when the URL or credentials are missing so the
// caller can fall back to NoopRooms.
func NewLiveKitRooms(url, apiKey, apiSecret string, logger *logging.Logger) *LiveKitRooms {
	if strings.TrimSpace(url) == "" || apiKey == "" || apiSecret == "" {
		return nil
	}
	return newLiveKitRooms(lksdk.NewRoomServiceClient(url, apiKey, apiSecret), logger)
}

func newLiveKitRooms(client roomDeleter, logger *logging.Logger) *LiveKitRooms {
	if logger == nil {
		logger = logging.Default()
	}
	return &LiveKitRooms{client: client, logger: logger}
}

func (r *LiveKitRooms) DeleteRoom(ctx context.Context, room string) error {
	if strings.TrimSpace(room) == "" {
		return errors.New("voiceruntime: room name required")
	}
	if _, err := r.client.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: room}); err != nil {
		// The participant may have hung up and the room already closed.
		if strings.Contains(strings.ToLower(err.Error()), "not_found") {
			r.logger.Info("livekit room already gone", "room", room)
			return nil
		}
		return fmt.Errorf("voiceruntime: delete room %s: %w", room, err)
	}
	r.logger.Info("livekit room deleted", "room", room)
	return nil
}

// NoopRooms logs instead of deleting anything. Used for local runs.
type NoopRooms struct {
	Logger *logging.Logger
}

func (n NoopRooms) DeleteRoom(ctx context.Context, room string) error {
	logger := n.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger.Info("room teardown skipped (no livekit configured)", "room", room)
	return nil
}
