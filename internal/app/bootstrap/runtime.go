package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/voice-intake-agent/internal/agent"
	"github.com/wolfman30/voice-intake-agent/internal/calls"
	appconfig "github.com/wolfman30/voice-intake-agent/internal/config"
	"github.com/wolfman30/voice-intake-agent/internal/dispatch"
	"github.com/wolfman30/voice-intake-agent/internal/voiceruntime"
	"github.com/wolfman30/voice-intake-agent/pkg/logging"
)

const redisPingTimeout = 3 * time.Second

// redisOptions accepts either a host:port or a redis:// / rediss:// URL.
// REDIS_PASSWORD and REDIS_TLS apply on top of what the URL sets.
func redisOptions(cfg *appconfig.Config) (*redis.Options, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	opts := &redis.Options{Addr: addr}
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: parse REDIS_ADDR: %w", err)
		}
		opts = parsed
	}
	if cfg.RedisPassword != "" {
		opts.Password = cfg.RedisPassword
	}
	if cfg.RedisTLS && opts.TLSConfig == nil {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	opts.ClientName = cfg.AgentName
	return opts, nil
}

// BuildRedisClient returns nil when Redis is not configured. With verify set,
// an unreachable or misconfigured Redis is logged and also yields nil; calls
// then run without a lifecycle record.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	opts, err := redisOptions(cfg)
	if err != nil {
		logger.Warn("redis disabled", "error", err)
		return nil
	}
	client := redis.NewClient(opts)
	if !verify {
		return client
	}
	if ctx == nil {
		ctx = context.Background()
	}
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis not available, call lifecycle will not be recorded", "addr", opts.Addr, "error", err)
		_ = client.Close()
		return nil
	}
	logger.Info("redis connected", "addr", opts.Addr, "db", opts.DB)
	return client
}

// BuildCallStore returns the Redis call lifecycle store, or nil without Redis.
// The nil is an untyped interface so callers can compare against it.
func BuildCallStore(redisClient *redis.Client) agent.CallStore {
	if redisClient == nil {
		return nil
	}
	return calls.NewStore(redisClient)
}

// BuildRooms returns LiveKit room teardown when credentials are set and a
// logging no-op otherwise.
func BuildRooms(cfg *appconfig.Config, logger *logging.Logger) voiceruntime.RoomService {
	if logger == nil {
		logger = logging.Default()
	}
	if rooms := voiceruntime.NewLiveKitRooms(cfg.LiveKitURL, cfg.LiveKitAPIKey, cfg.LiveKitAPISecret, logger); rooms != nil {
		logger.Info("livekit room teardown enabled", "url", cfg.LiveKitURL)
		return rooms
	}
	logger.Warn("livekit credentials not set; rooms will not be deleted on end_call")
	return voiceruntime.NoopRooms{Logger: logger}
}

// BuildDispatchRule loads the SIP dispatch rule descriptor when configured.
// A nil rule accepts every room.
func BuildDispatchRule(cfg *appconfig.Config, logger *logging.Logger) (*dispatch.Rule, error) {
	path := strings.TrimSpace(cfg.DispatchRulePath)
	if path == "" {
		return nil, nil
	}
	rule, err := dispatch.Load(path)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("dispatch rule loaded",
			"name", rule.Name,
			"room_prefix", rule.RoomPrefix,
			"room_name", rule.RoomName,
			"agents", strings.Join(rule.AgentNames, ","),
		)
		if !rule.Dispatches(cfg.AgentName) {
			logger.Warn("dispatch rule does not route to this agent", "agent_name", cfg.AgentName)
		}
	}
	return rule, nil
}
