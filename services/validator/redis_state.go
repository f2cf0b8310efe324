package validator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/AeroSense-Network/data_pipeline/internal/errdefs"
)

// seenRetention bounds how long duplicate keys live in Redis. Readings
// older than the timestamp window are rejected anyway, so retention only
// has to exceed the window by a comfortable margin.
const seenRetention = 48 * time.Hour

// redisState stores anti-replay state in Redis so it survives restarts and
// is shared across pipeline instances.
type redisState struct {
	client *redis.Client
	prefix string
}

// RedisStateConfig configures the Redis-backed SubmissionState.
type RedisStateConfig struct {
	Addr   string
	DB     int
	Prefix string
}

// NewRedisState creates a Redis-backed SubmissionState.
func NewRedisState(cfg RedisStateConfig) SubmissionState {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "pipeline"
	}
	return &redisState{
		client: redis.NewClient(&redis.Options{Addr: cfg.Addr, DB: cfg.DB}),
		prefix: prefix,
	}
}

func (s *redisState) hashKey(dataHash string) string {
	return s.prefix + ":seen:hash:" + dataHash
}

func (s *redisState) tsKey(sensorID string, timestamp int64) string {
	return s.prefix + ":seen:ts:" + sensorID + ":" + strconv.FormatInt(timestamp, 10)
}

func (s *redisState) lastKey(sensorID string) string {
	return s.prefix + ":last:" + sensorID
}

// Initialize implements SubmissionState.
func (s *redisState) Initialize(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errdefs.Storage("redis unreachable").WithCause(err)
	}
	return nil
}

// Shutdown implements SubmissionState.
func (s *redisState) Shutdown(ctx context.Context) error {
	return s.client.Close()
}

// Health implements SubmissionState.
func (s *redisState) Health(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// SeenHash implements SubmissionState.
func (s *redisState) SeenHash(ctx context.Context, dataHash string) (bool, error) {
	n, err := s.client.Exists(ctx, s.hashKey(dataHash)).Result()
	if err != nil {
		return false, errdefs.Storage("redis exists failed").WithCause(err)
	}
	return n > 0, nil
}

// SeenTimestamp implements SubmissionState.
func (s *redisState) SeenTimestamp(ctx context.Context, sensorID string, timestamp int64) (bool, error) {
	n, err := s.client.Exists(ctx, s.tsKey(sensorID, timestamp)).Result()
	if err != nil {
		return false, errdefs.Storage("redis exists failed").WithCause(err)
	}
	return n > 0, nil
}

// LastAccepted implements SubmissionState.
func (s *redisState) LastAccepted(ctx context.Context, sensorID string) (int64, bool, error) {
	val, err := s.client.Get(ctx, s.lastKey(sensorID)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errdefs.Storage("redis get failed").WithCause(err)
	}

	ts, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, errdefs.Storage("corrupt last-accepted value").WithCause(err)
	}
	return ts, true, nil
}

// checkAndRecordScript marks a submission in one server-side step: if the
// hash key or the timestamp key already exists, nothing is written and 0
// is returned. Redis runs scripts atomically, so two instances racing on
// the same payload cannot both win.
var checkAndRecordScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 or redis.call('EXISTS', KEYS[2]) == 1 then
  return 0
end
redis.call('SET', KEYS[1], 1, 'PX', ARGV[1])
redis.call('SET', KEYS[2], 1, 'PX', ARGV[1])
local last = tonumber(redis.call('GET', KEYS[3]))
if last == nil or tonumber(ARGV[2]) > last then
  redis.call('SET', KEYS[3], ARGV[2])
end
return 1
`)

// CheckAndRecord implements SubmissionState.
func (s *redisState) CheckAndRecord(ctx context.Context, dataHash, sensorID string, timestamp int64) error {
	keys := []string{s.hashKey(dataHash), s.tsKey(sensorID, timestamp), s.lastKey(sensorID)}
	won, err := checkAndRecordScript.Run(ctx, s.client, keys,
		seenRetention.Milliseconds(), timestamp).Int()
	if err != nil {
		return errdefs.Storage("redis record failed").WithCause(err)
	}
	if won == 0 {
		return errdefs.Duplicate("submission already recorded")
	}
	return nil
}
