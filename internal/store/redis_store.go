package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/weiawesome/chapter-chat/internal/domain"
)

// appendScript picks the score and stores the message in one step. Scores
// are unix microseconds and strictly increase per room, so the log keeps
// append order. A hint is used only when it lies after the last score and
// not past now. A duplicate id returns the stored body and score.
// KEYS: log zset, body hash, rooms set. ARGV: id, body, now, hint (0 for none), roomID.
// Reply: {created, score, body}.
var appendScript = redis.NewScript(`
local existing = redis.call('HGET', KEYS[2], ARGV[1])
if existing then
  return {0, tonumber(redis.call('ZSCORE', KEYS[1], ARGV[1])), existing}
end
local now = tonumber(ARGV[3])
local hint = tonumber(ARGV[4])
local score = now
local top = redis.call('ZREVRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local last = nil
if #top > 0 then
  last = tonumber(top[2])
end
if hint > 0 and hint <= now and (last == nil or hint > last) then
  score = hint
end
if last ~= nil and score <= last then
  score = last + 1
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[1], string.format('%.0f', score), ARGV[1])
redis.call('SADD', KEYS[3], ARGV[5])
return {1, score, ARGV[2]}
`)

// evictScript drops everything scored below the cutoff and removes the room
// from the index once its log is empty.
// KEYS: log zset, body hash, rooms set. ARGV: cutoff score, roomID.
var evictScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
for _, id in ipairs(ids) do
  redis.call('HDEL', KEYS[2], id)
end
if #ids > 0 then
  redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
end
if redis.call('ZCARD', KEYS[1]) == 0 then
  redis.call('DEL', KEYS[1], KEYS[2])
  redis.call('SREM', KEYS[3], ARGV[2])
end
return #ids
`)

// RedisOptions configures the Redis-backed store.
type RedisOptions struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisStore keeps room logs in Redis. Timestamps have microsecond
// precision; the zset score is the authoritative timestamp and bodies are
// stored without it.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    Clock
}

func NewRedisStore(opts RedisOptions, clock Clock) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStoreFromClient(client, opts.Prefix, clock), nil
}

func NewRedisStoreFromClient(client *redis.Client, prefix string, clock Clock) *RedisStore {
	if clock == nil {
		clock = time.Now
	}
	if prefix == "" {
		prefix = "chat"
	}
	return &RedisStore{client: client, prefix: prefix, now: clock}
}

func (s *RedisStore) roomsKey() string {
	return s.prefix + ":rooms"
}

func (s *RedisStore) logKey(roomID string) string {
	return fmt.Sprintf("%s:room:%s:log", s.prefix, roomID)
}

func (s *RedisStore) bodyKey(roomID string) string {
	return fmt.Sprintf("%s:room:%s:msgs", s.prefix, roomID)
}

func (s *RedisStore) Append(ctx context.Context, roomID string, msg domain.ChatMessage) (domain.ChatMessage, bool, error) {
	msg.RoomID = roomID
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	var hint int64
	if !msg.Timestamp.IsZero() {
		hint = msg.Timestamp.UnixMicro()
	}
	msg.Timestamp = time.Time{}

	body, err := json.Marshal(msg)
	if err != nil {
		return domain.ChatMessage{}, false, fmt.Errorf("failed to marshal message: %w", err)
	}

	keys := []string{s.logKey(roomID), s.bodyKey(roomID), s.roomsKey()}
	res, err := appendScript.Run(ctx, s.client, keys, msg.ID, body, s.now().UnixMicro(), hint, roomID).Slice()
	if err != nil {
		return domain.ChatMessage{}, false, fmt.Errorf("failed to append message: %w", err)
	}
	if len(res) != 3 {
		return domain.ChatMessage{}, false, fmt.Errorf("unexpected append reply of %d elements", len(res))
	}

	created, _ := res[0].(int64)
	score, ok := res[1].(int64)
	if !ok {
		return domain.ChatMessage{}, false, fmt.Errorf("unexpected append score %T", res[1])
	}
	raw, ok := res[2].(string)
	if !ok {
		return domain.ChatMessage{}, false, fmt.Errorf("unexpected append body %T", res[2])
	}

	stored, err := decodeStored(raw, score)
	if err != nil {
		return domain.ChatMessage{}, false, err
	}
	return stored, created == 1, nil
}

func decodeStored(raw string, score int64) (domain.ChatMessage, error) {
	var msg domain.ChatMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return domain.ChatMessage{}, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	msg.Timestamp = time.UnixMicro(score).UTC()
	return msg, nil
}

func (s *RedisStore) Recent(ctx context.Context, roomID string, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		return []domain.ChatMessage{}, nil
	}
	entries, err := s.client.ZRevRangeWithScores(ctx, s.logKey(roomID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read room log: %w", err)
	}
	return s.load(ctx, roomID, entries)
}

func (s *RedisStore) Page(ctx context.Context, roomID string, limit int, before *time.Time) (*domain.Page, error) {
	if limit <= 0 {
		return newPage(nil, false), nil
	}

	start := "+inf"
	if before != nil {
		start = "(" + strconv.FormatInt(before.UnixMicro(), 10)
	}
	entries, err := s.client.ZRangeArgsWithScores(ctx, redis.ZRangeArgs{
		Key:     s.logKey(roomID),
		Start:   start,
		Stop:    "-inf",
		ByScore: true,
		Rev:     true,
		Count:   int64(limit + 1),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read room log: %w", err)
	}

	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}
	msgs, err := s.load(ctx, roomID, entries)
	if err != nil {
		return nil, err
	}
	return newPage(msgs, hasMore), nil
}

// load fetches bodies for entries given newest first and returns them
// oldest first, stamped with their scores.
func (s *RedisStore) load(ctx context.Context, roomID string, entries []redis.Z) ([]domain.ChatMessage, error) {
	out := make([]domain.ChatMessage, 0, len(entries))
	if len(entries) == 0 {
		return out, nil
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i], _ = e.Member.(string)
	}
	vals, err := s.client.HMGet(ctx, s.bodyKey(roomID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	for i := len(vals) - 1; i >= 0; i-- {
		raw, ok := vals[i].(string)
		if !ok {
			continue // evicted between the two reads
		}
		msg, err := decodeStored(raw, int64(entries[i].Score))
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *RedisStore) EvictExpired(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := s.now().Add(-retention).UnixMicro()
	rooms, err := s.client.SMembers(ctx, s.roomsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list rooms: %w", err)
	}

	removed := 0
	for _, roomID := range rooms {
		keys := []string{s.logKey(roomID), s.bodyKey(roomID), s.roomsKey()}
		n, err := evictScript.Run(ctx, s.client, keys, cutoff, roomID).Int()
		if err != nil {
			return removed, fmt.Errorf("failed to evict room %s: %w", roomID, err)
		}
		removed += n
	}
	return removed, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
