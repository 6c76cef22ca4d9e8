package redisstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/repository"
)

// roomModifiedTTL 限制房间修改时间 key 的存活时间
const roomModifiedTTL = 7 * 24 * time.Hour

// RedisStateRepository 是 StateRepository 接口的 Redis 实现
type RedisStateRepository struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStateRepository 创建 RedisStateRepository 实例
func NewRedisStateRepository(client *redis.Client, keyPrefix string) *RedisStateRepository {
	if client == nil {
		panic("redis client cannot be nil for RedisStateRepository")
	}
	if keyPrefix == "" {
		keyPrefix = "cv:"
	}
	return &RedisStateRepository{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// --- Key Generation Helpers ---
func (r *RedisStateRepository) roomPresenceKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:presence", r.keyPrefix, roomID)
}

func (r *RedisStateRepository) activeRoomsKey() string {
	return r.keyPrefix + "rooms:active"
}

func (r *RedisStateRepository) roomEventsChannel(roomID string) string {
	return fmt.Sprintf("%sroom:%s:events", r.keyPrefix, roomID)
}

func (r *RedisStateRepository) roomSnapshotCacheKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:snapshot", r.keyPrefix, roomID)
}

func (r *RedisStateRepository) roomModifiedKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:modified_at", r.keyPrefix, roomID)
}

func (r *RedisStateRepository) roomLastSnapshotKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:last_snapshot_at", r.keyPrefix, roomID)
}

// --- Presence ---

// SetPresence 写入名单项 (Hash: userId -> JSON) 并把房间加入活跃集合
func (r *RedisStateRepository) SetPresence(ctx context.Context, roomID string, entry domain.PresenceEntry) error {
	key := r.roomPresenceKey(roomID)
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redis: failed to marshal presence for user %s: %w", entry.UserID, err)
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, entry.UserID, string(payload))
	pipe.SAdd(ctx, r.activeRoomsKey(), roomID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: failed to set presence for room %s on key %s: %w", roomID, key, err)
	}
	return nil
}

// RemovePresence 删除名单项；名单为空时从活跃集合中移除房间
func (r *RedisStateRepository) RemovePresence(ctx context.Context, roomID string, userID string) error {
	key := r.roomPresenceKey(roomID)
	pipe := r.client.TxPipeline()
	pipe.HDel(ctx, key, userID)
	remaining := pipe.HLen(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: failed to remove presence for room %s on key %s: %w", roomID, key, err)
	}
	if remaining.Val() == 0 {
		if err := r.client.SRem(ctx, r.activeRoomsKey(), roomID).Err(); err != nil {
			return fmt.Errorf("redis: failed to deactivate room %s: %w", roomID, err)
		}
	}
	return nil
}

// ListPresence 返回名单，按加入时间排序
func (r *RedisStateRepository) ListPresence(ctx context.Context, roomID string) ([]domain.PresenceEntry, error) {
	key := r.roomPresenceKey(roomID)
	values, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to get presence for room %s from %s: %w", roomID, key, err)
	}
	entries := make([]domain.PresenceEntry, 0, len(values))
	for userID, raw := range values {
		var entry domain.PresenceEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			logrus.Warnf("redis: failed to unmarshal presence of user %s in room %s: %v", userID, roomID, err)
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].JoinedAt.Equal(entries[j].JoinedAt) {
			return entries[i].UserID < entries[j].UserID
		}
		return entries[i].JoinedAt.Before(entries[j].JoinedAt)
	})
	return entries, nil
}

// ListActiveRooms 返回活跃房间集合
func (r *RedisStateRepository) ListActiveRooms(ctx context.Context) ([]string, error) {
	rooms, err := r.client.SMembers(ctx, r.activeRoomsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to list active rooms: %w", err)
	}
	sort.Strings(rooms)
	return rooms, nil
}

// --- PubSub ---

// PublishRoomEvent 发布到房间频道
func (r *RedisStateRepository) PublishRoomEvent(ctx context.Context, roomID string, payload []byte) error {
	channel := r.roomEventsChannel(roomID)
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		logrus.WithFields(logrus.Fields{
			"channel":      channel,
			"payload_size": len(payload),
			"room_id":      roomID,
		}).WithError(err).Error("Redis Publish failed")
		return fmt.Errorf("redis: failed to publish to channel %s: %w", channel, err)
	}
	return nil
}

// redisSubscription 把 *redis.PubSub 适配为 repository.Subscription
type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan []byte
}

func (s *redisSubscription) Messages() <-chan []byte { return s.out }
func (s *redisSubscription) Close() error            { return s.pubsub.Close() }

func (s *redisSubscription) forward() {
	defer close(s.out)
	for msg := range s.pubsub.Channel() {
		s.out <- []byte(msg.Payload)
	}
}

// SubscribeRoom 订阅房间频道，等待订阅确认后返回
func (r *RedisStateRepository) SubscribeRoom(ctx context.Context, roomID string) (repository.Subscription, error) {
	channel := r.roomEventsChannel(roomID)
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: failed to subscribe to channel %s: %w", channel, err)
	}
	sub := &redisSubscription{pubsub: pubsub, out: make(chan []byte, 256)}
	go sub.forward()
	return sub, nil
}

// --- Snapshot Caching ---

// GetSnapshotCache 获取缓存的房间 PNG
func (r *RedisStateRepository) GetSnapshotCache(ctx context.Context, roomID string) ([]byte, error) {
	key := r.roomSnapshotCacheKey(roomID)
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, repository.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("redis: failed to get snapshot cache for room %s from %s: %w", roomID, key, err)
	}
	return data, nil
}

// SetSnapshotCache 缓存房间 PNG
func (r *RedisStateRepository) SetSnapshotCache(ctx context.Context, roomID string, png []byte, ttlInSeconds int) error {
	ttl := time.Duration(ttlInSeconds) * time.Second
	key := r.roomSnapshotCacheKey(roomID)
	if err := r.client.Set(ctx, key, png, ttl).Err(); err != nil {
		return fmt.Errorf("redis: failed to set snapshot cache for room %s on key %s: %w", roomID, key, err)
	}
	return nil
}

// DeleteSnapshotCache 删除房间缓存
func (r *RedisStateRepository) DeleteSnapshotCache(ctx context.Context, roomID string) error {
	key := r.roomSnapshotCacheKey(roomID)
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis: failed to delete snapshot cache for room %s: %w", roomID, err)
	}
	return nil
}

// --- Snapshot Worker State ---

func (r *RedisStateRepository) MarkRoomModified(ctx context.Context, roomID string, at time.Time) error {
	return r.setTime(ctx, r.roomModifiedKey(roomID), at, roomModifiedTTL)
}

func (r *RedisStateRepository) GetRoomModified(ctx context.Context, roomID string) (time.Time, error) {
	return r.getTime(ctx, r.roomModifiedKey(roomID))
}

func (r *RedisStateRepository) GetLastSnapshotTime(ctx context.Context, roomID string) (time.Time, error) {
	return r.getTime(ctx, r.roomLastSnapshotKey(roomID))
}

func (r *RedisStateRepository) SetLastSnapshotTime(ctx context.Context, roomID string, timestamp time.Time, ttl time.Duration) error {
	return r.setTime(ctx, r.roomLastSnapshotKey(roomID), timestamp, ttl)
}

// 以毫秒时间戳存储
func (r *RedisStateRepository) setTime(ctx context.Context, key string, t time.Time, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, t.UnixMilli(), ttl).Err(); err != nil {
		return fmt.Errorf("redis: failed to set %s: %w", key, err)
	}
	return nil
}

func (r *RedisStateRepository) getTime(ctx context.Context, key string) (time.Time, error) {
	ms, err := r.client.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("redis: failed to get %s: %w", key, err)
	}
	return time.UnixMilli(ms), nil
}

// --- Rate Limiting ---

// CheckRateLimit 检查给定 key 的请求频率是否超限，并递增计数。
func (r *RedisStateRepository) CheckRateLimit(ctx context.Context, key string, limit int, duration time.Duration) (bool, error) {
	pipe := r.client.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, duration)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis: pipeline failed for rate limit check on key %s: %w", key, err)
	}
	count, err := incrCmd.Result()
	if err != nil {
		return false, fmt.Errorf("redis: failed to get incr result for rate limit on key %s: %w", key, err)
	}
	return count > int64(limit), nil
}

var _ repository.StateRepository = (*RedisStateRepository)(nil)
