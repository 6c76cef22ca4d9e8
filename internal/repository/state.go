package repository

import (
	"context"
	"time"

	"collaborative-canvas/internal/domain"
)

// Subscription 是一个房间事件频道的订阅
type Subscription interface {
	// Messages 返回收到的原始消息，订阅关闭后通道关闭
	Messages() <-chan []byte
	Close() error
}

// StateRepository 定义了与房间实时状态相关的操作，通常由 Redis 实现。
type StateRepository interface {
	// === Presence ===

	// SetPresence 写入（或覆盖）房间在线名单中的一项，并把房间标记为活跃。
	SetPresence(ctx context.Context, roomID string, entry domain.PresenceEntry) error

	// RemovePresence 从名单中移除用户；名单变空时房间不再活跃。
	RemovePresence(ctx context.Context, roomID string, userID string) error

	// ListPresence 返回房间当前的名单。
	ListPresence(ctx context.Context, roomID string) ([]domain.PresenceEntry, error)

	// ListActiveRooms 返回名单非空的房间。
	ListActiveRooms(ctx context.Context) ([]string, error)

	// === PubSub ===

	// PublishRoomEvent 把一条已编码的消息发布到房间频道，供其他实例转发。
	PublishRoomEvent(ctx context.Context, roomID string, payload []byte) error

	// SubscribeRoom 订阅房间频道。
	SubscribeRoom(ctx context.Context, roomID string) (Subscription, error)

	// === Snapshot Caching ===

	// GetSnapshotCache 获取缓存的房间 PNG；未命中返回 ErrSnapshotNotFound。
	GetSnapshotCache(ctx context.Context, roomID string) ([]byte, error)

	// SetSnapshotCache 缓存房间 PNG。ttlInSeconds 为 0 表示不过期。
	SetSnapshotCache(ctx context.Context, roomID string, png []byte, ttlInSeconds int) error

	// DeleteSnapshotCache 使缓存失效。
	DeleteSnapshotCache(ctx context.Context, roomID string) error

	// === Snapshot Worker State ===

	// MarkRoomModified 记录房间最近一次笔画变化的时间。
	MarkRoomModified(ctx context.Context, roomID string, at time.Time) error

	// GetRoomModified 返回房间最近一次变化的时间，没有记录时为零值。
	GetRoomModified(ctx context.Context, roomID string) (time.Time, error)

	// GetLastSnapshotTime 获取房间上次生成快照的时间，没有记录时为零值。
	GetLastSnapshotTime(ctx context.Context, roomID string) (time.Time, error)

	// SetLastSnapshotTime 记录房间上次生成快照的时间。
	SetLastSnapshotTime(ctx context.Context, roomID string, timestamp time.Time, ttl time.Duration) error

	// === Rate Limiting ===

	// CheckRateLimit 检查给定 key 的请求频率是否超限，并递增计数。
	// 返回 true 如果超限，false 如果未超限。
	CheckRateLimit(ctx context.Context, key string, limit int, duration time.Duration) (bool, error)
}
