package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/repository"
)

// StateRepository 是 repository.StateRepository 的 Mock 实现
type StateRepository struct {
	mock.Mock
}

func (m *StateRepository) SetPresence(ctx context.Context, roomID string, entry domain.PresenceEntry) error {
	return m.Called(ctx, roomID, entry).Error(0)
}

func (m *StateRepository) RemovePresence(ctx context.Context, roomID string, userID string) error {
	return m.Called(ctx, roomID, userID).Error(0)
}

func (m *StateRepository) ListPresence(ctx context.Context, roomID string) ([]domain.PresenceEntry, error) {
	args := m.Called(ctx, roomID)
	var entries []domain.PresenceEntry
	if v := args.Get(0); v != nil {
		entries = v.([]domain.PresenceEntry)
	}
	return entries, args.Error(1)
}

func (m *StateRepository) ListActiveRooms(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	var rooms []string
	if v := args.Get(0); v != nil {
		rooms = v.([]string)
	}
	return rooms, args.Error(1)
}

func (m *StateRepository) PublishRoomEvent(ctx context.Context, roomID string, payload []byte) error {
	return m.Called(ctx, roomID, payload).Error(0)
}

func (m *StateRepository) SubscribeRoom(ctx context.Context, roomID string) (repository.Subscription, error) {
	args := m.Called(ctx, roomID)
	var sub repository.Subscription
	if v := args.Get(0); v != nil {
		sub = v.(repository.Subscription)
	}
	return sub, args.Error(1)
}

func (m *StateRepository) GetSnapshotCache(ctx context.Context, roomID string) ([]byte, error) {
	args := m.Called(ctx, roomID)
	var png []byte
	if v := args.Get(0); v != nil {
		png = v.([]byte)
	}
	return png, args.Error(1)
}

func (m *StateRepository) SetSnapshotCache(ctx context.Context, roomID string, png []byte, ttlInSeconds int) error {
	return m.Called(ctx, roomID, png, ttlInSeconds).Error(0)
}

func (m *StateRepository) DeleteSnapshotCache(ctx context.Context, roomID string) error {
	return m.Called(ctx, roomID).Error(0)
}

func (m *StateRepository) MarkRoomModified(ctx context.Context, roomID string, at time.Time) error {
	return m.Called(ctx, roomID, at).Error(0)
}

func (m *StateRepository) GetRoomModified(ctx context.Context, roomID string) (time.Time, error) {
	args := m.Called(ctx, roomID)
	return args.Get(0).(time.Time), args.Error(1)
}

func (m *StateRepository) GetLastSnapshotTime(ctx context.Context, roomID string) (time.Time, error) {
	args := m.Called(ctx, roomID)
	return args.Get(0).(time.Time), args.Error(1)
}

func (m *StateRepository) SetLastSnapshotTime(ctx context.Context, roomID string, timestamp time.Time, ttl time.Duration) error {
	return m.Called(ctx, roomID, timestamp, ttl).Error(0)
}

func (m *StateRepository) CheckRateLimit(ctx context.Context, key string, limit int, duration time.Duration) (bool, error) {
	args := m.Called(ctx, key, limit, duration)
	return args.Bool(0), args.Error(1)
}

// Subscription 是 repository.Subscription 的测试实现
type Subscription struct {
	Ch   chan []byte
	once sync.Once
}

func NewSubscription() *Subscription {
	return &Subscription{Ch: make(chan []byte, 16)}
}

func (s *Subscription) Messages() <-chan []byte { return s.Ch }

func (s *Subscription) Close() error {
	s.once.Do(func() { close(s.Ch) })
	return nil
}
