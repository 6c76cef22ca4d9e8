package redisstate_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collaborative-canvas/internal/domain"
	redisstate "collaborative-canvas/internal/infra/state/redis"
	"collaborative-canvas/internal/repository"
)

func newTestRepo(t *testing.T) (*redisstate.RedisStateRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redisstate.NewRedisStateRepository(client, "test:"), mr
}

func TestRedisStateRepository_Presence(t *testing.T) {
	// Arrange
	repo, mr := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	alice := domain.PresenceEntry{UserID: "alice", Username: "Alice", JoinedAt: base, CursorColor: "#f00"}
	bob := domain.PresenceEntry{UserID: "bob", Username: "Bob", JoinedAt: base.Add(time.Minute)}

	// Act
	require.NoError(t, repo.SetPresence(ctx, "room-1", bob))
	require.NoError(t, repo.SetPresence(ctx, "room-1", alice))
	entries, err := repo.ListPresence(ctx, "room-1")

	// Assert
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "alice", entries[0].UserID, "按加入时间排序")
	assert.Equal(t, "#f00", entries[0].CursorColor)
	assert.True(t, mr.Exists("test:room:room-1:presence"))

	rooms, err := repo.ListActiveRooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"room-1"}, rooms)
}

func TestRedisStateRepository_RemovePresenceDeactivatesEmptyRoom(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.SetPresence(ctx, "room-1", domain.PresenceEntry{UserID: "alice"}))
	require.NoError(t, repo.SetPresence(ctx, "room-1", domain.PresenceEntry{UserID: "bob"}))

	require.NoError(t, repo.RemovePresence(ctx, "room-1", "alice"))
	rooms, err := repo.ListActiveRooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"room-1"}, rooms, "仍有成员时房间保持活跃")

	require.NoError(t, repo.RemovePresence(ctx, "room-1", "bob"))
	rooms, err = repo.ListActiveRooms(ctx)
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestRedisStateRepository_SnapshotCache(t *testing.T) {
	repo, mr := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.GetSnapshotCache(ctx, "room-1")
	assert.ErrorIs(t, err, repository.ErrSnapshotNotFound)

	require.NoError(t, repo.SetSnapshotCache(ctx, "room-1", []byte{0x89, 'P', 'N', 'G'}, 60))
	data, err := repo.GetSnapshotCache(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, data)
	assert.Equal(t, 60*time.Second, mr.TTL("test:room:room-1:snapshot"))

	require.NoError(t, repo.DeleteSnapshotCache(ctx, "room-1"))
	_, err = repo.GetSnapshotCache(ctx, "room-1")
	assert.ErrorIs(t, err, repository.ErrSnapshotNotFound)
}

func TestRedisStateRepository_SnapshotTimes(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	at := time.UnixMilli(1700000000123)

	zero, err := repo.GetLastSnapshotTime(ctx, "room-1")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	require.NoError(t, repo.SetLastSnapshotTime(ctx, "room-1", at, time.Hour))
	require.NoError(t, repo.MarkRoomModified(ctx, "room-1", at.Add(time.Second)))

	last, err := repo.GetLastSnapshotTime(ctx, "room-1")
	require.NoError(t, err)
	assert.True(t, last.Equal(at))
	modified, err := repo.GetRoomModified(ctx, "room-1")
	require.NoError(t, err)
	assert.True(t, modified.After(last))
}

func TestRedisStateRepository_CheckRateLimit(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		exceeded, err := repo.CheckRateLimit(ctx, "test:rl:1.2.3.4", 3, time.Minute)
		require.NoError(t, err)
		assert.False(t, exceeded)
	}
	exceeded, err := repo.CheckRateLimit(ctx, "test:rl:1.2.3.4", 3, time.Minute)

	require.NoError(t, err)
	assert.True(t, exceeded, "第四次请求应超限")
}

func TestRedisStateRepository_PubSub(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	sub, err := repo.SubscribeRoom(ctx, "room-1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, repo.PublishRoomEvent(ctx, "room-1", []byte(`{"type":"clear"}`)))

	select {
	case msg := <-sub.Messages():
		assert.JSONEq(t, `{"type":"clear"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("expected a message on the room channel")
	}
}
