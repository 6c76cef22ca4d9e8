package hub_test

import (
	"context"
	"encoding/json"
	"math"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collaborative-canvas/internal/domain"
	wshandler "collaborative-canvas/internal/handler/websocket"
	"collaborative-canvas/internal/hub"
	redisstate "collaborative-canvas/internal/infra/state/redis"
	"collaborative-canvas/internal/repository"
)

func startHub(t *testing.T, state repository.StateRepository, instanceID string) (*hub.Hub, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := hub.NewHub(state, instanceID)
	go h.Run()

	router := gin.New()
	router.GET("/ws/room/:roomId", wshandler.NewWebSocketHandler(h, "*").HandleConnection)
	srv := httptest.NewServer(router)

	t.Cleanup(func() {
		srv.Close()
		h.StopAllSubscriptions()
		h.Stop()
	})
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server, roomID, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/room/" + roomID + "?userId=" + userID + "&username=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "WebSocket 连接应成功")
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, kind domain.EventKind, payload interface{}) {
	t.Helper()
	ev, err := domain.NewEvent(kind, "", payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(ev))
}

// readUntil 读取消息直到 match 返回 true
func readUntil(t *testing.T, conn *websocket.Conn, match func(domain.Event) bool) domain.Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		var ev domain.Event
		err := conn.ReadJSON(&ev)
		require.NoError(t, err, "在超时前应收到期望的消息")
		if match(ev) {
			return ev
		}
	}
}

func ofKind(kind domain.EventKind) func(domain.Event) bool {
	return func(ev domain.Event) bool { return ev.Type == kind }
}

// syncContaining 匹配包含全部 userIDs 的 presence_sync
func syncContaining(userIDs ...string) func(domain.Event) bool {
	return func(ev domain.Event) bool {
		if ev.Type != domain.EventPresenceSync {
			return false
		}
		var roster []domain.PresenceEntry
		if err := json.Unmarshal(ev.Payload, &roster); err != nil {
			return false
		}
		seen := make(map[string]bool)
		for _, e := range roster {
			seen[e.UserID] = true
		}
		for _, id := range userIDs {
			if !seen[id] {
				return false
			}
		}
		return true
	}
}

func stroke(id, userID string) domain.Stroke {
	return domain.Stroke{
		ID:         id,
		Points:     []domain.Point{{X: 1, Y: 1}, {X: 2, Y: 2}},
		BrushColor: "#000000",
		BrushSize:  3,
		LineCap:    domain.LineCapRound,
		UserID:     userID,
	}
}

func TestHub_RelaysRoomTrafficToOthers(t *testing.T) {
	// Arrange
	_, srv := startHub(t, nil, "inst-a")
	alice := dial(t, srv, "room-1", "alice")
	send(t, alice, domain.EventTrack, domain.PresenceEntry{Username: "Alice"})
	readUntil(t, alice, syncContaining("alice"))
	bob := dial(t, srv, "room-1", "bob")
	send(t, bob, domain.EventTrack, domain.PresenceEntry{Username: "Bob"})
	readUntil(t, bob, syncContaining("alice", "bob"))

	// Act
	send(t, alice, domain.EventStroke, stroke("alice-1", "alice"))

	// Assert
	got := readUntil(t, bob, ofKind(domain.EventStroke))
	assert.Equal(t, "alice", got.SenderID, "服务端应以连接的用户 ID 标记发送者")
	assert.Equal(t, "room-1", got.RoomID)
	var s domain.Stroke
	require.NoError(t, got.Decode(&s))
	assert.Equal(t, "alice-1", s.ID)
}

func TestHub_DoesNotEchoToSender(t *testing.T) {
	_, srv := startHub(t, nil, "inst-a")
	alice := dial(t, srv, "room-1", "alice")
	bob := dial(t, srv, "room-1", "bob")
	send(t, bob, domain.EventTrack, domain.PresenceEntry{})
	readUntil(t, bob, syncContaining("bob"))

	send(t, alice, domain.EventClear, domain.ClearPayload{UserID: "alice"})
	readUntil(t, bob, ofKind(domain.EventClear))
	send(t, alice, domain.EventTrack, domain.PresenceEntry{})

	// Hub 按顺序处理，alice 自己的 clear 如果被回显，一定出现在她的 sync 之前
	echoed := false
	readUntil(t, alice, func(ev domain.Event) bool {
		if ev.Type == domain.EventClear {
			echoed = true
		}
		return syncContaining("alice", "bob")(ev)
	})
	assert.False(t, echoed, "发送者不应收到自己的消息")
}

func TestHub_IsolatesRooms(t *testing.T) {
	_, srv := startHub(t, nil, "inst-a")
	alice := dial(t, srv, "room-1", "alice")
	carol := dial(t, srv, "room-2", "carol")
	send(t, carol, domain.EventTrack, domain.PresenceEntry{})
	readUntil(t, carol, syncContaining("carol"))

	send(t, alice, domain.EventStroke, stroke("alice-1", "alice"))
	send(t, alice, domain.EventTrack, domain.PresenceEntry{})
	readUntil(t, alice, syncContaining("alice"))

	// carol 只应看到自己房间的 presence，之后读不到任何消息
	require.NoError(t, carol.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var ev domain.Event
	err := carol.ReadJSON(&ev)
	assert.Error(t, err, "其他房间的消息不应被转发")
}

func TestHub_PresenceTrackAndLeave(t *testing.T) {
	// Arrange
	_, srv := startHub(t, nil, "inst-a")
	alice := dial(t, srv, "room-1", "alice")
	send(t, alice, domain.EventTrack, domain.PresenceEntry{UserID: "spoofed", Username: "Alice", CursorColor: "#f00"})
	sync := readUntil(t, alice, syncContaining("alice"))
	var roster []domain.PresenceEntry
	require.NoError(t, sync.Decode(&roster))
	require.Len(t, roster, 1)
	assert.Equal(t, "alice", roster[0].UserID, "名单中的 userId 以连接为准")
	assert.Equal(t, "#f00", roster[0].CursorColor)
	assert.False(t, roster[0].JoinedAt.IsZero(), "服务端应补全加入时间")

	bob := dial(t, srv, "room-1", "bob")
	send(t, bob, domain.EventTrack, domain.PresenceEntry{})
	join := readUntil(t, alice, ofKind(domain.EventPresenceJoin))
	var joined domain.PresenceEntry
	require.NoError(t, join.Decode(&joined))
	assert.Equal(t, "bob", joined.UserID)
	assert.Equal(t, "bob", joined.Username, "track 没有名字时使用连接参数中的名字")

	// Act
	require.NoError(t, bob.Close())

	// Assert
	leave := readUntil(t, alice, ofKind(domain.EventPresenceLeave))
	var left domain.PresenceEntry
	require.NoError(t, leave.Decode(&left))
	assert.Equal(t, "bob", left.UserID)
	after := readUntil(t, alice, ofKind(domain.EventPresenceSync))
	require.NoError(t, after.Decode(&roster))
	assert.Len(t, roster, 1, "bob 离开后名单只剩 alice")
}

func TestHub_RejectsMalformedMessages(t *testing.T) {
	_, srv := startHub(t, nil, "inst-a")
	alice := dial(t, srv, "room-1", "alice")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("{not json")))
	first := readUntil(t, alice, ofKind(domain.EventError))
	send(t, alice, domain.EventPresenceSync, []domain.PresenceEntry{})
	second := readUntil(t, alice, ofKind(domain.EventError))

	assert.NotEmpty(t, first.Payload)
	assert.Contains(t, string(second.Payload), "unsupported", "客户端不能伪造服务端消息")
}

func TestHub_RelaysLongPartialStroke(t *testing.T) {
	// Arrange
	_, srv := startHub(t, nil, "inst-a")
	alice := dial(t, srv, "room-1", "alice")
	bob := dial(t, srv, "room-1", "bob")
	send(t, bob, domain.EventTrack, domain.PresenceEntry{})
	readUntil(t, bob, syncContaining("bob"))

	points := make([]domain.Point, 16000)
	for i := range points {
		points[i] = domain.Point{X: float64(i) * math.Pi / 7, Y: float64(i) * math.E / 11}
	}
	partial := domain.PartialStroke{StrokeID: "alice-1", Points: points, BrushColor: "#000000", BrushSize: 3, LineCap: domain.LineCapRound, UserID: "alice"}

	// Act
	send(t, alice, domain.EventPartialStroke, partial)

	// Assert
	got := readUntil(t, bob, ofKind(domain.EventPartialStroke))
	assert.Greater(t, len(got.Payload), 512*1024)
	var ps domain.PartialStroke
	require.NoError(t, got.Decode(&ps))
	assert.Len(t, ps.Points, 16000, "长笔画的快照应完整转发")

	send(t, alice, domain.EventTrack, domain.PresenceEntry{})
	readUntil(t, alice, syncContaining("alice", "bob"))
}

func TestHub_BridgesInstancesThroughRedis(t *testing.T) {
	// Arrange
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	state := redisstate.NewRedisStateRepository(client, "test:")

	hubA, srvA := startHub(t, state, "inst-a")
	_, srvB := startHub(t, state, "inst-b")

	alice := dial(t, srvA, "room-1", "alice")
	send(t, alice, domain.EventTrack, domain.PresenceEntry{Username: "Alice"})
	readUntil(t, alice, syncContaining("alice"))

	bob := dial(t, srvB, "room-1", "bob")
	send(t, bob, domain.EventTrack, domain.PresenceEntry{Username: "Bob"})
	readUntil(t, bob, syncContaining("alice", "bob"))
	readUntil(t, alice, syncContaining("alice", "bob"))

	// Act
	send(t, alice, domain.EventStroke, stroke("alice-1", "alice"))

	// Assert
	got := readUntil(t, bob, ofKind(domain.EventStroke))
	assert.Equal(t, "alice", got.SenderID)
	assert.Equal(t, "inst-a", got.Instance, "跨实例消息应带有来源实例")
	assert.Equal(t, []string{"room-1"}, hubA.GetActiveRoomIDs())

	rooms, err := state.ListActiveRooms(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"room-1"}, rooms)
}
