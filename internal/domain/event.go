package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventKind 定义了线上传输的消息类型
type EventKind string

const (
	// 房间内广播的绘图流量
	EventCursor        EventKind = "cursor"
	EventPartialStroke EventKind = "partialStroke"
	EventStroke        EventKind = "stroke"
	EventClear         EventKind = "clear"

	// 在线状态 (presence)
	EventTrack         EventKind = "track" // 客户端 -> 服务端
	EventPresenceSync  EventKind = "presence_sync"
	EventPresenceJoin  EventKind = "presence_join"
	EventPresenceLeave EventKind = "presence_leave"

	EventError EventKind = "error"
)

// 单条 WebSocket 消息的大小上限，客户端与服务端共用。
// 进行中笔画的快照携带完整路径，长笔画也必须装得下。
const (
	// MaxEventBytes 是客户端允许发出的最大消息
	MaxEventBytes = 2 * 1024 * 1024
	// MaxFrameBytes 是读取上限。服务端转发时会补写 senderId 和 instance，留出余量。
	MaxFrameBytes = MaxEventBytes + 64*1024
)

// ErrEventTooLarge 表示消息超过 MaxEventBytes，没有发出
var ErrEventTooLarge = errors.New("event exceeds maximum message size")

// IsRoomTraffic 判断该类型是否属于需要转发给房间其他成员的绘图流量
func (k EventKind) IsRoomTraffic() bool {
	switch k {
	case EventCursor, EventPartialStroke, EventStroke, EventClear:
		return true
	}
	return false
}

// Event 是所有 WebSocket 消息的信封。
type Event struct {
	Type     EventKind       `json:"type"`
	RoomID   string          `json:"roomId,omitempty"`
	SenderID string          `json:"senderId,omitempty"`
	Instance string          `json:"instance,omitempty"` // 发出该消息的服务实例，用于跨实例去重
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// NewEvent 序列化 payload 并构造 Event
func NewEvent(kind EventKind, roomID string, payload interface{}) (Event, error) {
	ev := Event{Type: kind, RoomID: roomID}
	if payload == nil {
		return ev, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return ev, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	ev.Payload = raw
	return ev, nil
}

// Decode 将 Payload 解析到 v
func (e Event) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", e.Type, err)
	}
	return nil
}

// ClearPayload 是 clear 消息的数据
type ClearPayload struct {
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}
