package domain

import "time"

// ConnectionStatus 是房间级别的连接状态，任一时刻只有一个值。
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// PresenceEntry 表示房间内一个在线用户，按 UserID 唯一。
type PresenceEntry struct {
	UserID      string    `json:"userId"`
	Username    string    `json:"username"`
	JoinedAt    time.Time `json:"joinedAt"`
	CursorColor string    `json:"cursorColor"`
}
