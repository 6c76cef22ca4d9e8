package dto

import "collaborative-canvas/internal/domain"

// ErrorDTO 表示发送给客户端的错误消息数据结构
type ErrorDTO struct {
	Message string `json:"message"`
}

// StrokeListDTO 是 GET /api/rooms/:roomId/strokes 的响应
type StrokeListDTO struct {
	RoomID  string          `json:"roomId"`
	Strokes []domain.Stroke `json:"strokes"`
}

// AppendResultDTO 是 POST /api/rooms/:roomId/strokes 的响应
type AppendResultDTO struct {
	RoomID   string `json:"roomId"`
	StrokeID string `json:"strokeId"`
	Created  bool   `json:"created"` // false 表示该笔画已存在
}

// ClearResultDTO 是 DELETE /api/rooms/:roomId/strokes 的响应
type ClearResultDTO struct {
	RoomID string `json:"roomId"`
	Epoch  uint   `json:"epoch"`
}
