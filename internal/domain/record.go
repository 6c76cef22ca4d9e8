package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// StrokeRecord 是持久化到数据库中的完成笔画。
type StrokeRecord struct {
	ID        uint      `gorm:"primaryKey"`                                          // 自增主键，同时作为同一时间戳下的排序依据
	RoomID    string    `gorm:"size:191;not null;uniqueIndex:idx_room_stroke;index"` // 房间 ID (不透明字符串)
	StrokeID  string    `gorm:"size:191;not null;uniqueIndex:idx_room_stroke"`       // Stroke.ID，与 RoomID 组成唯一键
	UserID    string    `gorm:"size:191;not null;index"`
	Epoch     uint      `gorm:"not null;index"`     // 写入时房间所处的 epoch，清空后旧 epoch 的记录不再返回
	Data      string    `gorm:"type:text;not null"` // Stroke 的 JSON
	CreatedAt time.Time `gorm:"autoCreateTime;index"`
}

// ParseStroke 将 Data 字段 (JSON) 解析为 Stroke。
func (r *StrokeRecord) ParseStroke() (Stroke, error) {
	var s Stroke
	if r.Data == "" {
		return s, fmt.Errorf("stroke record %d has empty data", r.ID)
	}
	if err := json.Unmarshal([]byte(r.Data), &s); err != nil {
		return s, fmt.Errorf("failed to unmarshal stroke data: %w", err)
	}
	return s, nil
}

// SetStroke 序列化 Stroke 到 Data 字段，并同步冗余列。
func (r *StrokeRecord) SetStroke(s Stroke) error {
	bytes, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal stroke data: %w", err)
	}
	r.StrokeID = s.ID
	r.UserID = s.UserID
	r.Data = string(bytes)
	return nil
}

// RoomEpoch 记录房间当前 epoch。每次清空画布 epoch 加一。
type RoomEpoch struct {
	RoomID    string    `gorm:"primaryKey;size:191"`
	Epoch     uint      `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}
