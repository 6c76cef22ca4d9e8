package repository

import (
	"context"

	"collaborative-canvas/internal/domain"
)

// StrokeRepository 定义了完成笔画的持久化操作，由数据库实现。
// 每个房间有一个纪元 (epoch)，清空会让纪元加一；只有当前纪元的笔画可见。
type StrokeRepository interface {
	// Append 保存一条笔画，盖上房间的当前纪元。(roomID, stroke.ID) 已存在时不做任何事，返回 created=false。
	Append(ctx context.Context, roomID string, stroke domain.Stroke) (created bool, err error)

	// List 按创建顺序（最早的在前）返回房间当前纪元的笔画。
	List(ctx context.Context, roomID string) ([]domain.Stroke, error)

	// Clear 原子地增加房间纪元并删除旧纪元的笔画，返回新纪元。重复调用无害。
	Clear(ctx context.Context, roomID string) (uint, error)

	// CurrentEpoch 返回房间当前纪元，房间不存在时为 0。
	CurrentEpoch(ctx context.Context, roomID string) (uint, error)
}
