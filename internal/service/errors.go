package service

import (
	"errors"

	"collaborative-canvas/internal/repository"
)

var (
	ErrInvalidRoom    = errors.New("invalid room id")
	ErrInvalidStroke  = errors.New("invalid stroke data")
	ErrNotFound       = errors.New("resource not found")
	ErrInternalServer = errors.New("internal server error")
)

// maxRoomIDLength 与数据库中 room_id 列的长度一致
const maxRoomIDLength = 191

// validateRoomID 检查房间 ID 是否可以作为存储键
func validateRoomID(roomID string) error {
	if roomID == "" || len(roomID) > maxRoomIDLength {
		return ErrInvalidRoom
	}
	return nil
}

// mapRepoError 将仓库层的错误映射到服务层定义的错误。
func mapRepoError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	// 默认返回内部服务器错误
	return ErrInternalServer
}
