package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/metrics"
	"collaborative-canvas/internal/repository"
)

// SnapshotScheduler 安排房间快照的重新渲染，由 tasks.SnapshotScheduler 实现
type SnapshotScheduler interface {
	EnqueueSnapshotRender(ctx context.Context, roomID string) error
}

// StrokeService 负责完成笔画的写入、读取和房间清空。
type StrokeService struct {
	strokeRepo repository.StrokeRepository
	stateRepo  repository.StateRepository
	scheduler  SnapshotScheduler // 可以为 nil
	now        func() time.Time
}

// NewStrokeService 创建 StrokeService 实例。
func NewStrokeService(strokeRepo repository.StrokeRepository, stateRepo repository.StateRepository, scheduler SnapshotScheduler) *StrokeService {
	if strokeRepo == nil || stateRepo == nil {
		panic("StrokeService requires non-nil repositories")
	}
	return &StrokeService{
		strokeRepo: strokeRepo,
		stateRepo:  stateRepo,
		scheduler:  scheduler,
		now:        time.Now,
	}
}

// AppendStroke 保存一条完成笔画。同一房间内重复的 stroke.ID 不会重复写入，返回 created=false。
func (s *StrokeService) AppendStroke(ctx context.Context, roomID string, stroke domain.Stroke) (bool, error) {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "stroke_id": stroke.ID, "operation": "AppendStroke"})

	if err := validateRoomID(roomID); err != nil {
		return false, err
	}
	if err := stroke.Validate(); err != nil {
		logCtx.WithError(err).Debug("Rejected invalid stroke")
		return false, fmt.Errorf("%w: %v", ErrInvalidStroke, err)
	}

	created, err := s.strokeRepo.Append(ctx, roomID, stroke)
	metrics.RecordAppend(created, err)
	if err != nil {
		logCtx.WithError(err).Error("Failed to append stroke")
		return false, mapRepoError(err)
	}
	if !created {
		logCtx.Debug("Stroke already stored, skipping")
		return false, nil
	}

	s.roomChanged(ctx, roomID, logCtx)
	return true, nil
}

// ListStrokes 按创建顺序返回房间当前可见的笔画。
func (s *StrokeService) ListStrokes(ctx context.Context, roomID string) ([]domain.Stroke, error) {
	if err := validateRoomID(roomID); err != nil {
		return nil, err
	}
	strokes, err := s.strokeRepo.List(ctx, roomID)
	if err != nil {
		logrus.WithField("room_id", roomID).WithError(err).Error("Failed to list strokes")
		return nil, mapRepoError(err)
	}
	if strokes == nil {
		strokes = []domain.Stroke{}
	}
	return strokes, nil
}

// ClearRoom 清空房间的所有笔画，返回新的纪元。
func (s *StrokeService) ClearRoom(ctx context.Context, roomID string) (uint, error) {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "operation": "ClearRoom"})

	if err := validateRoomID(roomID); err != nil {
		return 0, err
	}
	epoch, err := s.strokeRepo.Clear(ctx, roomID)
	if err != nil {
		logCtx.WithError(err).Error("Failed to clear room")
		return 0, mapRepoError(err)
	}
	metrics.RoomsCleared.Inc()
	logCtx.WithField("epoch", epoch).Info("Room cleared")

	if err := s.stateRepo.DeleteSnapshotCache(ctx, roomID); err != nil {
		logCtx.WithError(err).Warn("Failed to invalidate snapshot cache")
	}
	s.roomChanged(ctx, roomID, logCtx)
	return epoch, nil
}

// roomChanged 记录修改时间并安排重新渲染。失败只记录日志。
func (s *StrokeService) roomChanged(ctx context.Context, roomID string, logCtx *logrus.Entry) {
	if err := s.stateRepo.MarkRoomModified(ctx, roomID, s.now()); err != nil {
		logCtx.WithError(err).Warn("Failed to mark room modified")
	}
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.EnqueueSnapshotRender(ctx, roomID); err != nil {
		logCtx.WithError(err).Warn("Failed to schedule snapshot render")
	}
}
