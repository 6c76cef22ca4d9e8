package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/canvas"
	"collaborative-canvas/internal/metrics"
	"collaborative-canvas/internal/repository"
)

// lastSnapshotTTL 是 last_snapshot_at 记录的保留时间
const lastSnapshotTTL = 24 * time.Hour

// SnapshotService 负责在服务端把房间的笔画渲染成 PNG。
// 渲染走与客户端相同的光栅表面和绘制路径，按完整重绘策略执行。
type SnapshotService struct {
	strokeRepo repository.StrokeRepository // DB 操作
	stateRepo  repository.StateRepository  // Redis 缓存
	width      int
	height     int
	cacheTTL   int // 秒
	now        func() time.Time
}

// NewSnapshotService 创建 SnapshotService 实例。
func NewSnapshotService(strokeRepo repository.StrokeRepository, stateRepo repository.StateRepository, width, height, cacheTTL int) *SnapshotService {
	if width <= 0 || height <= 0 {
		panic(fmt.Sprintf("invalid snapshot size %dx%d", width, height))
	}
	return &SnapshotService{
		strokeRepo: strokeRepo,
		stateRepo:  stateRepo,
		width:      width,
		height:     height,
		cacheTTL:   cacheTTL,
		now:        time.Now,
	}
}

// GetSnapshot 获取房间的 PNG。
// 实现 "缓存优先，未命中则渲染，回填缓存" 策略。
func (s *SnapshotService) GetSnapshot(ctx context.Context, roomID string) ([]byte, error) {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "operation": "GetSnapshot"})

	if err := validateRoomID(roomID); err != nil {
		return nil, err
	}

	// 1. 尝试从 Redis 缓存获取
	cached, err := s.stateRepo.GetSnapshotCache(ctx, roomID)
	if err == nil && len(cached) > 0 {
		metrics.RecordCacheLookup(true)
		logCtx.Debug("Snapshot cache hit")
		return cached, nil
	}
	metrics.RecordCacheLookup(false)
	if err != nil && !errors.Is(err, repository.ErrSnapshotNotFound) {
		logCtx.WithError(err).Warn("Failed to get snapshot from cache")
	}

	// 2. 未命中，直接渲染
	png, err := s.render(ctx, roomID)
	if err != nil {
		return nil, err
	}

	// 3. 异步回填缓存
	go func(data []byte) {
		cacheCtx := context.Background()
		if err := s.stateRepo.SetSnapshotCache(cacheCtx, roomID, data, s.cacheTTL); err != nil {
			logrus.WithField("room_id", roomID).WithError(err).Warn("Failed to warm snapshot cache after render")
		}
	}(png)

	return png, nil
}

// RenderRoom 渲染房间并同步写入缓存，同时记录本次快照时间。由后台任务调用。
func (s *SnapshotService) RenderRoom(ctx context.Context, roomID string) error {
	logCtx := logrus.WithField("room_id", roomID)

	renderedAt := s.now()
	png, err := s.render(ctx, roomID)
	if err != nil {
		return err
	}
	if err := s.stateRepo.SetSnapshotCache(ctx, roomID, png, s.cacheTTL); err != nil {
		logCtx.WithError(err).Error("Snapshot: Failed to update snapshot cache")
		return mapRepoError(err)
	}
	if err := s.stateRepo.SetLastSnapshotTime(ctx, roomID, renderedAt, lastSnapshotTTL); err != nil {
		// 记录错误，但不一定是致命的
		logCtx.WithError(err).Warn("Snapshot: Failed to record last snapshot time")
	}
	logCtx.WithField("bytes", len(png)).Info("Snapshot rendered and cached.")
	return nil
}

// CheckAndRenderSnapshot 如果房间自上次快照以来有变化则重新渲染，返回是否渲染。
func (s *SnapshotService) CheckAndRenderSnapshot(ctx context.Context, roomID string) (bool, error) {
	logCtx := logrus.WithField("room_id", roomID)

	modified, err := s.stateRepo.GetRoomModified(ctx, roomID)
	if err != nil {
		logCtx.WithError(err).Error("Failed to get room modified time")
		return false, mapRepoError(err)
	}
	last, err := s.stateRepo.GetLastSnapshotTime(ctx, roomID)
	if err != nil {
		logCtx.WithError(err).Error("Failed to get last snapshot time")
		return false, mapRepoError(err)
	}
	if !shouldRenderSnapshot(modified, last) {
		logCtx.Debugf("Snapshot is up to date (Modified: %s, Last: %s)",
			modified.Format(time.RFC3339), last.Format(time.RFC3339))
		return false, nil
	}

	logCtx.Info("Room changed since last snapshot, rendering.")
	if err := s.RenderRoom(ctx, roomID); err != nil {
		return false, err
	}
	return true, nil
}

// render 按创建顺序重放笔画，返回 PNG
func (s *SnapshotService) render(ctx context.Context, roomID string) ([]byte, error) {
	start := time.Now()
	png, err := s.renderStrokes(ctx, roomID)
	metrics.RecordRender(time.Since(start), err)
	return png, err
}

func (s *SnapshotService) renderStrokes(ctx context.Context, roomID string) ([]byte, error) {
	strokes, err := s.strokeRepo.List(ctx, roomID)
	if err != nil {
		logrus.WithField("room_id", roomID).WithError(err).Error("Snapshot: Failed to list strokes")
		return nil, mapRepoError(err)
	}

	surface := canvas.NewRasterSurface(s.width, s.height)
	for _, stroke := range strokes {
		canvas.PaintStroke(surface, stroke)
	}
	png, err := surface.ToImage()
	if err != nil {
		logrus.WithField("room_id", roomID).WithError(err).Error("Snapshot: Failed to encode PNG")
		return nil, ErrInternalServer
	}
	return png, nil
}

func shouldRenderSnapshot(modified, last time.Time) bool {
	return !modified.IsZero() && modified.After(last)
}
