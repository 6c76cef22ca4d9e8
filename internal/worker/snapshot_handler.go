package worker

import (
	"context"
	"sync"
	"time"

	"github.com/hibiken/asynq"
)

// roomCheckTimeout 是单个房间检查的超时时间
const roomCheckTimeout = 30 * time.Second

// ActiveRoomLister 返回当前有在线用户的房间，由 StateRepository 实现 (跨实例)
type ActiveRoomLister interface {
	ListActiveRooms(ctx context.Context) ([]string, error)
}

// SnapshotChecker 在房间有变化时重新渲染快照，由 service.SnapshotService 实现
type SnapshotChecker interface {
	CheckAndRenderSnapshot(ctx context.Context, roomID string) (bool, error)
}

// SnapshotCheckHandler 处理周期性的快照检查任务
type SnapshotCheckHandler struct {
	rooms   ActiveRoomLister
	checker SnapshotChecker
}

// NewSnapshotCheckHandler 创建 Handler 实例
func NewSnapshotCheckHandler(rooms ActiveRoomLister, checker SnapshotChecker) *SnapshotCheckHandler {
	if rooms == nil {
		panic("ActiveRoomLister cannot be nil for SnapshotCheckHandler")
	}
	if checker == nil {
		panic("SnapshotChecker cannot be nil for SnapshotCheckHandler")
	}
	return &SnapshotCheckHandler{rooms: rooms, checker: checker}
}

// ProcessTask 实现 asynq.Handler 接口
func (h *SnapshotCheckHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	logCtx := taskLogger(ctx, t)
	logCtx.Info("Processing periodic snapshot check task...")

	// 1. 获取当前活跃的房间 ID 列表
	activeRoomIDs, err := h.rooms.ListActiveRooms(ctx)
	if err != nil {
		logCtx.WithError(err).Error("Failed to list active rooms")
		return err
	}
	if len(activeRoomIDs) == 0 {
		logCtx.Info("No active rooms found, skipping snapshot check.")
		return nil
	}
	logCtx.Infof("Found %d active rooms to check.", len(activeRoomIDs))

	// 2. 并发检查每个房间
	var wg sync.WaitGroup
	var mu sync.Mutex
	failed, rendered := 0, 0

	for _, roomID := range activeRoomIDs {
		wg.Add(1)
		go func(rID string) {
			defer wg.Done()
			roomLogCtx := logCtx.WithField("room_id", rID)

			checkCtx, cancel := context.WithTimeout(ctx, roomCheckTimeout)
			defer cancel()
			did, err := h.checker.CheckAndRenderSnapshot(checkCtx, rID)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				roomLogCtx.WithError(err).Error("Snapshot check failed for room")
				failed++
			case did:
				rendered++
			default:
				roomLogCtx.Debug("Snapshot check complete, no render needed.")
			}
		}(roomID)
	}
	wg.Wait()

	// 单个房间失败不让整个周期任务重试
	if failed > 0 {
		logCtx.Errorf("Snapshot check completed with %d errors for some rooms.", failed)
		return nil
	}

	logCtx.WithField("rendered", rendered).Info("Periodic snapshot check task completed successfully.")
	return nil
}
