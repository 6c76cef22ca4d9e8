package worker

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/tasks"
)

// RoomRenderer 渲染并缓存一个房间的快照，由 service.SnapshotService 实现
type RoomRenderer interface {
	RenderRoom(ctx context.Context, roomID string) error
}

// SnapshotRenderHandler 处理单个房间的快照渲染任务
type SnapshotRenderHandler struct {
	renderer RoomRenderer
}

// NewSnapshotRenderHandler 创建 Handler 实例
func NewSnapshotRenderHandler(renderer RoomRenderer) *SnapshotRenderHandler {
	if renderer == nil {
		panic("RoomRenderer cannot be nil for SnapshotRenderHandler")
	}
	return &SnapshotRenderHandler{renderer: renderer}
}

// taskLogger 构造带任务信息的日志上下文
func taskLogger(ctx context.Context, t *asynq.Task) *logrus.Entry {
	taskID := ""
	if rw := t.ResultWriter(); rw != nil {
		taskID = rw.TaskID()
	}
	queue, _ := asynq.GetQueueName(ctx)
	currentRetry, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	return logrus.WithFields(logrus.Fields{
		"task_id":   taskID,
		"task_type": t.Type(),
		"queue":     queue,
		"retry":     currentRetry,
		"max_retry": maxRetry,
	})
}

// ProcessTask 实现 asynq.Handler 接口
func (h *SnapshotRenderHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	logCtx := taskLogger(ctx, t)
	logCtx.Info("Processing snapshot render task...")

	payload, err := tasks.ParseSnapshotRenderPayload(t)
	if err != nil {
		logCtx.WithError(err).Error("Failed to unmarshal task payload")
		return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}

	if err := h.renderer.RenderRoom(ctx, payload.RoomID); err != nil {
		logCtx.WithError(err).WithField("room_id", payload.RoomID).Error("Failed to render room snapshot")
		return fmt.Errorf("failed to render room %s: %w", payload.RoomID, err)
	}

	logCtx.WithField("room_id", payload.RoomID).Info("Snapshot render task processed successfully")
	return nil
}
