package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// 定义任务类型常量
const (
	TypeSnapshotRender        = "snapshot:render"         // 渲染单个房间的快照
	TypeSnapshotPeriodicCheck = "snapshot:periodic_check" // 周期性检查活跃房间
)

// renderDebounce 是同一房间渲染任务的去重窗口
const renderDebounce = 10 * time.Second

// SnapshotRenderPayload 定义了渲染任务的数据结构
type SnapshotRenderPayload struct {
	RoomID string `json:"roomId"`
}

// NewSnapshotRenderTask 创建一个房间渲染任务
func NewSnapshotRenderTask(roomID string) (*asynq.Task, error) {
	payload, err := json.Marshal(SnapshotRenderPayload{RoomID: roomID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeSnapshotRender, payload), nil
}

// ParseSnapshotRenderPayload 解析渲染任务的数据
func ParseSnapshotRenderPayload(t *asynq.Task) (SnapshotRenderPayload, error) {
	var p SnapshotRenderPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, err
	}
	if p.RoomID == "" {
		return p, errors.New("snapshot render payload has empty room id")
	}
	return p, nil
}

// NewSnapshotPeriodicCheckTask 创建周期检查任务的 payload (目前为空对象)
func NewSnapshotPeriodicCheckTask() ([]byte, error) {
	return json.Marshal(struct{}{})
}

// TaskEnqueuer 是 asynq.Client 中本包用到的部分
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// SnapshotScheduler 把房间渲染任务放入队列。
// 同一房间在去重窗口内只排一个任务，窗口结束后才执行，从而合并连续的笔画。
type SnapshotScheduler struct {
	client TaskEnqueuer
}

func NewSnapshotScheduler(client TaskEnqueuer) *SnapshotScheduler {
	if client == nil {
		panic("asynq client cannot be nil for SnapshotScheduler")
	}
	return &SnapshotScheduler{client: client}
}

// EnqueueSnapshotRender 排入一个去重的渲染任务；重复任务不是错误
func (s *SnapshotScheduler) EnqueueSnapshotRender(ctx context.Context, roomID string) error {
	task, err := NewSnapshotRenderTask(roomID)
	if err != nil {
		return fmt.Errorf("failed to build snapshot render task: %w", err)
	}
	_, err = s.client.EnqueueContext(ctx, task,
		asynq.Queue("low"),
		asynq.ProcessIn(renderDebounce),
		asynq.Unique(renderDebounce),
		asynq.MaxRetry(3),
	)
	if err != nil && !errors.Is(err, asynq.ErrDuplicateTask) {
		return fmt.Errorf("failed to enqueue snapshot render for room %s: %w", roomID, err)
	}
	return nil
}
