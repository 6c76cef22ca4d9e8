package canvas

import (
	"context"
	"fmt"

	"collaborative-canvas/internal/domain"
)

// Persistence 是持久化协作者，只暴露三个操作。
// ListStrokes 按创建时间升序返回；ClearRoom 必须幂等。
type Persistence interface {
	AppendStroke(ctx context.Context, stroke domain.Stroke, roomID string) error
	ListStrokes(ctx context.Context, roomID string) ([]domain.Stroke, error)
	ClearRoom(ctx context.Context, roomID string) error
}

// 持久化操作名
const (
	OpAppend = "append"
	OpList   = "list"
	OpClear  = "clear"
)

// PersistenceError 是非致命的持久化故障：本地和已广播的效果不会回滚。
type PersistenceError struct {
	Op     string
	RoomID string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s failed for room %s: %v", e.Op, e.RoomID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Runner 在事件循环之外执行阻塞的 work，并在循环上回调 done。
type Runner func(work func() error, done func(error))

// RunInline 同步执行，测试中使用
func RunInline(work func() error, done func(error)) {
	done(work())
}
