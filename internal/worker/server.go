package worker

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/tasks"
)

// SnapshotWorker 是 worker 需要的快照能力
type SnapshotWorker interface {
	RoomRenderer
	SnapshotChecker
}

// WorkerServer 封装了 Asynq Worker Server 的启动和关闭逻辑
type WorkerServer struct {
	server    *asynq.Server
	log       *logrus.Entry
	snapshots SnapshotWorker
	rooms     ActiveRoomLister
}

// NewWorkerServer 创建一个新的 WorkerServer 实例
func NewWorkerServer(redisOpt asynq.RedisClientOpt, snapshots SnapshotWorker, rooms ActiveRoomLister, logger *logrus.Logger) *WorkerServer {
	logEntry := logger.WithField("component", "worker_server")

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				taskLogger(ctx, task).WithField("component", "worker_server").Errorf("Task failed: %v", err)
			}),
			Logger: logEntry,
		},
	)

	return &WorkerServer{
		server:    server,
		log:       logEntry,
		snapshots: snapshots,
		rooms:     rooms,
	}
}

// NewServeMux 注册所有任务处理器
func NewServeMux(snapshots SnapshotWorker, rooms ActiveRoomLister) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(tasks.TypeSnapshotRender, NewSnapshotRenderHandler(snapshots))
	mux.Handle(tasks.TypeSnapshotPeriodicCheck, NewSnapshotCheckHandler(rooms, snapshots))
	return mux
}

// Start 运行 Worker Server
// 它应该在一个单独的 goroutine 中调用
func (ws *WorkerServer) Start() {
	mux := NewServeMux(ws.snapshots, ws.rooms)

	ws.log.Info("Worker server starting...")
	if err := ws.server.Run(mux); err != nil {
		if !errors.Is(err, asynq.ErrServerClosed) {
			ws.log.Fatalf("Could not run worker server: %v", err)
		}
	}
	ws.log.Info("Worker server stopped.")
}

// Shutdown 优雅地关闭 Worker Server
func (ws *WorkerServer) Shutdown() {
	ws.log.Info("Shutting down worker server...")
	ws.server.Shutdown()
	ws.log.Info("Worker server shut down complete.")
}
