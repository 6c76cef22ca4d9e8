package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/dto"
)

// StrokeStore 是 CanvasHandler 需要的笔画操作，由 service.StrokeService 实现
type StrokeStore interface {
	AppendStroke(ctx context.Context, roomID string, stroke domain.Stroke) (bool, error)
	ListStrokes(ctx context.Context, roomID string) ([]domain.Stroke, error)
	ClearRoom(ctx context.Context, roomID string) (uint, error)
}

// SnapshotSource 返回房间的 PNG，由 service.SnapshotService 实现
type SnapshotSource interface {
	GetSnapshot(ctx context.Context, roomID string) ([]byte, error)
}

// CanvasHandler 封装了房间笔画持久化和快照的 HTTP 处理逻辑
type CanvasHandler struct {
	strokes   StrokeStore
	snapshots SnapshotSource
}

// NewCanvasHandler 创建 CanvasHandler 实例
func NewCanvasHandler(strokes StrokeStore, snapshots SnapshotSource) *CanvasHandler {
	return &CanvasHandler{strokes: strokes, snapshots: snapshots}
}

// RegisterRoutes 在 group 下注册 /rooms/:roomId/... 路由
func (h *CanvasHandler) RegisterRoutes(group *gin.RouterGroup) {
	rooms := group.Group("/rooms/:roomId")
	rooms.POST("/strokes", h.AppendStroke)
	rooms.GET("/strokes", h.ListStrokes)
	rooms.DELETE("/strokes", h.ClearRoom)
	rooms.GET("/snapshot.png", h.GetSnapshot)
}

// AppendStroke 处理保存完成笔画的请求。重复提交同一笔画返回 200 而不是 201。
func (h *CanvasHandler) AppendStroke(c *gin.Context) {
	roomID := c.Param("roomId")

	var stroke domain.Stroke
	if err := c.ShouldBindJSON(&stroke); err != nil {
		logrus.WithField("room_id", roomID).WithError(err).Debug("Handler.AppendStroke: Invalid request body")
		ErrorResponse(c, http.StatusBadRequest, "Invalid stroke body")
		return
	}

	created, err := h.strokes.AppendStroke(c.Request.Context(), roomID, stroke)
	if err != nil {
		HandleServiceError(c, err)
		return
	}

	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	SuccessResponse(c, code, dto.AppendResultDTO{RoomID: roomID, StrokeID: stroke.ID, Created: created})
}

// ListStrokes 返回房间当前可见的笔画，最早的在前
func (h *CanvasHandler) ListStrokes(c *gin.Context) {
	roomID := c.Param("roomId")
	strokes, err := h.strokes.ListStrokes(c.Request.Context(), roomID)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, dto.StrokeListDTO{RoomID: roomID, Strokes: strokes})
}

// ClearRoom 删除房间的所有笔画
func (h *CanvasHandler) ClearRoom(c *gin.Context) {
	roomID := c.Param("roomId")
	epoch, err := h.strokes.ClearRoom(c.Request.Context(), roomID)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, dto.ClearResultDTO{RoomID: roomID, Epoch: epoch})
}

// GetSnapshot 返回服务端渲染的房间 PNG
func (h *CanvasHandler) GetSnapshot(c *gin.Context) {
	png, err := h.snapshots.GetSnapshot(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	PNGResponse(c, png)
}
