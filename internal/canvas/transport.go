package canvas

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/domain"
)

var ErrNotConnected = errors.New("transport session is not connected")

// BroadcastError 是非致命的广播故障：笔画已在本地提交，但房间其他成员没有收到。
type BroadcastError struct {
	Kind     domain.EventKind
	RoomID   string
	StrokeID string
	Err      error
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("broadcast %s %s failed for room %s: %v", e.Kind, e.StrokeID, e.RoomID, e.Err)
}

func (e *BroadcastError) Unwrap() error { return e.Err }

// Transport 是发布/订阅与在线状态的传输协作者。
// Open 之后，连接状态和收到的消息通过 TransportHandler 回调；
// Close 结束当前连接，之后可以再次 Open。
type Transport interface {
	Open(ctx context.Context, roomID string, handler TransportHandler) error
	Publish(ctx context.Context, ev domain.Event) error
	TrackPresence(ctx context.Context, entry domain.PresenceEntry) error
	Close() error
}

// TransportHandler 接收传输层回调。实现者可能在任意 goroutine 上被调用。
type TransportHandler interface {
	HandleEvent(ev domain.Event)
	HandlePresenceSync(entries []domain.PresenceEntry)
	HandlePresenceJoin(entry domain.PresenceEntry)
	HandlePresenceLeave(entry domain.PresenceEntry)
	HandleStatus(status domain.ConnectionStatus, err error)
}

// TransportSession 管理一个房间的连接状态、在线名单和远端光标。
// connecting -> connected <-> disconnected；disconnected -> connecting 只能通过 Reconnect。
// 与 Engine 一样不加锁，由 Board 的事件循环驱动。
type TransportSession struct {
	roomID      string
	transport   Transport
	persistence Persistence
	run         Runner
	log         *logrus.Entry

	ctx     context.Context
	handler TransportHandler

	self    domain.PresenceEntry
	status  domain.ConnectionStatus
	lastErr error

	roster  map[string]domain.PresenceEntry
	cursors map[string]domain.CursorPosition

	cursorThrottle *Throttle
	onWarning      func(error)
	onStatus       func(domain.ConnectionStatus)
}

// TransportSessionConfig 汇总 TransportSession 的依赖
type TransportSessionConfig struct {
	RoomID         string
	Self           domain.PresenceEntry
	Transport      Transport
	Persistence    Persistence
	Runner         Runner
	CursorThrottle *Throttle
	OnWarning      func(error)
	OnStatus       func(domain.ConnectionStatus)
	Logger         *logrus.Entry
}

// NewTransportSession 创建传输会话，初始状态为 disconnected，需要调用 Connect。
func NewTransportSession(cfg TransportSessionConfig) *TransportSession {
	if cfg.Transport == nil {
		panic("transport cannot be nil for TransportSession")
	}
	if cfg.Persistence == nil {
		panic("persistence cannot be nil for TransportSession")
	}
	if cfg.Runner == nil {
		cfg.Runner = RunInline
	}
	if cfg.CursorThrottle == nil {
		cfg.CursorThrottle = NewThrottle(DefaultThrottleInterval, time.Now)
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &TransportSession{
		roomID:         cfg.RoomID,
		transport:      cfg.Transport,
		persistence:    cfg.Persistence,
		run:            cfg.Runner,
		log:            cfg.Logger.WithFields(logrus.Fields{"component": "transport", "room_id": cfg.RoomID}),
		ctx:            context.Background(),
		self:           cfg.Self,
		status:         domain.StatusDisconnected,
		roster:         make(map[string]domain.PresenceEntry),
		cursors:        make(map[string]domain.CursorPosition),
		cursorThrottle: cfg.CursorThrottle,
		onWarning:      cfg.OnWarning,
		onStatus:       cfg.OnStatus,
	}
}

// Connect 打开订阅，进入 connecting。成功后等待传输层回报 connected。
func (t *TransportSession) Connect(ctx context.Context, handler TransportHandler) error {
	t.ctx = ctx
	t.handler = handler
	t.setStatus(domain.StatusConnecting, nil)
	if err := t.transport.Open(ctx, t.roomID, handler); err != nil {
		t.log.WithError(err).Warn("Failed to open transport")
		t.setStatus(domain.StatusDisconnected, err)
		return err
	}
	return nil
}

// Reconnect 仅在 disconnected 状态下有效，重试策略由调用方决定。
func (t *TransportSession) Reconnect() error {
	if t.status != domain.StatusDisconnected {
		return nil
	}
	if err := t.transport.Close(); err != nil {
		t.log.WithError(err).Debug("Error closing previous transport")
	}
	return t.Connect(t.ctx, t.handler)
}

// Close 关闭底层传输
func (t *TransportSession) Close() error {
	t.setStatus(domain.StatusDisconnected, nil)
	return t.transport.Close()
}

// HandleStatus 应用传输层回报的状态变化。进入 connected 时发布本地在线状态。
func (t *TransportSession) HandleStatus(status domain.ConnectionStatus, err error) {
	t.setStatus(status, err)
	if status == domain.StatusConnected {
		t.publishPresence()
	}
}

func (t *TransportSession) setStatus(status domain.ConnectionStatus, err error) {
	t.lastErr = err
	if t.status == status {
		return
	}
	t.log.WithFields(logrus.Fields{"from": t.status, "to": status}).Info("Connection status changed")
	t.status = status
	if status != domain.StatusConnected {
		// 断线后名单不再可信
		t.roster = make(map[string]domain.PresenceEntry)
	}
	if t.onStatus != nil {
		t.onStatus(status)
	}
}

// fail 处理传输层错误：转为 disconnected
func (t *TransportSession) fail(err error) {
	t.log.WithError(err).Warn("Transport fault")
	t.setStatus(domain.StatusDisconnected, err)
}

func (t *TransportSession) Status() domain.ConnectionStatus { return t.status }
func (t *TransportSession) LastError() error                { return t.lastErr }
func (t *TransportSession) Connected() bool                 { return t.status == domain.StatusConnected }
func (t *TransportSession) Self() domain.PresenceEntry      { return t.self }

// SetUsername 修改本地用户名，已连接时重新发布
func (t *TransportSession) SetUsername(name string) {
	if t.self.Username == name {
		return
	}
	t.self.Username = name
	if t.Connected() {
		t.publishPresence()
	}
}

// SetCursorColor 修改本地光标颜色，已连接时重新发布
func (t *TransportSession) SetCursorColor(color string) {
	if t.self.CursorColor == color {
		return
	}
	t.self.CursorColor = color
	if t.Connected() {
		t.publishPresence()
	}
}

func (t *TransportSession) publishPresence() {
	if t.self.JoinedAt.IsZero() {
		t.self.JoinedAt = time.Now()
	}
	if err := t.transport.TrackPresence(t.ctx, t.self); err != nil {
		t.fail(err)
	}
}

// HandlePresenceSync 用权威快照重建名单，并给已知光标回填颜色
func (t *TransportSession) HandlePresenceSync(entries []domain.PresenceEntry) {
	t.roster = make(map[string]domain.PresenceEntry, len(entries))
	for _, e := range entries {
		t.roster[e.UserID] = e
	}
	for id, c := range t.cursors {
		if e, ok := t.roster[id]; ok && e.CursorColor != "" {
			c.Color = e.CursorColor
			t.cursors[id] = c
		}
	}
}

// HandlePresenceJoin 新成员加入
func (t *TransportSession) HandlePresenceJoin(entry domain.PresenceEntry) {
	t.roster[entry.UserID] = entry
	if c, ok := t.cursors[entry.UserID]; ok && entry.CursorColor != "" {
		c.Color = entry.CursorColor
		t.cursors[entry.UserID] = c
	}
}

// HandlePresenceLeave 成员离开，同时移除其光标
func (t *TransportSession) HandlePresenceLeave(entry domain.PresenceEntry) {
	delete(t.roster, entry.UserID)
	delete(t.cursors, entry.UserID)
}

// HandleCursor 记录远端光标，按 userId 后写覆盖
func (t *TransportSession) HandleCursor(c domain.CursorPosition) {
	if c.UserID == "" || c.UserID == t.self.UserID {
		return
	}
	if c.Color == "" {
		if e, ok := t.roster[c.UserID]; ok {
			c.Color = e.CursorColor
		}
	}
	if c.Username == "" {
		if e, ok := t.roster[c.UserID]; ok {
			c.Username = e.Username
		}
	}
	t.cursors[c.UserID] = c
}

// OnlineUsers 返回名单人数
func (t *TransportSession) OnlineUsers() int { return len(t.roster) }

// Roster 按加入时间返回名单
func (t *TransportSession) Roster() []domain.PresenceEntry {
	out := make([]domain.PresenceEntry, 0, len(t.roster))
	for _, e := range t.roster {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Cursors 按 userId 排序返回远端光标
func (t *TransportSession) Cursors() []domain.CursorPosition {
	out := make([]domain.CursorPosition, 0, len(t.cursors))
	for _, c := range t.cursors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// SendCursorPosition 节流发送本地光标；未连接或处于节流窗口内时不发送
func (t *TransportSession) SendCursorPosition(p domain.Point) bool {
	if !t.Connected() || !t.cursorThrottle.Allow() {
		return false
	}
	return t.publish(domain.EventCursor, domain.CursorPosition{
		X:        p.X,
		Y:        p.Y,
		UserID:   t.self.UserID,
		Username: t.self.Username,
		Color:    t.self.CursorColor,
	}) == nil
}

// SendPartialStroke 发送进行中笔画快照。超限的快照直接跳过，完成笔画仍会照常发送。
func (t *TransportSession) SendPartialStroke(ps domain.PartialStroke) bool {
	if !t.Connected() {
		return false
	}
	err := t.publish(domain.EventPartialStroke, ps)
	if errors.Is(err, domain.ErrEventTooLarge) {
		t.log.WithFields(logrus.Fields{"stroke_id": ps.StrokeID, "points": len(ps.Points)}).Debug("Skipping oversized partial stroke")
	}
	return err == nil
}

// SendCompleteStroke 广播完成笔画并异步追加到持久化。
// 广播失败不影响持久化：笔画已经在本地提交。
// 宽限期内笔画可能在未连接时完成，此时既不广播也不持久化，只发出警告。
func (t *TransportSession) SendCompleteStroke(s domain.Stroke) bool {
	if !t.Connected() {
		t.warn(&BroadcastError{Kind: domain.EventStroke, RoomID: t.roomID, StrokeID: s.ID, Err: ErrNotConnected})
		return false
	}
	err := t.publish(domain.EventStroke, s)
	if errors.Is(err, domain.ErrEventTooLarge) {
		t.warn(&BroadcastError{Kind: domain.EventStroke, RoomID: t.roomID, StrokeID: s.ID, Err: err})
	}
	sent := err == nil
	ctx := t.ctx
	t.run(func() error {
		return t.persistence.AppendStroke(ctx, s, t.roomID)
	}, func(err error) {
		if err != nil {
			t.warn(&PersistenceError{Op: OpAppend, RoomID: t.roomID, Err: err})
		}
	})
	return sent
}

// SendClearCanvas 广播清空并异步删除房间的持久化笔画。两者互相独立完成。
func (t *TransportSession) SendClearCanvas() bool {
	if !t.Connected() {
		return false
	}
	sent := t.publish(domain.EventClear, domain.ClearPayload{
		UserID:    t.self.UserID,
		Timestamp: time.Now().UnixMilli(),
	}) == nil
	ctx := t.ctx
	t.run(func() error {
		return t.persistence.ClearRoom(ctx, t.roomID)
	}, func(err error) {
		if err != nil {
			t.warn(&PersistenceError{Op: OpClear, RoomID: t.roomID, Err: err})
		}
	})
	return sent
}

// publish 发布一条消息。超限的消息只丢弃本条，其它发布失败视为传输故障。
func (t *TransportSession) publish(kind domain.EventKind, payload interface{}) error {
	ev, err := domain.NewEvent(kind, t.roomID, payload)
	if err != nil {
		t.log.WithError(err).Error("Failed to build event")
		return err
	}
	ev.SenderID = t.self.UserID
	if err := t.transport.Publish(t.ctx, ev); err != nil {
		if !errors.Is(err, domain.ErrEventTooLarge) {
			t.fail(err)
		}
		return err
	}
	return nil
}

func (t *TransportSession) warn(err error) {
	t.log.WithError(err).Warn("Non-fatal session fault")
	if t.onWarning != nil {
		t.onWarning(err)
	}
}
