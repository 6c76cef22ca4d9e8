package canvas

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/domain"
)

const defaultWarningBuffer = 16

var ErrBoardStopped = errors.New("board is not running")

// Options 配置一个房间画板
type Options struct {
	RoomID      string
	UserID      string
	Username    string
	CursorColor string

	PartialInterval   time.Duration // 0 表示默认 50ms，合法范围 10-200ms
	CursorInterval    time.Duration
	GraceWindow       time.Duration
	MinLoadingDisplay time.Duration
	PartialRetention  int

	Clock         Clock
	Logger        *logrus.Entry
	WarningBuffer int
}

func (o Options) withDefaults() (Options, error) {
	if o.RoomID == "" {
		return o, errors.New("room id is required")
	}
	if o.UserID == "" {
		return o, errors.New("user id is required")
	}
	var err error
	if o.PartialInterval, err = ValidateInterval(o.PartialInterval); err != nil {
		return o, fmt.Errorf("partial interval: %w", err)
	}
	if o.CursorInterval, err = ValidateInterval(o.CursorInterval); err != nil {
		return o, fmt.Errorf("cursor interval: %w", err)
	}
	if o.GraceWindow <= 0 {
		o.GraceWindow = DefaultGraceWindow
	}
	if o.MinLoadingDisplay < 0 {
		o.MinLoadingDisplay = 0
	} else if o.MinLoadingDisplay == 0 {
		o.MinLoadingDisplay = DefaultMinLoadingDisplay
	}
	if o.PartialRetention <= 0 {
		o.PartialRetention = DefaultPartialRetention
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if o.WarningBuffer <= 0 {
		o.WarningBuffer = defaultWarningBuffer
	}
	return o, nil
}

// View 是画板当前对外可见的状态
type View struct {
	Status      domain.ConnectionStatus
	OnlineUsers int
	Roster      []domain.PresenceEntry
	Cursors     []domain.CursorPosition
	Loading     bool
	Drawing     bool
	GraceActive bool
	Strokes     int
	Partials    int
	Stats       EngineStats
}

// Board 把同步核心的各个组件放到同一个事件循环上。
// 指针输入、传输回调、持久化结果都投递到 ops，一次处理一个，组件内部因此无需加锁。
// 所有公开方法都可以在任意 goroutine 上调用。
type Board struct {
	opts Options
	log  *logrus.Entry

	engine    *Engine
	local     *LocalSession
	transport *TransportSession
	history   *HistoryLoader
	clears    *ClearCoordinator

	persistence Persistence

	ops      chan func()
	done     chan struct{}
	loaded   chan struct{}
	warnings chan error

	startOnce  sync.Once
	loadedOnce sync.Once
}

// NewBoard 组装画板。surface、transport、persistence 都不能为 nil。
func NewBoard(opts Options, surface Surface, transport Transport, persistence Persistence) (*Board, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	if surface == nil || transport == nil || persistence == nil {
		return nil, errors.New("surface, transport and persistence are required")
	}
	log := opts.Logger.WithFields(logrus.Fields{"room_id": opts.RoomID, "user_id": opts.UserID})

	b := &Board{
		opts:        opts,
		log:         log,
		persistence: persistence,
		ops:         make(chan func(), 256),
		done:        make(chan struct{}),
		loaded:      make(chan struct{}),
		warnings:    make(chan error, opts.WarningBuffer),
	}

	b.engine = NewEngine(opts.UserID, surface, opts.PartialRetention, log)
	b.transport = NewTransportSession(TransportSessionConfig{
		RoomID: opts.RoomID,
		Self: domain.PresenceEntry{
			UserID:      opts.UserID,
			Username:    opts.Username,
			CursorColor: opts.CursorColor,
		},
		Transport:      transport,
		Persistence:    persistence,
		Runner:         b.runAsync,
		CursorThrottle: NewThrottle(opts.CursorInterval, opts.Clock),
		OnWarning:      b.pushWarning,
		OnStatus:       b.onStatus,
		Logger:         log,
	})
	b.local = NewLocalSession(opts.UserID, b.engine.Surface, NewThrottle(opts.PartialInterval, opts.Clock), opts.Clock, SessionHooks{
		OnPartial: func(ps domain.PartialStroke) {
			b.transport.SendPartialStroke(ps)
		},
		OnComplete: func(s domain.Stroke) {
			b.engine.CommitLocal(s)
			b.transport.SendCompleteStroke(s)
		},
	})
	b.engine.SetOverlay(b.local.Repaint)
	b.history = NewHistoryLoader(b.engine, opts.MinLoadingDisplay, opts.Clock, log)
	b.clears = NewClearCoordinator(b.engine, b.transport, opts.GraceWindow, opts.Clock, log)
	b.clears.Subscribe(func(ClearOrigin) {
		// 清空会中止本地进行中的笔画，不发出完成消息
		if b.local.Abort() {
			b.log.Info("Local stroke aborted by clear")
		}
		b.history.DropDeferred()
	})
	return b, nil
}

// Run 启动事件循环：先发起历史拉取，再连接传输层，直到 ctx 结束。
func (b *Board) Run(ctx context.Context) error {
	started := false
	b.startOnce.Do(func() { started = true })
	if !started {
		return errors.New("board already running")
	}
	defer close(b.done)

	b.startHistory(ctx)
	if err := b.transport.Connect(ctx, b); err != nil {
		b.log.WithError(err).Warn("Initial connect failed; waiting for Reconnect")
	}

	for {
		select {
		case <-ctx.Done():
			if err := b.transport.Close(); err != nil {
				b.log.WithError(err).Debug("Error closing transport")
			}
			return ctx.Err()
		case op := <-b.ops:
			op()
			b.checkLoaded()
		}
	}
}

func (b *Board) startHistory(ctx context.Context) {
	gen := b.history.Begin()
	var strokes []domain.Stroke
	b.runAsync(func() error {
		var err error
		strokes, err = b.persistence.ListStrokes(ctx, b.opts.RoomID)
		return err
	}, func(err error) {
		if err != nil {
			b.pushWarning(&PersistenceError{Op: OpList, RoomID: b.opts.RoomID, Err: err})
		}
		for _, ev := range b.history.Complete(strokes, err, gen) {
			b.applyEvent(ev)
		}
	})
}

// runAsync 在独立 goroutine 上执行阻塞调用，结果回到事件循环
func (b *Board) runAsync(work func() error, done func(error)) {
	go func() {
		err := work()
		b.post(func() { done(err) })
	}()
}

// post 把操作投递到事件循环；循环已退出时丢弃
func (b *Board) post(op func()) bool {
	select {
	case b.ops <- op:
		return true
	case <-b.done:
		return false
	}
}

// query 在事件循环上执行 op 并等待它完成
func (b *Board) query(op func()) error {
	reply := make(chan struct{})
	if !b.post(func() { op(); close(reply) }) {
		return ErrBoardStopped
	}
	select {
	case <-reply:
		return nil
	case <-b.done:
		return ErrBoardStopped
	}
}

func (b *Board) checkLoaded() {
	if b.history.Finished() {
		b.loadedOnce.Do(func() { close(b.loaded) })
	}
}

// Loaded 在历史加载条件满足后关闭
func (b *Board) Loaded() <-chan struct{} { return b.loaded }

// Warnings 返回非致命故障：*PersistenceError 或 *BroadcastError
func (b *Board) Warnings() <-chan error { return b.warnings }

func (b *Board) pushWarning(err error) {
	select {
	case b.warnings <- err:
	default:
		b.log.WithError(err).Warn("Warning buffer full, dropping warning")
	}
}

func (b *Board) drawingEnabled() bool {
	if b.history.Loading(b.opts.Clock()) {
		return false
	}
	return b.transport.Connected() || b.clears.GraceActive()
}

func (b *Board) onStatus(status domain.ConnectionStatus) {
	b.history.SetConnected(status == domain.StatusConnected)
	if status == domain.StatusDisconnected && !b.clears.GraceActive() {
		if b.local.Abort() {
			b.log.Info("Local stroke aborted by disconnect")
		}
	}
}

// ---- 指针输入 ----

// PointerDown 光标总是转发；允许绘图时开始新笔画
func (b *Board) PointerDown(p domain.Point) {
	b.post(func() {
		b.transport.SendCursorPosition(p)
		if b.drawingEnabled() {
			b.local.BeginStroke(p)
		}
	})
}

// PointerMove 光标总是转发；绘图中则延伸笔画
func (b *Board) PointerMove(p domain.Point) {
	b.post(func() {
		b.transport.SendCursorPosition(p)
		if b.local.State() != StateDrawing {
			return
		}
		if !b.drawingEnabled() {
			b.local.Abort()
			return
		}
		b.local.ExtendStroke(p)
	})
}

// PointerUp 结束笔画；点数不足时不发出任何消息
func (b *Board) PointerUp() {
	b.post(func() {
		b.local.EndStroke()
	})
}

// Clear 清空画布，未连接时无效
func (b *Board) Clear() {
	b.post(func() {
		b.clears.ClearCanvas()
	})
}

// Reconnect 在断线后重新连接
func (b *Board) Reconnect() {
	b.post(func() {
		if err := b.transport.Reconnect(); err != nil {
			b.log.WithError(err).Warn("Reconnect failed")
		}
	})
}

func (b *Board) SetUsername(name string) {
	b.post(func() { b.transport.SetUsername(name) })
}

func (b *Board) SetCursorColor(color string) {
	b.post(func() { b.transport.SetCursorColor(color) })
}

func (b *Board) SetBrush(brush Brush) {
	b.post(func() { b.local.SetBrush(brush) })
}

// Resize 换上新的绘图表面并整体重绘
func (b *Board) Resize(surface Surface) {
	b.post(func() { b.engine.SetSurface(surface) })
}

// Snapshot 返回当前画布的图像
func (b *Board) Snapshot() ([]byte, error) {
	var (
		img []byte
		err error
	)
	if qerr := b.query(func() { img, err = b.engine.Surface().ToImage() }); qerr != nil {
		return nil, qerr
	}
	return img, err
}

// View 返回当前状态
func (b *Board) View() (View, error) {
	var v View
	err := b.query(func() {
		v = View{
			Status:      b.transport.Status(),
			OnlineUsers: b.transport.OnlineUsers(),
			Roster:      b.transport.Roster(),
			Cursors:     b.transport.Cursors(),
			Loading:     b.history.Loading(b.opts.Clock()),
			Drawing:     b.local.State() == StateDrawing,
			GraceActive: b.clears.GraceActive(),
			Strokes:     len(b.engine.CompletedStrokes()),
			Partials:    len(b.engine.ActivePartials()),
			Stats:       b.engine.Stats(),
		}
	})
	return v, err
}

// ---- TransportHandler ----

func (b *Board) HandleEvent(ev domain.Event) {
	b.post(func() {
		if ev.Type == domain.EventClear {
			b.clears.HandleRemoteClear()
			return
		}
		if b.history.Defer(ev) {
			return
		}
		b.applyEvent(ev)
	})
}

func (b *Board) HandlePresenceSync(entries []domain.PresenceEntry) {
	b.post(func() { b.transport.HandlePresenceSync(entries) })
}

func (b *Board) HandlePresenceJoin(entry domain.PresenceEntry) {
	b.post(func() { b.transport.HandlePresenceJoin(entry) })
}

func (b *Board) HandlePresenceLeave(entry domain.PresenceEntry) {
	b.post(func() { b.transport.HandlePresenceLeave(entry) })
}

func (b *Board) HandleStatus(status domain.ConnectionStatus, err error) {
	b.post(func() { b.transport.HandleStatus(status, err) })
}

// applyEvent 把房间消息分发给对应组件；格式错误的消息静默丢弃
func (b *Board) applyEvent(ev domain.Event) {
	logCtx := b.log.WithField("event_type", ev.Type)
	switch ev.Type {
	case domain.EventCursor:
		var c domain.CursorPosition
		if err := ev.Decode(&c); err != nil {
			logCtx.WithError(err).Debug("Dropping malformed cursor")
			return
		}
		b.transport.HandleCursor(c)
	case domain.EventPartialStroke:
		var ps domain.PartialStroke
		if err := ev.Decode(&ps); err != nil {
			logCtx.WithError(err).Debug("Dropping malformed partial stroke")
			return
		}
		b.engine.OnPartialStroke(ps)
	case domain.EventStroke:
		var s domain.Stroke
		if err := ev.Decode(&s); err != nil {
			logCtx.WithError(err).Debug("Dropping malformed stroke")
			return
		}
		b.engine.OnCompleteStroke(s)
	case domain.EventClear:
		b.clears.HandleRemoteClear()
	default:
		logCtx.Debug("Ignoring event")
	}
}
