package canvas

import (
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultGraceWindow 是本地清空之后允许继续绘图的时长
const DefaultGraceWindow = 1500 * time.Millisecond

// ClearOrigin 标识清空来自本地还是远端
type ClearOrigin int

const (
	ClearLocal ClearOrigin = iota
	ClearRemote
)

// ClearCoordinator 编排分布式清空：本地乐观清空、宽限期、广播和持久化删除。
// 关心清空的组件通过 Subscribe 注册，而不是依赖全局回调。
type ClearCoordinator struct {
	engine  *Engine
	session *TransportSession
	now     Clock
	grace   time.Duration
	log     *logrus.Entry

	graceUntil time.Time
	observers  map[int]func(ClearOrigin)
	nextID     int
}

func NewClearCoordinator(engine *Engine, session *TransportSession, grace time.Duration, now Clock, log *logrus.Entry) *ClearCoordinator {
	if engine == nil || session == nil {
		panic("engine and session cannot be nil for ClearCoordinator")
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ClearCoordinator{
		engine:    engine,
		session:   session,
		now:       now,
		grace:     grace,
		log:       log.WithField("component", "clear"),
		observers: make(map[int]func(ClearOrigin)),
	}
}

// Subscribe 注册清空观察者，返回取消函数
func (c *ClearCoordinator) Subscribe(fn func(ClearOrigin)) func() {
	id := c.nextID
	c.nextID++
	c.observers[id] = fn
	return func() { delete(c.observers, id) }
}

// ClearCanvas 仅在已连接时有效。
// 顺序：本地清空（含去重簿记） -> 通知观察者 -> 开启宽限期 -> 广播 + 持久化删除。
// 广播与删除各自完成，删除失败不回滚前面的步骤，只作为警告上报。
func (c *ClearCoordinator) ClearCanvas() bool {
	if !c.session.Connected() {
		c.log.Debug("Ignoring clear while not connected")
		return false
	}
	c.apply(ClearLocal)
	c.graceUntil = c.now().Add(c.grace)
	c.session.SendClearCanvas()
	return true
}

// HandleRemoteClear 应用其他成员发出的清空
func (c *ClearCoordinator) HandleRemoteClear() {
	c.apply(ClearRemote)
}

func (c *ClearCoordinator) apply(origin ClearOrigin) {
	c.engine.OnClear()
	for _, fn := range c.observers {
		fn(origin)
	}
}

// GraceActive 判断是否处于本地清空后的宽限期
func (c *ClearCoordinator) GraceActive() bool {
	return c.now().Before(c.graceUntil)
}
