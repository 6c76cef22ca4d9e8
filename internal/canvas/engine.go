package canvas

import (
	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/domain"
)

// DefaultPartialRetention 是去重簿记中保留的进行中笔画 ID 数量上限
const DefaultPartialRetention = 100

// tombstoneFactor 决定清空时保留多少个被清除的笔画 ID (retention 的倍数)
const tombstoneFactor = 10

// EngineStats 统计引擎接受/丢弃的远端消息数量
type EngineStats struct {
	PartialsAccepted int
	PartialsDropped  int
	PartialsEvicted  int
	StrokesAccepted  int
	StrokesDropped   int
	Clears           int
}

// Engine 是远端状态协调引擎。
// completed 只追加（清空除外）；partials 保存每个进行中笔画最新接受的快照。
// Engine 不加锁，调用方必须在同一个逻辑线程上驱动它（见 Board）。
type Engine struct {
	localUserID string
	surface     Surface
	log         *logrus.Entry

	completed    []domain.Stroke
	completedIDs map[string]struct{}

	partials   map[string]domain.PartialStroke
	highestSeq map[string]int
	arrival    []string // 进行中笔画 ID 的到达顺序，FIFO 淘汰
	retention  int

	// 清空前已知的笔画 ID：清空之后迟到的快照或重复的完成消息都不能让它们复活
	tombstones map[string]struct{}
	tombOrder  []string

	generation uint64 // 每次清空加一
	stats      EngineStats

	overlay func(Surface) // 重绘后叠加本地进行中的笔画
}

// NewEngine 创建协调引擎。retention <= 0 时使用 DefaultPartialRetention。
func NewEngine(localUserID string, surface Surface, retention int, log *logrus.Entry) *Engine {
	if surface == nil {
		panic("surface cannot be nil for Engine")
	}
	if retention <= 0 {
		retention = DefaultPartialRetention
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		localUserID:  localUserID,
		surface:      surface,
		log:          log.WithField("component", "engine"),
		completedIDs: make(map[string]struct{}),
		partials:     make(map[string]domain.PartialStroke),
		highestSeq:   make(map[string]int),
		tombstones:   make(map[string]struct{}),
		retention:    retention,
	}
}

// OnPartialStroke 处理远端快照。返回 true 表示被接受并已绘制。
func (e *Engine) OnPartialStroke(ps domain.PartialStroke) bool {
	logCtx := e.log.WithFields(logrus.Fields{"stroke_id": ps.StrokeID, "sequence": ps.Sequence})

	// 自己的笔画已在本地直接绘制
	if ps.UserID == e.localUserID {
		e.stats.PartialsDropped++
		return false
	}
	if err := ps.Validate(); err != nil {
		logCtx.WithError(err).Debug("Dropping malformed partial stroke")
		e.stats.PartialsDropped++
		return false
	}
	// 已完成的笔画是终态，迟到的快照一律忽略
	if _, done := e.completedIDs[ps.StrokeID]; done {
		logCtx.Debug("Dropping partial stroke for completed id")
		e.stats.PartialsDropped++
		return false
	}
	if e.cleared(ps.StrokeID) {
		logCtx.Debug("Dropping partial stroke sent before clear")
		e.stats.PartialsDropped++
		return false
	}
	last, seen := e.highestSeq[ps.StrokeID]
	if seen && ps.Sequence <= last {
		logCtx.WithField("highest_seen", last).Debug("Dropping stale partial stroke")
		e.stats.PartialsDropped++
		return false
	}

	if !seen {
		e.arrival = append(e.arrival, ps.StrokeID)
		e.evictOverflow()
	}
	e.highestSeq[ps.StrokeID] = ps.Sequence
	e.partials[ps.StrokeID] = ps
	e.stats.PartialsAccepted++

	// 快照是全量路径，直接重画整条路径即可
	PaintPartial(e.surface, ps)
	return true
}

// evictOverflow 按到达顺序淘汰最早的进行中笔画簿记
func (e *Engine) evictOverflow() {
	evictedVisible := false
	for len(e.arrival) > e.retention {
		oldest := e.arrival[0]
		e.arrival = e.arrival[1:]
		if _, ok := e.partials[oldest]; ok {
			evictedVisible = true
		}
		delete(e.partials, oldest)
		delete(e.highestSeq, oldest)
		e.stats.PartialsEvicted++
		e.log.WithField("stroke_id", oldest).Debug("Evicted partial stroke bookkeeping")
	}
	if evictedVisible {
		e.Redraw()
	}
}

// OnCompleteStroke 处理远端完成笔画。重复的 ID 不会重复追加。
func (e *Engine) OnCompleteStroke(s domain.Stroke) bool {
	if !e.commit(s) {
		return false
	}
	PaintStroke(e.surface, s)
	return true
}

// CommitLocal 记录本地刚完成的笔画。本地已经增量绘制过，这里不再绘制。
func (e *Engine) CommitLocal(s domain.Stroke) bool {
	return e.commit(s)
}

func (e *Engine) commit(s domain.Stroke) bool {
	logCtx := e.log.WithField("stroke_id", s.ID)
	if err := s.Validate(); err != nil {
		logCtx.WithError(err).Debug("Dropping malformed stroke")
		e.stats.StrokesDropped++
		return false
	}
	if e.cleared(s.ID) {
		logCtx.Debug("Dropping stroke cleared earlier")
		e.stats.StrokesDropped++
		return false
	}
	if _, done := e.completedIDs[s.ID]; done {
		logCtx.Debug("Dropping duplicate stroke")
		e.stats.StrokesDropped++
		return false
	}
	e.completed = append(e.completed, s)
	e.completedIDs[s.ID] = struct{}{}
	e.forgetPartial(s.ID)
	e.stats.StrokesAccepted++
	return true
}

func (e *Engine) forgetPartial(id string) {
	if _, ok := e.highestSeq[id]; !ok {
		return
	}
	delete(e.partials, id)
	delete(e.highestSeq, id)
	for i, sid := range e.arrival {
		if sid == id {
			e.arrival = append(e.arrival[:i], e.arrival[i+1:]...)
			break
		}
	}
}

// OnClear 清空全部状态并清空画布。在单线程模型下它在两次事件之间原子完成。
func (e *Engine) OnClear() {
	for _, s := range e.completed {
		e.bury(s.ID)
	}
	for _, id := range e.arrival {
		e.bury(id)
	}

	e.completed = nil
	e.completedIDs = make(map[string]struct{})
	e.partials = make(map[string]domain.PartialStroke)
	e.highestSeq = make(map[string]int)
	e.arrival = nil
	e.generation++
	e.stats.Clears++
	e.surface.Clear()
	e.log.WithField("generation", e.generation).Info("Canvas cleared")
}

func (e *Engine) bury(id string) {
	if _, ok := e.tombstones[id]; ok {
		return
	}
	e.tombstones[id] = struct{}{}
	e.tombOrder = append(e.tombOrder, id)
	for len(e.tombOrder) > e.retention*tombstoneFactor {
		delete(e.tombstones, e.tombOrder[0])
		e.tombOrder = e.tombOrder[1:]
	}
}

func (e *Engine) cleared(id string) bool {
	_, ok := e.tombstones[id]
	return ok
}

// Seed 用历史笔画初始化 completed，然后整体重绘。已存在的 ID 会被跳过。
func (e *Engine) Seed(strokes []domain.Stroke) int {
	added := 0
	for _, s := range strokes {
		if e.commit(s) {
			added++
		}
	}
	e.Redraw()
	e.log.WithFields(logrus.Fields{"loaded": len(strokes), "added": added}).Info("Seeded history")
	return added
}

// Redraw 整体重绘：先按顺序画所有完成笔画，再按到达顺序画进行中的快照。
func (e *Engine) Redraw() {
	e.surface.Clear()
	for _, s := range e.completed {
		PaintStroke(e.surface, s)
	}
	for _, id := range e.arrival {
		if ps, ok := e.partials[id]; ok {
			PaintPartial(e.surface, ps)
		}
	}
	if e.overlay != nil {
		e.overlay(e.surface)
	}
}

// SetOverlay 注册重绘完成后的叠加绘制
func (e *Engine) SetOverlay(fn func(Surface)) { e.overlay = fn }

// SetSurface 替换绘图表面（例如窗口尺寸变化）并整体重绘
func (e *Engine) SetSurface(surface Surface) {
	if surface == nil {
		return
	}
	e.surface = surface
	e.Redraw()
}

// Surface 返回当前绘图表面
func (e *Engine) Surface() Surface { return e.surface }

// Generation 返回清空计数，用于识别跨越异步调用的清空
func (e *Engine) Generation() uint64 { return e.generation }

// CompletedStrokes 返回完成笔画的副本（按提交顺序）
func (e *Engine) CompletedStrokes() []domain.Stroke {
	out := make([]domain.Stroke, len(e.completed))
	copy(out, e.completed)
	return out
}

// ActivePartials 按到达顺序返回当前进行中的快照
func (e *Engine) ActivePartials() []domain.PartialStroke {
	out := make([]domain.PartialStroke, 0, len(e.partials))
	for _, id := range e.arrival {
		if ps, ok := e.partials[id]; ok {
			out = append(out, ps)
		}
	}
	return out
}

// IsCompleted 判断某个笔画 ID 是否已是终态
func (e *Engine) IsCompleted(id string) bool {
	_, ok := e.completedIDs[id]
	return ok
}

func (e *Engine) Stats() EngineStats { return e.stats }
