package canvas

import (
	"time"

	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/domain"
)

// DefaultMinLoadingDisplay 是加载提示的最短显示时间
const DefaultMinLoadingDisplay = 500 * time.Millisecond

// maxDeferredEvents 限制历史加载期间缓存的实时消息数量
const maxDeferredEvents = 1000

// HistoryLoader 在加入房间时拉取已持久化的笔画并初始化 Engine。
// 历史应用之前到达的实时消息先缓存，历史应用之后按原顺序重放。
type HistoryLoader struct {
	engine     *Engine
	now        Clock
	minDisplay time.Duration
	log        *logrus.Entry

	startedAt  time.Time
	generation uint64
	pending    bool
	fetched    bool
	loaded     int
	connected  bool
	finished   bool

	deferred []domain.Event
}

func NewHistoryLoader(engine *Engine, minDisplay time.Duration, now Clock, log *logrus.Entry) *HistoryLoader {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &HistoryLoader{
		engine:     engine,
		now:        now,
		minDisplay: minDisplay,
		log:        log.WithField("component", "history"),
	}
}

// Begin 标记一次拉取开始，返回当时的清空代数
func (h *HistoryLoader) Begin() uint64 {
	h.startedAt = h.now()
	h.generation = h.engine.Generation()
	h.pending = true
	return h.generation
}

// Complete 应用拉取结果。如果拉取期间发生过清空，结果被丢弃，
// 否则已清空的笔画会被重新加载出来。返回需要重放的缓存消息。
func (h *HistoryLoader) Complete(strokes []domain.Stroke, err error, generation uint64) []domain.Event {
	h.pending = false
	h.fetched = true
	switch {
	case err != nil:
		h.log.WithError(err).Warn("Failed to load history")
	case generation != h.engine.Generation():
		h.log.WithFields(logrus.Fields{
			"requested_generation": generation,
			"current_generation":   h.engine.Generation(),
		}).Info("Discarding history loaded across a clear")
	default:
		h.loaded = h.engine.Seed(strokes)
	}
	h.evaluate()

	replay := h.deferred
	h.deferred = nil
	return replay
}

// SetConnected 记录连接状态，可能因此结束加载
func (h *HistoryLoader) SetConnected(connected bool) {
	h.connected = connected
	h.evaluate()
}

// 已加载至少一条笔画，或已连接且确实没有笔画
func (h *HistoryLoader) evaluate() {
	if h.finished || !h.fetched {
		return
	}
	if h.loaded > 0 || h.connected {
		h.finished = true
		h.log.WithField("strokes", h.loaded).Info("History loading finished")
	}
}

// Finished 判断加载条件是否满足（不含最短显示时间）
func (h *HistoryLoader) Finished() bool { return h.finished }

// Loading 判断加载提示是否仍在显示，此时禁止绘图
func (h *HistoryLoader) Loading(now time.Time) bool {
	if !h.finished {
		return true
	}
	return now.Before(h.startedAt.Add(h.minDisplay))
}

// Defer 在历史尚未应用时缓存实时消息。返回 false 表示调用方应立即处理。
func (h *HistoryLoader) Defer(ev domain.Event) bool {
	if !h.pending || len(h.deferred) >= maxDeferredEvents {
		return false
	}
	h.deferred = append(h.deferred, ev)
	return true
}

// DropDeferred 丢弃缓存的消息；清空发生时它们都已过时
func (h *HistoryLoader) DropDeferred() {
	if len(h.deferred) > 0 {
		h.log.WithField("dropped", len(h.deferred)).Debug("Dropping events buffered before clear")
	}
	h.deferred = nil
}
