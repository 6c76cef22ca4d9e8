package canvas

import (
	"fmt"
	"time"

	"collaborative-canvas/internal/domain"
)

// SessionState 是本地笔画会话的状态
type SessionState int

const (
	StateIdle SessionState = iota
	StateDrawing
)

func (s SessionState) String() string {
	if s == StateDrawing {
		return "drawing"
	}
	return "idle"
}

// Brush 是本地用户当前的笔刷设置
type Brush struct {
	Color   string
	Size    float64
	LineCap domain.LineCap
	Eraser  bool
}

// DefaultBrush 黑色 5px 圆头画笔
var DefaultBrush = Brush{Color: "#000000", Size: 5, LineCap: domain.LineCapRound}

// SessionHooks 是本地会话向外发出的事件
type SessionHooks struct {
	OnPartial  func(domain.PartialStroke)
	OnComplete func(domain.Stroke)
}

// LocalSession 把指针输入转换为笔画：idle -> drawing -> idle。
// 任一时刻最多持有一个活动笔画 ID。
type LocalSession struct {
	userID   string
	brush    Brush
	surface  func() Surface
	throttle *Throttle
	now      Clock
	hooks    SessionHooks

	state     SessionState
	strokeID  string
	sequence  int
	points    []domain.Point
	lastStart int64 // 上一个笔画 ID 使用的毫秒时间戳，保证同一会话内 ID 唯一
}

// NewLocalSession 创建本地会话。surface 以函数形式传入，便于画布替换后仍指向当前表面。
func NewLocalSession(userID string, surface func() Surface, throttle *Throttle, now Clock, hooks SessionHooks) *LocalSession {
	if now == nil {
		now = time.Now
	}
	if throttle == nil {
		throttle = NewThrottle(DefaultThrottleInterval, now)
	}
	return &LocalSession{
		userID:   userID,
		brush:    DefaultBrush,
		surface:  surface,
		throttle: throttle,
		now:      now,
		hooks:    hooks,
	}
}

// SetBrush 修改笔刷，对下一条笔画生效
func (s *LocalSession) SetBrush(b Brush) {
	if b.LineCap == "" {
		b.LineCap = domain.LineCapRound
	}
	s.brush = b
}

func (s *LocalSession) Brush() Brush        { return s.brush }
func (s *LocalSession) State() SessionState { return s.state }
func (s *LocalSession) StrokeID() string    { return s.strokeID }

// BeginStroke 仅在 idle 状态下有效：分配新的笔画 ID，序号归零，记录起点。
func (s *LocalSession) BeginStroke(p domain.Point) bool {
	if s.state != StateIdle {
		return false
	}
	s.strokeID = s.nextStrokeID()
	s.sequence = 0
	s.points = append(s.points[:0], p)
	s.state = StateDrawing
	return true
}

func (s *LocalSession) nextStrokeID() string {
	start := s.now().UnixMilli()
	if start <= s.lastStart {
		start = s.lastStart + 1
	}
	s.lastStart = start
	return fmt.Sprintf("%s-%d", s.userID, start)
}

// ExtendStroke 追加一个点，立即在本地表面绘制新增线段，并尝试发出节流快照。
func (s *LocalSession) ExtendStroke(p domain.Point) bool {
	if s.state != StateDrawing {
		return false
	}
	prev := s.points[len(s.points)-1]
	s.points = append(s.points, p)

	if surface := s.currentSurface(); surface != nil {
		surface.PaintPath([]domain.Point{prev, p}, s.style(), ModeFor(s.brush.Eraser))
	}

	// 限速丢弃：窗口内的调用直接跳过，下一次放行的快照仍携带全量路径
	if s.throttle.Allow() {
		ps := s.snapshot()
		s.sequence++
		if s.hooks.OnPartial != nil {
			s.hooks.OnPartial(ps)
		}
	}
	return true
}

// EndStroke 结束笔画：点数 >= 2 时发出完成笔画；无论如何都回到 idle。
func (s *LocalSession) EndStroke() (domain.Stroke, bool) {
	if s.state != StateDrawing {
		return domain.Stroke{}, false
	}
	defer s.reset()
	if len(s.points) < 2 {
		return domain.Stroke{}, false
	}
	stroke := domain.Stroke{
		ID:         s.strokeID,
		Points:     copyPoints(s.points),
		BrushColor: s.brush.Color,
		BrushSize:  s.brush.Size,
		LineCap:    s.brush.LineCap,
		UserID:     s.userID,
		IsEraser:   s.brush.Eraser,
	}
	if s.hooks.OnComplete != nil {
		s.hooks.OnComplete(stroke)
	}
	return stroke, true
}

// Abort 放弃进行中的笔画，不发出任何事件
func (s *LocalSession) Abort() bool {
	if s.state != StateDrawing {
		return false
	}
	s.reset()
	return true
}

// Repaint 在整体重绘之后把进行中的本地路径重新画回表面
func (s *LocalSession) Repaint(surface Surface) {
	if s.state != StateDrawing || len(s.points) == 0 || surface == nil {
		return
	}
	surface.PaintPath(s.points, s.style(), ModeFor(s.brush.Eraser))
}

func (s *LocalSession) reset() {
	s.points = s.points[:0]
	s.strokeID = ""
	s.sequence = 0
	s.state = StateIdle
}

func (s *LocalSession) snapshot() domain.PartialStroke {
	return domain.PartialStroke{
		StrokeID:   s.strokeID,
		Points:     copyPoints(s.points),
		BrushColor: s.brush.Color,
		BrushSize:  s.brush.Size,
		LineCap:    s.brush.LineCap,
		UserID:     s.userID,
		IsEraser:   s.brush.Eraser,
		Timestamp:  s.now().UnixMilli(),
		Sequence:   s.sequence,
	}
}

func (s *LocalSession) style() Style {
	return Style{Color: s.brush.Color, Width: s.brush.Size, LineCap: s.brush.LineCap}
}

func (s *LocalSession) currentSurface() Surface {
	if s.surface == nil {
		return nil
	}
	return s.surface()
}

func copyPoints(points []domain.Point) []domain.Point {
	out := make([]domain.Point, len(points))
	copy(out, points)
	return out
}
