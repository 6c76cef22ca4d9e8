package canvas

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collaborative-canvas/internal/domain"
)

type sessionRecorder struct {
	partials  []domain.PartialStroke
	completes []domain.Stroke
}

func newTestSession() (*LocalSession, *recordingSurface, *fakeClock, *sessionRecorder) {
	surface := &recordingSurface{}
	clock := newFakeClock()
	rec := &sessionRecorder{}
	s := NewLocalSession("alice", func() Surface { return surface }, NewThrottle(50*time.Millisecond, clock.Now), clock.Now, SessionHooks{
		OnPartial:  func(ps domain.PartialStroke) { rec.partials = append(rec.partials, ps) },
		OnComplete: func(st domain.Stroke) { rec.completes = append(rec.completes, st) },
	})
	return s, surface, clock, rec
}

func TestLocalSession_BeginStroke(t *testing.T) {
	s, _, clock, _ := newTestSession()

	require.True(t, s.BeginStroke(domain.Point{X: 1, Y: 1}))

	assert.Equal(t, StateDrawing, s.State())
	assert.Equal(t, "alice-"+strconv.FormatInt(clock.Now().UnixMilli(), 10), s.StrokeID())
	assert.False(t, s.BeginStroke(domain.Point{X: 2, Y: 2}), "绘图中不能开始第二个笔画")
}

func TestLocalSession_StrokeIDsUnique(t *testing.T) {
	s, _, _, _ := newTestSession()

	s.BeginStroke(domain.Point{})
	first := s.StrokeID()
	s.Abort()
	s.BeginStroke(domain.Point{})

	assert.NotEqual(t, first, s.StrokeID(), "同一毫秒内开始的笔画也必须有不同的 ID")
}

func TestLocalSession_ThreePointStroke(t *testing.T) {
	s, surface, clock, rec := newTestSession()
	s.SetBrush(Brush{Color: "#FF0000", Size: 5, LineCap: domain.LineCapRound})

	s.BeginStroke(domain.Point{X: 0, Y: 0})
	s.ExtendStroke(domain.Point{X: 10, Y: 0})
	clock.Advance(10 * time.Millisecond)
	s.ExtendStroke(domain.Point{X: 10, Y: 10})
	stroke, ok := s.EndStroke()

	require.True(t, ok)
	require.Len(t, rec.completes, 1, "应恰好发出一个完成笔画")
	assert.Equal(t, stroke, rec.completes[0])
	assert.Equal(t, pts(0, 0, 10, 0, 10, 10), stroke.Points)
	assert.Equal(t, "#FF0000", stroke.BrushColor)
	assert.Equal(t, 5.0, stroke.BrushSize)
	assert.Equal(t, "alice", stroke.UserID)
	assert.Equal(t, StateIdle, s.State())

	// 每次延伸只在本地绘制新增线段
	ops := surface.Ops()
	require.Len(t, ops, 2)
	assert.Equal(t, pts(0, 0, 10, 0), ops[0].points)
	assert.Equal(t, pts(10, 0, 10, 10), ops[1].points)
}

func TestLocalSession_PartialsAreThrottledFullSnapshots(t *testing.T) {
	s, _, clock, rec := newTestSession()

	s.BeginStroke(domain.Point{X: 0, Y: 0})
	s.ExtendStroke(domain.Point{X: 1, Y: 0})
	s.ExtendStroke(domain.Point{X: 2, Y: 0}) // 窗口内，丢弃
	clock.Advance(60 * time.Millisecond)
	s.ExtendStroke(domain.Point{X: 3, Y: 0})

	require.Len(t, rec.partials, 2)
	assert.Equal(t, 0, rec.partials[0].Sequence)
	assert.Equal(t, pts(0, 0, 1, 0), rec.partials[0].Points)
	assert.Equal(t, 1, rec.partials[1].Sequence)
	assert.Equal(t, pts(0, 0, 1, 0, 2, 0, 3, 0), rec.partials[1].Points, "快照携带全量路径")
	assert.Equal(t, rec.partials[0].StrokeID, rec.partials[1].StrokeID)
}

func TestLocalSession_SnapshotsAreCopies(t *testing.T) {
	s, _, clock, rec := newTestSession()

	s.BeginStroke(domain.Point{X: 0, Y: 0})
	s.ExtendStroke(domain.Point{X: 1, Y: 0})
	clock.Advance(60 * time.Millisecond)
	s.ExtendStroke(domain.Point{X: 2, Y: 0})

	assert.Len(t, rec.partials[0].Points, 2, "后续延伸不应修改已发出的快照")
}

func TestLocalSession_SequenceResetsPerStroke(t *testing.T) {
	s, _, clock, rec := newTestSession()

	s.BeginStroke(domain.Point{})
	s.ExtendStroke(domain.Point{X: 1})
	s.EndStroke()
	clock.Advance(60 * time.Millisecond)
	s.BeginStroke(domain.Point{})
	s.ExtendStroke(domain.Point{X: 1})

	require.Len(t, rec.partials, 2)
	assert.Equal(t, 0, rec.partials[1].Sequence)
	assert.NotEqual(t, rec.partials[0].StrokeID, rec.partials[1].StrokeID)
}

func TestLocalSession_TapEmitsNothing(t *testing.T) {
	s, _, _, rec := newTestSession()

	s.BeginStroke(domain.Point{X: 4, Y: 4})
	_, ok := s.EndStroke()

	assert.False(t, ok)
	assert.Empty(t, rec.completes)
	assert.Equal(t, StateIdle, s.State())
}

func TestLocalSession_ExtendOutsideDrawingIgnored(t *testing.T) {
	s, surface, _, rec := newTestSession()

	assert.False(t, s.ExtendStroke(domain.Point{X: 1, Y: 1}))
	_, ok := s.EndStroke()

	assert.False(t, ok)
	assert.Empty(t, surface.Ops())
	assert.Empty(t, rec.partials)
}

func TestLocalSession_EraserUsesDestinationOut(t *testing.T) {
	s, surface, _, rec := newTestSession()
	s.SetBrush(Brush{Color: "#123456", Size: 20, Eraser: true})

	s.BeginStroke(domain.Point{})
	s.ExtendStroke(domain.Point{X: 5})

	require.Len(t, surface.Ops(), 1)
	assert.Equal(t, CompositeDestinationOut, surface.Ops()[0].mode)
	assert.True(t, rec.partials[0].IsEraser)
	assert.Equal(t, domain.LineCapRound, rec.partials[0].LineCap, "未指定端点时使用 round")
}

func TestLocalSession_AbortEmitsNothing(t *testing.T) {
	s, _, _, rec := newTestSession()
	s.BeginStroke(domain.Point{})
	s.ExtendStroke(domain.Point{X: 1})

	assert.True(t, s.Abort())

	assert.Equal(t, StateIdle, s.State())
	assert.Empty(t, rec.completes)
	assert.False(t, s.Abort())
}
