package canvas

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"collaborative-canvas/internal/domain"
)

// fakeClock 是可手动推进的时钟
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// paintOp 记录一次表面操作
type paintOp struct {
	clear  bool
	points []domain.Point
	style  Style
	mode   CompositeMode
}

// recordingSurface 记录所有绘制调用，不产生像素
type recordingSurface struct {
	mu  sync.Mutex
	ops []paintOp
}

func (s *recordingSurface) Clear() {
	s.mu.Lock()
	s.ops = append(s.ops, paintOp{clear: true})
	s.mu.Unlock()
}

func (s *recordingSurface) PaintPath(points []domain.Point, style Style, mode CompositeMode) {
	s.mu.Lock()
	s.ops = append(s.ops, paintOp{points: copyPoints(points), style: style, mode: mode})
	s.mu.Unlock()
}

func (s *recordingSurface) ToImage() ([]byte, error) { return []byte("png"), nil }

func (s *recordingSurface) Ops() []paintOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]paintOp, len(s.ops))
	copy(out, s.ops)
	return out
}

// Paints 返回最后一次 Clear 之后的绘制操作
func (s *recordingSurface) Paints() []paintOp {
	ops := s.Ops()
	for i := len(ops) - 1; i >= 0; i-- {
		if ops[i].clear {
			return ops[i+1:]
		}
	}
	return ops
}

// fakeTransport 记录发布的消息和在线状态
type fakeTransport struct {
	mu         sync.Mutex
	handler    TransportHandler
	opened     int
	closed     int
	openErr    error
	publishErr error
	published  []domain.Event
	tracked    []domain.PresenceEntry
}

func (f *fakeTransport) Open(_ context.Context, _ string, handler TransportHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	if f.openErr != nil {
		return f.openErr
	}
	f.handler = handler
	return nil
}

func (f *fakeTransport) Publish(_ context.Context, ev domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, ev)
	return nil
}

func (f *fakeTransport) TrackPresence(_ context.Context, entry domain.PresenceEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.tracked = append(f.tracked, entry)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) Handler() TransportHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler
}

func (f *fakeTransport) Published(kind domain.EventKind) []domain.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Event
	for _, ev := range f.published {
		if ev.Type == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fakeTransport) Tracked() []domain.PresenceEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.PresenceEntry, len(f.tracked))
	copy(out, f.tracked)
	return out
}

func (f *fakeTransport) SetPublishErr(err error) {
	f.mu.Lock()
	f.publishErr = err
	f.mu.Unlock()
}

// mockPersistence 是 Persistence 的 testify mock
type mockPersistence struct {
	mock.Mock
}

func (m *mockPersistence) AppendStroke(ctx context.Context, stroke domain.Stroke, roomID string) error {
	args := m.Called(ctx, stroke, roomID)
	return args.Error(0)
}

func (m *mockPersistence) ListStrokes(ctx context.Context, roomID string) ([]domain.Stroke, error) {
	args := m.Called(ctx, roomID)
	var strokes []domain.Stroke
	if v := args.Get(0); v != nil {
		strokes = v.([]domain.Stroke)
	}
	return strokes, args.Error(1)
}

func (m *mockPersistence) ClearRoom(ctx context.Context, roomID string) error {
	args := m.Called(ctx, roomID)
	return args.Error(0)
}

var errBoom = errors.New("boom")

func pts(xy ...float64) []domain.Point {
	out := make([]domain.Point, 0, len(xy)/2)
	for i := 0; i+1 < len(xy); i += 2 {
		out = append(out, domain.Point{X: xy[i], Y: xy[i+1]})
	}
	return out
}

func remotePartial(id string, seq int, points []domain.Point) domain.PartialStroke {
	return domain.PartialStroke{
		StrokeID:   id,
		Points:     points,
		BrushColor: "#00FF00",
		BrushSize:  3,
		LineCap:    domain.LineCapRound,
		UserID:     "remote",
		Sequence:   seq,
	}
}

func remoteStroke(id string, points []domain.Point) domain.Stroke {
	return domain.Stroke{
		ID:         id,
		Points:     points,
		BrushColor: "#00FF00",
		BrushSize:  3,
		LineCap:    domain.LineCapRound,
		UserID:     "remote",
	}
}
