package canvas

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"collaborative-canvas/internal/domain"
)

// roomBus 把多个 busTransport 连接成一个房间，发布的消息转发给其他成员
type roomBus struct {
	mu      sync.Mutex
	members []*busTransport
}

type busTransport struct {
	fakeTransport
	bus *roomBus
}

func (r *roomBus) join() *busTransport {
	t := &busTransport{bus: r}
	r.mu.Lock()
	r.members = append(r.members, t)
	r.mu.Unlock()
	return t
}

func (b *busTransport) Publish(ctx context.Context, ev domain.Event) error {
	if err := b.fakeTransport.Publish(ctx, ev); err != nil {
		return err
	}
	b.bus.mu.Lock()
	peers := append([]*busTransport(nil), b.bus.members...)
	b.bus.mu.Unlock()
	for _, p := range peers {
		if p == b {
			continue
		}
		if h := p.Handler(); h != nil {
			h.HandleEvent(ev)
		}
	}
	return nil
}

type boardFixture struct {
	board       *Board
	transport   Transport
	fake        *fakeTransport
	persistence *mockPersistence
	surface     *recordingSurface
	clock       *fakeClock
}

func newBoardFixture(t *testing.T, userID string, transport Transport, fake *fakeTransport, clock *fakeClock) *boardFixture {
	t.Helper()
	f := &boardFixture{
		transport:   transport,
		fake:        fake,
		persistence: new(mockPersistence),
		surface:     &recordingSurface{},
		clock:       clock,
	}
	board, err := NewBoard(Options{
		RoomID:            "room-1",
		UserID:            userID,
		Username:          userID,
		MinLoadingDisplay: -1,
		Clock:             clock.Now,
	}, f.surface, transport, f.persistence)
	require.NoError(t, err)
	f.board = board
	return f
}

// start 启动事件循环并等待连接和历史加载完成
func (f *boardFixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.board.Run(ctx)

	require.Eventually(t, func() bool { return f.fake.Handler() != nil }, time.Second, time.Millisecond)
	f.fake.Handler().HandleStatus(domain.StatusConnected, nil)
	f.waitLoaded(t)
}

func (f *boardFixture) waitLoaded(t *testing.T) {
	t.Helper()
	select {
	case <-f.board.Loaded():
	case <-time.After(time.Second):
		t.Fatal("board did not finish loading")
	}
}

func (f *boardFixture) view(t *testing.T) View {
	t.Helper()
	v, err := f.board.View()
	require.NoError(t, err)
	return v
}

func newSingleBoard(t *testing.T, history []domain.Stroke) *boardFixture {
	t.Helper()
	fake := &fakeTransport{}
	f := newBoardFixture(t, "alice", fake, fake, newFakeClock())
	f.persistence.On("ListStrokes", mock.Anything, "room-1").Return(history, nil)
	return f
}

func TestNewBoard_ValidatesOptions(t *testing.T) {
	fake := &fakeTransport{}
	persistence := new(mockPersistence)

	_, err := NewBoard(Options{RoomID: "r", UserID: "u", PartialInterval: time.Second}, &recordingSurface{}, fake, persistence)
	assert.ErrorIs(t, err, ErrInvalidInterval)

	_, err = NewBoard(Options{UserID: "u"}, &recordingSurface{}, fake, persistence)
	assert.Error(t, err)

	_, err = NewBoard(Options{RoomID: "r", UserID: "u"}, nil, fake, persistence)
	assert.Error(t, err)
}

func TestBoard_StrokeReachesPeer(t *testing.T) {
	bus := &roomBus{}
	clock := newFakeClock()
	ta, tb := bus.join(), bus.join()
	a := newBoardFixture(t, "alice", ta, &ta.fakeTransport, clock)
	b := newBoardFixture(t, "bob", tb, &tb.fakeTransport, clock)
	for _, f := range []*boardFixture{a, b} {
		f.persistence.On("ListStrokes", mock.Anything, "room-1").Return([]domain.Stroke(nil), nil)
		f.persistence.On("AppendStroke", mock.Anything, mock.Anything, "room-1").Return(nil)
		f.start(t)
	}

	a.board.SetBrush(Brush{Color: "#FF0000", Size: 5, LineCap: domain.LineCapRound})
	a.board.PointerDown(domain.Point{X: 0, Y: 0})
	a.board.PointerMove(domain.Point{X: 10, Y: 0})
	a.board.PointerMove(domain.Point{X: 10, Y: 10})
	a.board.PointerUp()
	require.Equal(t, 1, a.view(t).Strokes)

	strokes := ta.Published(domain.EventStroke)
	require.Len(t, strokes, 1, "松开后恰好发出一个完成笔画")
	var sent domain.Stroke
	require.NoError(t, strokes[0].Decode(&sent))
	assert.Equal(t, pts(0, 0, 10, 0, 10, 10), sent.Points)

	require.Eventually(t, func() bool { return b.view(t).Strokes == 1 }, time.Second, time.Millisecond)
	v := b.view(t)
	assert.Equal(t, 0, v.Partials)
	paints := b.surface.Paints()
	last := paints[len(paints)-1]
	assert.Equal(t, sent.Points, last.points)
	assert.Equal(t, "#FF0000", last.style.Color)
	assert.Equal(t, CompositeSourceOver, last.mode)

	// 已完成笔画的迟到快照不会出现在 B 上
	late := domain.PartialStroke{StrokeID: sent.ID, Points: pts(0, 0), UserID: "alice", LineCap: domain.LineCapRound, Sequence: 99}
	ev, err := domain.NewEvent(domain.EventPartialStroke, "room-1", late)
	require.NoError(t, err)
	tb.Handler().HandleEvent(ev)
	assert.Equal(t, 0, b.view(t).Partials)
	assert.Len(t, b.surface.Paints(), len(paints))
}

func TestBoard_RemoteClearAbortsLocalGesture(t *testing.T) {
	bus := &roomBus{}
	clock := newFakeClock()
	ta, tb := bus.join(), bus.join()
	a := newBoardFixture(t, "alice", ta, &ta.fakeTransport, clock)
	b := newBoardFixture(t, "bob", tb, &tb.fakeTransport, clock)
	for _, f := range []*boardFixture{a, b} {
		f.persistence.On("ListStrokes", mock.Anything, "room-1").Return([]domain.Stroke(nil), nil)
		f.persistence.On("ClearRoom", mock.Anything, "room-1").Return(nil)
		f.start(t)
	}

	b.board.PointerDown(domain.Point{X: 1, Y: 1})
	b.board.PointerMove(domain.Point{X: 5, Y: 5})
	require.True(t, b.view(t).Drawing)
	require.Eventually(t, func() bool { return a.view(t).Partials == 1 }, time.Second, time.Millisecond)

	a.board.Clear()
	require.Eventually(t, func() bool { return !b.view(t).Drawing }, time.Second, time.Millisecond)
	b.board.PointerMove(domain.Point{X: 9, Y: 9})
	b.board.PointerUp()

	assert.Empty(t, tb.Published(domain.EventStroke), "被清空中止的笔画不发出完成消息")
	va, vb := a.view(t), b.view(t)
	assert.Equal(t, 0, va.Strokes+va.Partials)
	assert.Equal(t, 0, vb.Strokes+vb.Partials)
	assert.Empty(t, a.surface.Paints())
	assert.Empty(t, b.surface.Paints())
}

func TestBoard_DrawingDisabledWhileLoading(t *testing.T) {
	f := newSingleBoard(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.board.Run(ctx)
	require.Eventually(t, func() bool { return f.fake.Handler() != nil }, time.Second, time.Millisecond)

	// 空房间在连接前不算加载完成
	f.board.PointerDown(domain.Point{X: 1, Y: 1})
	v := f.view(t)
	assert.True(t, v.Loading)
	assert.False(t, v.Drawing)

	f.fake.Handler().HandleStatus(domain.StatusConnected, nil)
	f.waitLoaded(t)
	f.board.PointerDown(domain.Point{X: 1, Y: 1})
	assert.True(t, f.view(t).Drawing)
}

func TestBoard_HistoryIsAppliedBeforeLiveEvents(t *testing.T) {
	fake := &fakeTransport{}
	f := newBoardFixture(t, "alice", fake, fake, newFakeClock())
	release := make(chan struct{})
	f.persistence.On("ListStrokes", mock.Anything, "room-1").
		Run(func(mock.Arguments) { <-release }).
		Return([]domain.Stroke{remoteStroke("h1", pts(0, 0, 1, 1))}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.board.Run(ctx)
	require.Eventually(t, func() bool { return fake.Handler() != nil }, time.Second, time.Millisecond)
	fake.Handler().HandleStatus(domain.StatusConnected, nil)

	ev, err := domain.NewEvent(domain.EventStroke, "room-1", remoteStroke("live", pts(2, 2, 3, 3)))
	require.NoError(t, err)
	fake.Handler().HandleEvent(ev)
	assert.Equal(t, 0, f.view(t).Strokes, "历史应用之前实时消息被缓存")

	close(release)
	f.waitLoaded(t)

	require.Eventually(t, func() bool { return f.view(t).Strokes == 2 }, time.Second, time.Millisecond)
	paints := f.surface.Paints()
	require.Len(t, paints, 2)
	assert.Equal(t, pts(0, 0, 1, 1), paints[0].points)
	assert.Equal(t, pts(2, 2, 3, 3), paints[1].points)
}

func TestBoard_DisconnectAbortsStrokeUnlessGrace(t *testing.T) {
	f := newSingleBoard(t, nil)
	f.persistence.On("ClearRoom", mock.Anything, "room-1").Return(nil)
	f.start(t)

	f.board.PointerDown(domain.Point{X: 1, Y: 1})
	f.fake.Handler().HandleStatus(domain.StatusDisconnected, errBoom)
	v := f.view(t)
	assert.False(t, v.Drawing, "断线中止进行中的笔画")
	f.board.PointerDown(domain.Point{X: 1, Y: 1})
	assert.False(t, f.view(t).Drawing, "断线后禁止开始新笔画")

	f.board.Reconnect()
	f.fake.Handler().HandleStatus(domain.StatusConnected, nil)
	f.board.Clear()
	f.fake.Handler().HandleStatus(domain.StatusDisconnected, errBoom)
	f.board.PointerDown(domain.Point{X: 2, Y: 2})

	v = f.view(t)
	assert.True(t, v.GraceActive)
	assert.True(t, v.Drawing, "清空后的宽限期内允许继续绘图")
}

func TestBoard_StrokeFinishedDuringGraceIsReported(t *testing.T) {
	// Arrange
	f := newSingleBoard(t, nil)
	f.persistence.On("ClearRoom", mock.Anything, "room-1").Return(nil)
	f.start(t)
	f.board.Clear()
	f.fake.Handler().HandleStatus(domain.StatusDisconnected, errBoom)

	// Act
	f.board.PointerDown(domain.Point{X: 1, Y: 1})
	f.board.PointerMove(domain.Point{X: 5, Y: 5})
	f.board.PointerUp()

	// Assert
	select {
	case err := <-f.board.Warnings():
		var berr *BroadcastError
		require.ErrorAs(t, err, &berr, "未广播的笔画应作为警告上报")
		assert.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(time.Second):
		t.Fatal("expected a broadcast warning")
	}
	assert.Equal(t, 1, f.view(t).Strokes, "本地仍保留该笔画")
	f.persistence.AssertNotCalled(t, "AppendStroke", mock.Anything, mock.Anything, mock.Anything)
}

func TestBoard_PersistenceFaultsSurfaceAsWarnings(t *testing.T) {
	f := newSingleBoard(t, nil)
	f.persistence.On("AppendStroke", mock.Anything, mock.Anything, "room-1").Return(errBoom)
	f.start(t)

	f.board.PointerDown(domain.Point{X: 0, Y: 0})
	f.board.PointerMove(domain.Point{X: 4, Y: 4})
	f.board.PointerUp()

	select {
	case err := <-f.board.Warnings():
		var perr *PersistenceError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, OpAppend, perr.Op)
	case <-time.After(time.Second):
		t.Fatal("expected a persistence warning")
	}
	assert.Equal(t, 1, f.view(t).Strokes, "持久化失败不回滚本地笔画")
}

func TestBoard_ResizeRedrawsHistory(t *testing.T) {
	f := newSingleBoard(t, []domain.Stroke{remoteStroke("h1", pts(0, 0, 1, 1))})
	f.start(t)

	next := &recordingSurface{}
	f.board.Resize(next)
	_, err := f.board.View()
	require.NoError(t, err)

	ops := next.Ops()
	require.Len(t, ops, 2)
	assert.True(t, ops[0].clear)
	assert.Equal(t, pts(0, 0, 1, 1), ops[1].points)

	img, err := f.board.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), img)
}

func TestBoard_PresenceAndCursors(t *testing.T) {
	f := newSingleBoard(t, nil)
	f.start(t)
	h := f.fake.Handler()

	h.HandlePresenceSync([]domain.PresenceEntry{{UserID: "alice"}, {UserID: "bob", CursorColor: "#00f"}})
	ev, err := domain.NewEvent(domain.EventCursor, "room-1", domain.CursorPosition{X: 3, Y: 4, UserID: "bob"})
	require.NoError(t, err)
	h.HandleEvent(ev)

	v := f.view(t)
	assert.Equal(t, 2, v.OnlineUsers)
	require.Len(t, v.Cursors, 1)
	assert.Equal(t, "#00f", v.Cursors[0].Color)

	h.HandlePresenceLeave(domain.PresenceEntry{UserID: "bob"})
	v = f.view(t)
	assert.Equal(t, 1, v.OnlineUsers)
	assert.Empty(t, v.Cursors)
	require.NotEmpty(t, f.fake.Tracked(), "连接后发布本地在线状态")
}
