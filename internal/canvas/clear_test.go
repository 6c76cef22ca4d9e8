package canvas

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"collaborative-canvas/internal/domain"
)

func newTestCoordinator(t *testing.T) (*ClearCoordinator, *Engine, *transportFixture) {
	t.Helper()
	f := newTransportFixture(t)
	engine, _ := newTestEngine(0)
	return NewClearCoordinator(engine, f.session, 1500*time.Millisecond, f.clock.Now, nil), engine, f
}

func TestClearCoordinator_NoopWhileNotConnected(t *testing.T) {
	c, engine, f := newTestCoordinator(t)
	engine.OnCompleteStroke(remoteStroke("a", pts(0, 0, 1, 1)))

	assert.False(t, c.ClearCanvas())

	assert.Len(t, engine.CompletedStrokes(), 1)
	assert.False(t, c.GraceActive())
	f.persistence.AssertNotCalled(t, "ClearRoom", mock.Anything, mock.Anything)
}

func TestClearCoordinator_ClearCanvasSequence(t *testing.T) {
	c, engine, f := newTestCoordinator(t)
	f.connect(t)
	engine.OnCompleteStroke(remoteStroke("a", pts(0, 0, 1, 1)))
	engine.OnPartialStroke(remotePartial("b", 0, pts(0, 0)))
	f.persistence.On("ClearRoom", mock.Anything, "room-1").Return(nil).Once()

	var seen []ClearOrigin
	c.Subscribe(func(o ClearOrigin) {
		// 观察者被通知时本地已经清空
		assert.Empty(t, engine.CompletedStrokes())
		assert.Empty(t, f.transport.Published(domain.EventClear), "广播发生在本地清空之后")
		seen = append(seen, o)
	})

	require.True(t, c.ClearCanvas())

	assert.Equal(t, []ClearOrigin{ClearLocal}, seen)
	assert.Empty(t, engine.ActivePartials())
	assert.Len(t, f.transport.Published(domain.EventClear), 1)
	assert.True(t, c.GraceActive())
	f.persistence.AssertExpectations(t)
}

func TestClearCoordinator_DeleteFailureDoesNotRollBack(t *testing.T) {
	c, engine, f := newTestCoordinator(t)
	f.connect(t)
	engine.OnCompleteStroke(remoteStroke("a", pts(0, 0, 1, 1)))
	f.persistence.On("ClearRoom", mock.Anything, "room-1").Return(errBoom).Once()

	require.True(t, c.ClearCanvas())

	assert.Empty(t, engine.CompletedStrokes())
	assert.Len(t, f.warnings, 1, "删除失败作为警告上报")
	assert.True(t, c.GraceActive())
}

func TestClearCoordinator_GraceWindowExpires(t *testing.T) {
	c, _, f := newTestCoordinator(t)
	f.connect(t)
	f.persistence.On("ClearRoom", mock.Anything, "room-1").Return(nil)

	c.ClearCanvas()
	f.clock.Advance(time.Second)
	assert.True(t, c.GraceActive())
	f.clock.Advance(time.Second)

	assert.False(t, c.GraceActive())
}

func TestClearCoordinator_RemoteClearAndUnsubscribe(t *testing.T) {
	c, engine, f := newTestCoordinator(t)
	engine.OnCompleteStroke(remoteStroke("a", pts(0, 0, 1, 1)))
	calls := 0
	unsubscribe := c.Subscribe(func(o ClearOrigin) {
		assert.Equal(t, ClearRemote, o)
		calls++
	})

	c.HandleRemoteClear()
	unsubscribe()
	c.HandleRemoteClear()

	assert.Equal(t, 1, calls)
	assert.Empty(t, engine.CompletedStrokes())
	assert.False(t, c.GraceActive(), "远端清空不开启宽限期")
	assert.Empty(t, f.transport.Published(domain.EventClear))
}
