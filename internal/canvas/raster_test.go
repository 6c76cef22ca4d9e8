package canvas

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collaborative-canvas/internal/domain"
)

func TestRasterSurface_SourceOverPaintsColor(t *testing.T) {
	surface := NewRasterSurface(40, 40)

	surface.PaintPath(pts(5, 20, 35, 20), Style{Color: "#FF0000", Width: 6, LineCap: domain.LineCapRound}, CompositeSourceOver)

	c := surface.At(20, 20)
	assert.Equal(t, uint8(255), c.R)
	assert.Equal(t, uint8(0), c.G)
	assert.Equal(t, uint8(255), c.A)
	assert.Equal(t, uint8(0), surface.At(20, 2).A, "路径之外保持透明")
}

func TestRasterSurface_DestinationOutErasesRegardlessOfColor(t *testing.T) {
	surface := NewRasterSurface(40, 40)
	surface.PaintPath(pts(5, 20, 35, 20), Style{Color: "#FF0000", Width: 10}, CompositeSourceOver)

	surface.PaintPath(pts(20, 5, 20, 35), Style{Color: "#00FF00", Width: 6}, CompositeDestinationOut)

	assert.Equal(t, uint8(0), surface.At(20, 20).A, "橡皮擦覆盖处应完全透明")
	assert.Equal(t, uint8(255), surface.At(8, 20).A, "橡皮擦之外的像素保持不变")
}

func TestRasterSurface_ModeDoesNotLeakIntoNextStroke(t *testing.T) {
	surface := NewRasterSurface(40, 40)
	surface.PaintPath(pts(5, 20, 35, 20), Style{Color: "#FF0000", Width: 10}, CompositeSourceOver)
	surface.PaintPath(pts(20, 5, 20, 35), Style{Width: 6}, CompositeDestinationOut)

	surface.PaintPath(pts(20, 5, 20, 35), Style{Color: "#0000FF", Width: 6}, CompositeSourceOver)

	c := surface.At(20, 20)
	assert.Equal(t, uint8(255), c.B, "橡皮擦之后的画笔应正常覆盖")
	assert.Equal(t, uint8(255), c.A)
}

func TestRasterSurface_SinglePointCaps(t *testing.T) {
	surface := NewRasterSurface(20, 20)

	surface.PaintPath(pts(10, 10), Style{Color: "#000000", Width: 6, LineCap: domain.LineCapRound}, CompositeSourceOver)
	surface.PaintPath(pts(3, 3), Style{Color: "#000000", Width: 4, LineCap: domain.LineCapButt}, CompositeSourceOver)

	assert.Equal(t, uint8(255), surface.At(10, 10).A)
	assert.Equal(t, uint8(0), surface.At(3, 3).A, "butt 端点的单点不可见")
}

func TestRasterSurface_ClearAndToImage(t *testing.T) {
	surface := NewRasterSurface(16, 8)
	surface.PaintPath(pts(0, 4, 16, 4), Style{Color: "#FFFFFF", Width: 4}, CompositeSourceOver)

	surface.Clear()
	data, err := surface.ToImage()

	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 16, img.Bounds().Dx())
	assert.Equal(t, 8, img.Bounds().Dy())
	_, _, _, a := img.At(8, 4).RGBA()
	assert.Equal(t, uint32(0), a)
}
