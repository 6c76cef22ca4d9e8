package canvas

import (
	"bytes"
	"fmt"
	"image"
	"image/color"

	"github.com/fogleman/gg"

	"collaborative-canvas/internal/domain"
)

const defaultBrushColor = "#000000"

// RasterSurface 是基于 gg 的光栅绘图表面，背景为透明。
type RasterSurface struct {
	dc *gg.Context
}

// NewRasterSurface 创建指定尺寸的透明画布
func NewRasterSurface(width, height int) *RasterSurface {
	return &RasterSurface{dc: gg.NewContext(width, height)}
}

func (r *RasterSurface) Width() int  { return r.dc.Width() }
func (r *RasterSurface) Height() int { return r.dc.Height() }

// Clear 将所有像素置为透明
func (r *RasterSurface) Clear() {
	r.dc.Push()
	r.dc.SetColor(color.Transparent)
	r.dc.Clear()
	r.dc.Pop()
}

// PaintPath 按给定样式和合成模式绘制折线。模式只在本次调用内生效。
func (r *RasterSurface) PaintPath(points []domain.Point, style Style, mode CompositeMode) {
	if len(points) == 0 {
		return
	}
	if mode == CompositeDestinationOut {
		r.erasePath(points, style)
		return
	}
	r.dc.Push()
	defer r.dc.Pop()
	if style.Color == "" {
		style.Color = defaultBrushColor
	}
	r.dc.SetHexColor(style.Color)
	tracePath(r.dc, points, style)
}

// erasePath 把路径覆盖区域画到遮罩上，再按遮罩 alpha 缩放目标像素 (destination-out)：
// dst = dst * (1 - maskAlpha)，遮罩之外的像素不变。
func (r *RasterSurface) erasePath(points []domain.Point, style Style) {
	mask := gg.NewContext(r.dc.Width(), r.dc.Height())
	mask.SetColor(color.White)
	tracePath(mask, points, style)

	dst, ok := r.dc.Image().(*image.RGBA)
	if !ok {
		return
	}
	src, ok := mask.Image().(*image.RGBA)
	if !ok {
		return
	}
	destinationOut(dst, src)
}

// destinationOut 要求 dst 与 mask 尺寸相同；像素均为预乘 alpha，四个通道同比缩放。
func destinationOut(dst, mask *image.RGBA) {
	for i := 3; i < len(mask.Pix) && i < len(dst.Pix); i += 4 {
		ma := uint32(mask.Pix[i])
		if ma == 0 {
			continue
		}
		keep := 255 - ma
		for j := i - 3; j <= i; j++ {
			dst.Pix[j] = uint8((uint32(dst.Pix[j])*keep + 127) / 255)
		}
	}
}

// tracePath 在 dc 上以当前颜色描绘路径；单点路径按端点样式画一个点。
func tracePath(dc *gg.Context, points []domain.Point, style Style) {
	width := style.Width
	if width <= 0 {
		width = 1
	}
	if len(points) == 1 {
		p := points[0]
		switch style.LineCap {
		case domain.LineCapRound:
			dc.DrawCircle(p.X, p.Y, width/2)
			dc.Fill()
		case domain.LineCapSquare:
			dc.DrawRectangle(p.X-width/2, p.Y-width/2, width, width)
			dc.Fill()
		}
		// butt 端点的零长度路径不可见
		return
	}

	dc.SetLineWidth(width)
	dc.SetLineCap(ggLineCap(style.LineCap))
	dc.SetLineJoin(gg.LineJoinRound)
	dc.MoveTo(points[0].X, points[0].Y)
	for _, p := range points[1:] {
		dc.LineTo(p.X, p.Y)
	}
	dc.Stroke()
}

func ggLineCap(c domain.LineCap) gg.LineCap {
	switch c {
	case domain.LineCapButt:
		return gg.LineCapButt
	case domain.LineCapSquare:
		return gg.LineCapSquare
	default:
		return gg.LineCapRound
	}
}

// ToImage 将当前画布编码为 PNG
func (r *RasterSurface) ToImage() ([]byte, error) {
	var buf bytes.Buffer
	if err := r.dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode canvas png: %w", err)
	}
	return buf.Bytes(), nil
}

// At 返回指定像素 (非预乘 RGBA)，主要用于测试与导出
func (r *RasterSurface) At(x, y int) color.NRGBA {
	return color.NRGBAModel.Convert(r.dc.Image().At(x, y)).(color.NRGBA)
}
