package canvas

import "collaborative-canvas/internal/domain"

// CompositeMode 决定新笔画如何与已有像素合成。
type CompositeMode int

const (
	// CompositeSourceOver 画笔：以笔刷颜色覆盖在已有内容之上（默认模式）
	CompositeSourceOver CompositeMode = iota
	// CompositeDestinationOut 橡皮擦：笔刷覆盖的区域变为完全透明，与笔刷颜色无关
	CompositeDestinationOut
)

func (m CompositeMode) String() string {
	if m == CompositeDestinationOut {
		return "destination-out"
	}
	return "source-over"
}

// ModeFor 根据 isEraser 选择合成模式
func ModeFor(isEraser bool) CompositeMode {
	if isEraser {
		return CompositeDestinationOut
	}
	return CompositeSourceOver
}

// Style 是绘制一条路径所需的笔刷样式
type Style struct {
	Color   string
	Width   float64
	LineCap domain.LineCap
}

// Surface 是绘图表面的最小接口。
// PaintPath 的合成模式只作用于本次调用，返回前必须恢复为 CompositeSourceOver。
type Surface interface {
	Clear()
	PaintPath(points []domain.Point, style Style, mode CompositeMode)
	ToImage() ([]byte, error)
}

// StyleOfStroke 从完成笔画中提取样式
func StyleOfStroke(s domain.Stroke) Style {
	return Style{Color: s.BrushColor, Width: s.BrushSize, LineCap: s.LineCap}
}

// StyleOfPartial 从笔画快照中提取样式
func StyleOfPartial(p domain.PartialStroke) Style {
	return Style{Color: p.BrushColor, Width: p.BrushSize, LineCap: p.LineCap}
}

// PaintStroke 以笔画自身的合成模式绘制完整路径
func PaintStroke(surface Surface, s domain.Stroke) {
	surface.PaintPath(s.Points, StyleOfStroke(s), ModeFor(s.IsEraser))
}

// PaintPartial 绘制快照携带的完整路径（不是差量）
func PaintPartial(surface Surface, p domain.PartialStroke) {
	surface.PaintPath(p.Points, StyleOfPartial(p), ModeFor(p.IsEraser))
}
