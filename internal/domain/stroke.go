package domain

import (
	"errors"
	"fmt"
)

// Point 表示画布坐标系中的一个点（浮点，无边界约束，指针在边缘处可能给出画布外坐标）。
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// LineCap 定义笔画端点样式。
type LineCap string

const (
	LineCapButt   LineCap = "butt"
	LineCapRound  LineCap = "round"
	LineCapSquare LineCap = "square"
)

// Valid 判断端点样式是否合法
func (c LineCap) Valid() bool {
	switch c {
	case LineCapButt, LineCapRound, LineCapSquare:
		return true
	}
	return false
}

var (
	ErrEmptyStrokeID   = errors.New("stroke id is empty")
	ErrTooFewPoints    = errors.New("stroke has too few points")
	ErrInvalidLineCap  = errors.New("invalid line cap")
	ErrInvalidSize     = errors.New("brush size must be positive")
	ErrInvalidSequence = errors.New("partial stroke sequence must be non-negative")
)

// Stroke 是一条已完成的笔画。创建后不可变，以 ID 作为身份标识。
// ID 约定为 "<userId>-<开始时间戳毫秒>"。
type Stroke struct {
	ID         string  `json:"id"`
	Points     []Point `json:"points"`
	BrushColor string  `json:"brushColor"`
	BrushSize  float64 `json:"brushSize"`
	LineCap    LineCap `json:"lineCap"`
	UserID     string  `json:"userId"`
	IsEraser   bool    `json:"isEraser"`
}

// Validate 检查完成笔画的结构约束：至少两个点。
func (s Stroke) Validate() error {
	if s.ID == "" {
		return ErrEmptyStrokeID
	}
	if len(s.Points) < 2 {
		return fmt.Errorf("stroke %s: %w (got %d, need 2)", s.ID, ErrTooFewPoints, len(s.Points))
	}
	if !s.LineCap.Valid() {
		return fmt.Errorf("stroke %s: %w: %q", s.ID, ErrInvalidLineCap, s.LineCap)
	}
	if s.BrushSize <= 0 {
		return fmt.Errorf("stroke %s: %w", s.ID, ErrInvalidSize)
	}
	return nil
}

// PartialStroke 是进行中笔画的一个完整快照（不是增量）。
// 同一 StrokeID 的快照按 Sequence 严格递增，新笔画从 0 开始。
type PartialStroke struct {
	StrokeID   string  `json:"strokeId"`
	Points     []Point `json:"points"`
	BrushColor string  `json:"brushColor"`
	BrushSize  float64 `json:"brushSize"`
	LineCap    LineCap `json:"lineCap"`
	UserID     string  `json:"userId"`
	IsEraser   bool    `json:"isEraser"`
	Timestamp  int64   `json:"timestamp"` // 毫秒
	Sequence   int     `json:"sequence"`
}

// Validate 检查快照的结构约束：至少一个点，序号非负。
func (p PartialStroke) Validate() error {
	if p.StrokeID == "" {
		return ErrEmptyStrokeID
	}
	if len(p.Points) < 1 {
		return fmt.Errorf("partial %s: %w", p.StrokeID, ErrTooFewPoints)
	}
	if p.Sequence < 0 {
		return fmt.Errorf("partial %s: %w", p.StrokeID, ErrInvalidSequence)
	}
	if !p.LineCap.Valid() {
		return fmt.Errorf("partial %s: %w: %q", p.StrokeID, ErrInvalidLineCap, p.LineCap)
	}
	return nil
}

// CursorPosition 是某个用户的光标位置，按 UserID 后写覆盖。
type CursorPosition struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	UserID   string  `json:"userId"`
	Username string  `json:"username,omitempty"`
	Color    string  `json:"color,omitempty"`
}
