package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"collaborative-canvas/internal/domain"
)

// StrokeRepository 是 repository.StrokeRepository 的 Mock 实现
type StrokeRepository struct {
	mock.Mock
}

func (m *StrokeRepository) Append(ctx context.Context, roomID string, stroke domain.Stroke) (bool, error) {
	args := m.Called(ctx, roomID, stroke)
	return args.Bool(0), args.Error(1)
}

func (m *StrokeRepository) List(ctx context.Context, roomID string) ([]domain.Stroke, error) {
	args := m.Called(ctx, roomID)
	var strokes []domain.Stroke
	if v := args.Get(0); v != nil {
		strokes = v.([]domain.Stroke)
	}
	return strokes, args.Error(1)
}

func (m *StrokeRepository) Clear(ctx context.Context, roomID string) (uint, error) {
	args := m.Called(ctx, roomID)
	return args.Get(0).(uint), args.Error(1)
}

func (m *StrokeRepository) CurrentEpoch(ctx context.Context, roomID string) (uint, error) {
	args := m.Called(ctx, roomID)
	return args.Get(0).(uint), args.Error(1)
}
