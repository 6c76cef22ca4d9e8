package gormpersistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/repository"
)

// GormStrokeRepository 是 StrokeRepository 接口的 GORM 实现
type GormStrokeRepository struct {
	db *gorm.DB
}

// NewGormStrokeRepository 创建 GormStrokeRepository 实例
func NewGormStrokeRepository(db *gorm.DB) *GormStrokeRepository {
	if db == nil {
		panic("database connection cannot be nil for GormStrokeRepository")
	}
	return &GormStrokeRepository{db: db}
}

// Append 以当前纪元保存笔画，(room_id, stroke_id) 冲突时什么也不做
func (r *GormStrokeRepository) Append(ctx context.Context, roomID string, stroke domain.Stroke) (bool, error) {
	epoch, err := r.CurrentEpoch(ctx, roomID)
	if err != nil {
		return false, err
	}
	record := domain.StrokeRecord{RoomID: roomID, Epoch: epoch}
	if err := record.SetStroke(stroke); err != nil {
		return false, err
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record)
	if err := result.Error; err != nil {
		if isDuplicateEntry(err) {
			return false, nil
		}
		return false, fmt.Errorf("gorm: append stroke %s to room %s: %w", stroke.ID, roomID, err)
	}
	return result.RowsAffected > 0, nil
}

// List 返回当前纪元的笔画，按创建时间升序
func (r *GormStrokeRepository) List(ctx context.Context, roomID string) ([]domain.Stroke, error) {
	epoch, err := r.CurrentEpoch(ctx, roomID)
	if err != nil {
		return nil, err
	}
	var records []domain.StrokeRecord
	err = r.db.WithContext(ctx).
		Where("room_id = ? AND epoch = ?", roomID, epoch).
		Order("created_at asc").
		Order("id asc").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: list strokes for room %s: %w", roomID, err)
	}

	strokes := make([]domain.Stroke, 0, len(records))
	for i := range records {
		s, err := records[i].ParseStroke()
		if err != nil {
			return nil, err
		}
		strokes = append(strokes, s)
	}
	return strokes, nil
}

// Clear 在一个事务中增加纪元并删除旧纪元的笔画。
// 即使之后有笔画以旧纪元写入，也不会被 List 返回。
func (r *GormStrokeRepository) Clear(ctx context.Context, roomID string) (uint, error) {
	var newEpoch uint
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row domain.RoomEpoch
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(domain.RoomEpoch{RoomID: roomID}).
			FirstOrCreate(&row).Error; err != nil {
			return fmt.Errorf("gorm: load epoch for room %s: %w", roomID, err)
		}
		row.Epoch++
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("gorm: bump epoch for room %s: %w", roomID, err)
		}
		if err := tx.Where("room_id = ? AND epoch < ?", roomID, row.Epoch).
			Delete(&domain.StrokeRecord{}).Error; err != nil {
			return fmt.Errorf("gorm: delete strokes for room %s: %w", roomID, err)
		}
		newEpoch = row.Epoch
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newEpoch, nil
}

// CurrentEpoch 返回房间当前纪元，没有记录时为 0
func (r *GormStrokeRepository) CurrentEpoch(ctx context.Context, roomID string) (uint, error) {
	var row domain.RoomEpoch
	err := r.db.WithContext(ctx).Where("room_id = ?", roomID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("gorm: find epoch for room %s: %w", roomID, err)
	}
	return row.Epoch, nil
}

// isDuplicateEntry 识别 MySQL 的唯一约束冲突 (1062)
func isDuplicateEntry(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

var _ repository.StrokeRepository = (*GormStrokeRepository)(nil)
