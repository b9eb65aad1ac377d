package repository

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/nimasrn/outbound-caller/internal/model"
	"github.com/nimasrn/outbound-caller/pkg/pg"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrCallNotFound      = errors.New("call record not found")
	ErrDuplicateRoom     = errors.New("room name already recorded")
	ErrInvalidTransition = errors.New("invalid call status transition")
	ErrTransitionAhead   = errors.New("call status transition ahead of record")
)

type CallRecordRepository struct {
	*pg.DB
}

func NewCallRecordRepository(db *pg.DB) *CallRecordRepository {
	return &CallRecordRepository{db}
}

// Create stores a new record. A reused room name yields ErrDuplicateRoom.
func (r *CallRecordRepository) Create(ctx context.Context, rec *model.CallRecord) error {
	e := toCallRecordEntity(rec)
	if err := r.Write(ctx).Create(e).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRoom
		}
		return err
	}
	rec.ID = e.ID
	rec.Status = model.CallStatus(e.Status)
	rec.CreatedAt = e.CreatedAt
	rec.UpdatedAt = e.UpdatedAt
	return nil
}

func (r *CallRecordRepository) SetDispatchID(ctx context.Context, roomName, dispatchID string) error {
	res := r.Write(ctx).
		Model(&CallRecordEntity{}).
		Where("room_name = ?", roomName).
		Update("dispatch_id", dispatchID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrCallNotFound
	}
	return nil
}

func (r *CallRecordRepository) FindByID(ctx context.Context, id uint64) (*model.CallRecord, error) {
	var e CallRecordEntity
	if err := r.Read(ctx).Where("id = ?", id).First(&e).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCallNotFound
		}
		return nil, err
	}
	return toCallRecordModel(&e), nil
}

func (r *CallRecordRepository) FindByRoom(ctx context.Context, roomName string) (*model.CallRecord, error) {
	var e CallRecordEntity
	if err := r.Read(ctx).Where("room_name = ?", roomName).First(&e).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCallNotFound
		}
		return nil, err
	}
	return toCallRecordModel(&e), nil
}

// Transition moves a record to t.To if its current status allows it.
// Metadata keys from t are merged into the stored metadata.
func (r *CallRecordRepository) Transition(ctx context.Context, t model.CallTransition) (*model.CallRecord, error) {
	var out *model.CallRecord

	err := r.WithinTransaction(ctx, func(ctx context.Context) error {
		var e CallRecordEntity
		err := r.Write(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("room_name = ?", t.RoomName).
			First(&e).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrCallNotFound
			}
			return err
		}

		from := model.CallStatus(e.Status)
		if from.Precedes(t.To) {
			return fmt.Errorf("%w: %s -> %s", ErrTransitionAhead, from, t.To)
		}
		if !from.CanTransitionTo(t.To) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, t.To)
		}

		at := t.At
		if at.IsZero() {
			at = time.Now()
		}
		updates := map[string]any{"status": string(t.To)}

		switch t.To {
		case model.CallStatusConnected:
			updates["call_start"] = at
		case model.CallStatusCompleted, model.CallStatusFailed:
			updates["call_end"] = at
			if e.CallStart != nil {
				updates["duration"] = math.Max(0, at.Sub(*e.CallStart).Seconds())
			}
		}
		if t.Transcript != "" {
			updates["transcript"] = t.Transcript
		}
		if len(t.Metadata) > 0 {
			merged := datatypes.JSONMap{}
			for k, v := range e.Metadata {
				merged[k] = v
			}
			for k, v := range t.Metadata {
				merged[k] = v
			}
			updates["metadata"] = merged
		}

		res := r.Write(ctx).
			Model(&CallRecordEntity{}).
			Where("id = ? AND status = ?", e.ID, e.Status).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, t.RoomName)
		}

		if err := r.Write(ctx).Where("id = ?", e.ID).First(&e).Error; err != nil {
			return err
		}
		out = toCallRecordModel(&e)
		return nil
	})

	return out, err
}

// List returns one page of records, newest first.
func (r *CallRecordRepository) List(ctx context.Context, f model.CallFilter) (*model.CallPage, error) {
	f.Normalize()

	q := r.Read(ctx).Model(&CallRecordEntity{})
	if f.Status != nil {
		q = q.Where("status = ?", string(*f.Status))
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		like := "%" + strings.ToLower(s) + "%"
		q = q.Where("LOWER(customer_name) LIKE ? OR LOWER(customer_phone) LIKE ? OR LOWER(customer_email) LIKE ?", like, like, like)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, err
	}

	var entities []*CallRecordEntity
	err := q.Order("created_at DESC").Order("id DESC").
		Limit(f.PerPage).
		Offset(f.Offset()).
		Find(&entities).Error
	if err != nil {
		return nil, err
	}

	return &model.CallPage{
		Items:   toCallRecordModels(entities),
		Total:   total,
		Page:    f.Page,
		PerPage: f.PerPage,
		Pages:   int((total + int64(f.PerPage) - 1) / int64(f.PerPage)),
	}, nil
}

// Stats counts records per status and returns the most recent ones.
func (r *CallRecordRepository) Stats(ctx context.Context, recent int) (*model.CallStats, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	err := r.Read(ctx).Model(&CallRecordEntity{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	stats := &model.CallStats{}
	for _, rw := range rows {
		stats.Total += rw.Count
		switch model.CallStatus(rw.Status) {
		case model.CallStatusPending:
			stats.Pending = rw.Count
		case model.CallStatusConnected:
			stats.Connected = rw.Count
		case model.CallStatusCompleted:
			stats.Completed = rw.Count
		case model.CallStatusFailed:
			stats.Failed = rw.Count
		}
	}

	if recent > 0 {
		var entities []*CallRecordEntity
		err := r.Read(ctx).Order("created_at DESC").Order("id DESC").Limit(recent).Find(&entities).Error
		if err != nil {
			return nil, err
		}
		stats.RecentCalls = toCallRecordModels(entities)
	}
	return stats, nil
}

// StalePending returns room names of pending records created before cutoff.
func (r *CallRecordRepository) StalePending(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var rooms []string
	err := r.Read(ctx).Model(&CallRecordEntity{}).
		Where("status = ? AND created_at < ?", string(model.CallStatusPending), cutoff).
		Order("created_at ASC").
		Limit(limit).
		Pluck("room_name", &rooms).Error
	return rooms, err
}

// StaleConnected returns room names of connected records whose call started
// before cutoff.
func (r *CallRecordRepository) StaleConnected(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var rooms []string
	err := r.Read(ctx).Model(&CallRecordEntity{}).
		Where("status = ? AND call_start < ?", string(model.CallStatusConnected), cutoff).
		Order("call_start ASC").
		Limit(limit).
		Pluck("room_name", &rooms).Error
	return rooms, err
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
