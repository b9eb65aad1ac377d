package repository

import (
	"time"

	"github.com/nimasrn/outbound-caller/internal/model"
	"github.com/nimasrn/outbound-caller/pkg/pg"
	"gorm.io/datatypes"
)

type CallRecordEntity struct {
	pg.Model
	RoomName      string            `gorm:"column:room_name;size:50;not null;uniqueIndex"`
	DispatchID    *string           `gorm:"column:dispatch_id;size:100;uniqueIndex"`
	CustomerName  string            `gorm:"column:customer_name;size:100;not null"`
	CustomerPhone string            `gorm:"column:customer_phone;size:50;not null"`
	CustomerEmail string            `gorm:"column:customer_email;size:100"`
	CustomerQuery string            `gorm:"column:customer_query;type:text"`
	Status        string            `gorm:"column:status;size:20;not null;default:pending;index"`
	CallStart     *time.Time        `gorm:"column:call_start"`
	CallEnd       *time.Time        `gorm:"column:call_end"`
	Duration      *float64          `gorm:"column:duration"`
	Transcript    string            `gorm:"column:transcript;type:text"`
	Metadata      datatypes.JSONMap `gorm:"column:metadata"`
}

func (CallRecordEntity) TableName() string {
	return "call_records"
}

func toCallRecordEntity(m *model.CallRecord) *CallRecordEntity {
	if m == nil {
		return nil
	}
	status := m.Status
	if status == "" {
		status = model.CallStatusPending
	}
	e := &CallRecordEntity{
		Model:         pg.Model{ID: m.ID, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		RoomName:      m.RoomName,
		DispatchID:    m.DispatchID,
		CustomerName:  m.CustomerName,
		CustomerPhone: m.CustomerPhone,
		CustomerEmail: m.CustomerEmail,
		CustomerQuery: m.CustomerQuery,
		Status:        string(status),
		CallStart:     m.CallStart,
		CallEnd:       m.CallEnd,
		Duration:      m.Duration,
		Transcript:    m.Transcript,
	}
	if len(m.Metadata) > 0 {
		e.Metadata = datatypes.JSONMap(m.Metadata)
	}
	return e
}

func toCallRecordModel(e *CallRecordEntity) *model.CallRecord {
	if e == nil {
		return nil
	}
	return &model.CallRecord{
		ID:            e.ID,
		RoomName:      e.RoomName,
		DispatchID:    e.DispatchID,
		CustomerName:  e.CustomerName,
		CustomerPhone: e.CustomerPhone,
		CustomerEmail: e.CustomerEmail,
		CustomerQuery: e.CustomerQuery,
		Status:        model.CallStatus(e.Status),
		CallStart:     e.CallStart,
		CallEnd:       e.CallEnd,
		Duration:      e.Duration,
		Transcript:    e.Transcript,
		Metadata:      map[string]any(e.Metadata),
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
}

func toCallRecordModels(entities []*CallRecordEntity) []*model.CallRecord {
	models := make([]*model.CallRecord, len(entities))
	for i, e := range entities {
		models[i] = toCallRecordModel(e)
	}
	return models
}
