package pg

import "time"

// Model is embedded by every table entity.
type Model struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
