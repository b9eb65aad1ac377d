package repository

import (
	"time"

	"github.com/nimasrn/outbound-caller/internal/model"
	"github.com/nimasrn/outbound-caller/pkg/pg"
)

type AdminUserEntity struct {
	pg.Model
	Username     string     `gorm:"column:username;size:80;not null;uniqueIndex"`
	PasswordHash string     `gorm:"column:password_hash;size:200;not null"`
	IsActive     bool       `gorm:"column:is_active;not null;default:true"`
	LastLogin    *time.Time `gorm:"column:last_login"`
}

func (AdminUserEntity) TableName() string {
	return "admin_users"
}

func toAdminUserModel(e *AdminUserEntity) *model.AdminUser {
	if e == nil {
		return nil
	}
	return &model.AdminUser{
		ID:           e.ID,
		Username:     e.Username,
		PasswordHash: e.PasswordHash,
		IsActive:     e.IsActive,
		LastLogin:    e.LastLogin,
		CreatedAt:    e.CreatedAt,
	}
}
