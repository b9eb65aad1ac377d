package repository

import (
	"context"
	"errors"
	"time"

	"github.com/nimasrn/outbound-caller/internal/model"
	"github.com/nimasrn/outbound-caller/pkg/pg"
	"gorm.io/gorm"
)

var (
	ErrAdminNotFound     = errors.New("admin user not found")
	ErrDuplicateUsername = errors.New("username already exists")
)

type AdminUserRepository struct {
	*pg.DB
}

func NewAdminUserRepository(db *pg.DB) *AdminUserRepository {
	return &AdminUserRepository{db}
}

func (r *AdminUserRepository) Create(ctx context.Context, username, passwordHash string) (*model.AdminUser, error) {
	e := &AdminUserEntity{Username: username, PasswordHash: passwordHash, IsActive: true}
	if err := r.Write(ctx).Create(e).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateUsername
		}
		return nil, err
	}
	return toAdminUserModel(e), nil
}

func (r *AdminUserRepository) FindByUsername(ctx context.Context, username string) (*model.AdminUser, error) {
	var e AdminUserEntity
	if err := r.Read(ctx).Where("username = ?", username).First(&e).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAdminNotFound
		}
		return nil, err
	}
	return toAdminUserModel(&e), nil
}

func (r *AdminUserRepository) FindByID(ctx context.Context, id uint64) (*model.AdminUser, error) {
	var e AdminUserEntity
	if err := r.Read(ctx).Where("id = ?", id).First(&e).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAdminNotFound
		}
		return nil, err
	}
	return toAdminUserModel(&e), nil
}

func (r *AdminUserRepository) UpdatePassword(ctx context.Context, id uint64, passwordHash string) error {
	return r.updateColumn(ctx, id, "password_hash", passwordHash)
}

func (r *AdminUserRepository) TouchLastLogin(ctx context.Context, id uint64, at time.Time) error {
	return r.updateColumn(ctx, id, "last_login", at)
}

func (r *AdminUserRepository) SetActive(ctx context.Context, id uint64, active bool) error {
	return r.updateColumn(ctx, id, "is_active", active)
}

func (r *AdminUserRepository) updateColumn(ctx context.Context, id uint64, column string, value any) error {
	res := r.Write(ctx).Model(&AdminUserEntity{}).Where("id = ?", id).Update(column, value)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAdminNotFound
	}
	return nil
}
