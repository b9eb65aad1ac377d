package services

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/outbound-caller/internal/model"
	"github.com/nimasrn/outbound-caller/internal/repository"
	"github.com/nimasrn/outbound-caller/pkg/logger"
	"github.com/nimasrn/outbound-caller/pkg/redis"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

const (
	MinPasswordLength  = 8
	RecentCallsOnStats = 10
	sessionKeyPrefix   = "admin:session:"
)

var (
	ErrInvalidCredentials = errors.New("Invalid username or password")
	ErrUnauthorized       = errors.New("authentication required")
	ErrNotFound           = errors.New("not found")
	ErrPasswordRequired   = errors.New("All password fields are required")
	ErrWrongPassword      = errors.New("Current password is incorrect")
	ErrPasswordMismatch   = errors.New("New passwords do not match")
	ErrPasswordTooShort   = errors.Errorf("New password must be at least %d characters", MinPasswordLength)
)

type AdminRepository interface {
	Create(ctx context.Context, username, passwordHash string) (*model.AdminUser, error)
	FindByUsername(ctx context.Context, username string) (*model.AdminUser, error)
	FindByID(ctx context.Context, id uint64) (*model.AdminUser, error)
	UpdatePassword(ctx context.Context, id uint64, passwordHash string) error
	TouchLastLogin(ctx context.Context, id uint64, at time.Time) error
}

type CallQueries interface {
	FindByID(ctx context.Context, id uint64) (*model.CallRecord, error)
	List(ctx context.Context, f model.CallFilter) (*model.CallPage, error)
	Stats(ctx context.Context, recent int) (*model.CallStats, error)
}

// AdminService backs the admin panel. Sessions live in Redis.
type AdminService struct {
	admins     AdminRepository
	calls      CallQueries
	sessions   redis.RedisAdapter
	sessionTTL time.Duration
	bcryptCost int
}

func NewAdminService(admins AdminRepository, calls CallQueries, sessions redis.RedisAdapter, sessionTTL time.Duration) *AdminService {
	return &AdminService{
		admins:     admins,
		calls:      calls,
		sessions:   sessions,
		sessionTTL: sessionTTL,
		bcryptCost: bcrypt.DefaultCost,
	}
}

func (s *AdminService) hash(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	return string(h), errors.Wrap(err, "hash password")
}

// EnsureDefaultAdmin creates username when it does not exist yet.
func (s *AdminService) EnsureDefaultAdmin(ctx context.Context, username, password string) error {
	_, err := s.admins.FindByUsername(ctx, username)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repository.ErrAdminNotFound) {
		return err
	}

	h, err := s.hash(password)
	if err != nil {
		return err
	}
	if _, err := s.admins.Create(ctx, username, h); err != nil && !errors.Is(err, repository.ErrDuplicateUsername) {
		return err
	}
	logger.Info("default admin user created", "username", username)
	return nil
}

// Login checks the credentials and opens a session. It returns the session token.
func (s *AdminService) Login(ctx context.Context, username, password string) (string, *model.AdminUser, error) {
	user, err := s.admins.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrAdminNotFound) {
			logger.Warn("failed login attempt", "username", username)
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, err
	}
	if !user.IsActive || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		logger.Warn("failed login attempt", "username", username)
		return "", nil, ErrInvalidCredentials
	}

	now := time.Now()
	if err := s.admins.TouchLastLogin(ctx, user.ID, now); err != nil {
		logger.Warn("failed to update last login", "username", username, "error", err)
	}
	user.LastLogin = &now

	token := uuid.NewString()
	if err := s.sessions.Set(ctx, sessionKeyPrefix+token, []byte(strconv.FormatUint(user.ID, 10)), s.sessionTTL); err != nil {
		return "", nil, errors.Wrap(err, "store admin session")
	}
	logger.Info("admin user logged in", "username", username)
	return token, user, nil
}

// Authenticate resolves a session token and extends the session.
func (s *AdminService) Authenticate(ctx context.Context, token string) (*model.AdminUser, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	raw, err := s.sessions.Get(ctx, sessionKeyPrefix+token)
	if err != nil {
		if errors.Is(err, redis.NilError) {
			return nil, ErrUnauthorized
		}
		return nil, errors.Wrap(err, "load admin session")
	}
	id, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return nil, ErrUnauthorized
	}

	user, err := s.admins.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrAdminNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	if !user.IsActive {
		_ = s.sessions.Del(ctx, sessionKeyPrefix+token)
		return nil, ErrUnauthorized
	}
	if err := s.sessions.Expire(ctx, sessionKeyPrefix+token, s.sessionTTL); err != nil {
		logger.Warn("failed to extend admin session", "error", err)
	}
	return user, nil
}

func (s *AdminService) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return s.sessions.Del(ctx, sessionKeyPrefix+token)
}

func (s *AdminService) ChangePassword(ctx context.Context, userID uint64, current, next, confirm string) error {
	if current == "" || next == "" || confirm == "" {
		return ErrPasswordRequired
	}
	user, err := s.admins.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(current)) != nil {
		return ErrWrongPassword
	}
	if next != confirm {
		return ErrPasswordMismatch
	}
	if len(next) < MinPasswordLength {
		return ErrPasswordTooShort
	}

	h, err := s.hash(next)
	if err != nil {
		return err
	}
	if err := s.admins.UpdatePassword(ctx, userID, h); err != nil {
		return err
	}
	logger.Info("admin user changed password", "username", user.Username)
	return nil
}

func (s *AdminService) Stats(ctx context.Context) (*model.CallStats, error) {
	return s.calls.Stats(ctx, RecentCallsOnStats)
}

func (s *AdminService) ListCalls(ctx context.Context, f model.CallFilter) (*model.CallPage, error) {
	return s.calls.List(ctx, f)
}

func (s *AdminService) GetCall(ctx context.Context, id uint64) (*model.CallRecord, error) {
	rec, err := s.calls.FindByID(ctx, id)
	if errors.Is(err, repository.ErrCallNotFound) {
		return nil, ErrNotFound
	}
	return rec, err
}
