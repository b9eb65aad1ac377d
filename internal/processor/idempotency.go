package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimasrn/outbound-caller/pkg/logger"
	"github.com/nimasrn/outbound-caller/pkg/redis"
)

var (
	ErrAlreadyProcessed  = errors.New("event already processed")
	ErrLockAcquireFailed = errors.New("failed to acquire processing lock")
)

type IdempotencyConfig struct {
	// LockTTL bounds how long a crashed consumer can block an event.
	LockTTL time.Duration

	// ProcessedTTL is how long a processed marker is remembered.
	ProcessedTTL time.Duration

	LockKeyPrefix      string
	ProcessedKeyPrefix string
}

func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		LockTTL:            30 * time.Second,
		ProcessedTTL:       72 * time.Hour,
		LockKeyPrefix:      "event:lock:",
		ProcessedKeyPrefix: "event:processed:",
	}
}

// IdempotencyService makes sure each call event is applied once even when the
// stream redelivers it.
type IdempotencyService struct {
	redis  redis.RedisAdapter
	config IdempotencyConfig
}

func NewIdempotencyService(redisAdapter redis.RedisAdapter, config IdempotencyConfig) *IdempotencyService {
	return &IdempotencyService{redis: redisAdapter, config: config}
}

type ProcessingContext struct {
	EventID      string
	lockAcquired bool
}

func (s *IdempotencyService) AcquireProcessingLock(ctx context.Context, eventID string) (*ProcessingContext, error) {
	processed, err := s.IsProcessed(ctx, eventID)
	if err != nil {
		// a failed check must not stall the stream; the transition guard catches replays
		logger.Warn("failed to check processed marker", "event_id", eventID, "error", err)
	} else if processed {
		return nil, ErrAlreadyProcessed
	}

	lockValue := []byte(fmt.Sprintf("%d", time.Now().UnixNano()))
	acquired, err := s.redis.SetNX(ctx, s.config.LockKeyPrefix+eventID, lockValue, s.config.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockAcquireFailed, err)
	}
	if !acquired {
		return nil, ErrLockAcquireFailed
	}

	return &ProcessingContext{EventID: eventID, lockAcquired: true}, nil
}

func (s *IdempotencyService) MarkSuccess(ctx context.Context, pc *ProcessingContext) error {
	err := s.redis.Set(ctx, s.config.ProcessedKeyPrefix+pc.EventID, []byte("1"), s.config.ProcessedTTL)
	if err != nil {
		return fmt.Errorf("failed to mark as processed: %w", err)
	}
	return s.ReleaseLock(ctx, pc)
}

// ReleaseLock lets a redelivery of the event try again.
func (s *IdempotencyService) ReleaseLock(ctx context.Context, pc *ProcessingContext) error {
	if pc == nil || !pc.lockAcquired {
		return nil
	}
	if err := s.redis.Del(ctx, s.config.LockKeyPrefix+pc.EventID); err != nil {
		logger.Warn("failed to release lock", "event_id", pc.EventID, "error", err)
		return err
	}
	pc.lockAcquired = false
	return nil
}

func (s *IdempotencyService) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	_, err := s.redis.Get(ctx, s.config.ProcessedKeyPrefix+eventID)
	if err != nil {
		if errors.Is(err, redis.NilError) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
