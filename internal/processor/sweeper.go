package processor

import (
	"context"
	"errors"
	"time"

	"github.com/nimasrn/outbound-caller/internal/model"
	"github.com/nimasrn/outbound-caller/internal/repository"
	"github.com/nimasrn/outbound-caller/pkg/logger"
	"github.com/nimasrn/outbound-caller/pkg/prom"
)

const (
	ReasonDispatchExpired = "dispatch expired"
	ReasonCallOverran     = "call exceeded max duration"

	// agents close the session at the max duration; leave them time to report
	overrunGrace = 5 * time.Minute
)

type CallStore interface {
	CallTransitioner
	StalePending(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	StaleConnected(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	Stats(ctx context.Context, recent int) (*model.CallStats, error)
}

// Sweeper fails calls whose agent never reported back: pending calls no agent
// picked up in time and connected calls that outlived the max call duration.
// It also keeps the per-status gauges current.
type Sweeper struct {
	calls   CallStore
	expiry  time.Duration
	maxCall time.Duration
	batch   int
	now     func() time.Time
}

// NewSweeper builds a sweeper. A zero maxCall disables the connected sweep.
func NewSweeper(calls CallStore, expiry, maxCall time.Duration) *Sweeper {
	return &Sweeper{calls: calls, expiry: expiry, maxCall: maxCall, batch: 200, now: time.Now}
}

// ExpirePending returns how many records were failed.
func (s *Sweeper) ExpirePending(ctx context.Context) (int, error) {
	now := s.now()
	rooms, err := s.calls.StalePending(ctx, now.Add(-s.expiry), s.batch)
	if err != nil {
		return 0, err
	}
	expired, err := s.failAll(ctx, rooms, now, ReasonDispatchExpired)
	if expired > 0 {
		logger.Info("expired stale pending calls", "count", expired, "older_than", s.expiry)
	}
	return expired, err
}

// ExpireConnected returns how many records were failed.
func (s *Sweeper) ExpireConnected(ctx context.Context) (int, error) {
	if s.maxCall <= 0 {
		return 0, nil
	}
	now := s.now()
	limit := s.maxCall + overrunGrace
	rooms, err := s.calls.StaleConnected(ctx, now.Add(-limit), s.batch)
	if err != nil {
		return 0, err
	}
	expired, err := s.failAll(ctx, rooms, now, ReasonCallOverran)
	if expired > 0 {
		logger.Warn("failed connected calls with no outcome", "count", expired, "older_than", limit)
	}
	return expired, err
}

func (s *Sweeper) failAll(ctx context.Context, rooms []string, at time.Time, reason string) (int, error) {
	failed := 0
	for _, room := range rooms {
		_, err := s.calls.Transition(ctx, model.CallTransition{
			RoomName: room,
			To:       model.CallStatusFailed,
			At:       at,
			Metadata: map[string]any{"failure_reason": reason},
		})
		if err != nil {
			if errors.Is(err, repository.ErrInvalidTransition) {
				continue
			}
			return failed, err
		}
		failed++
	}
	return failed, nil
}

func (s *Sweeper) ReportGauges(ctx context.Context) error {
	stats, err := s.calls.Stats(ctx, 0)
	if err != nil {
		return err
	}
	prom.SetCallRecords(string(model.CallStatusPending), stats.Pending)
	prom.SetCallRecords(string(model.CallStatusConnected), stats.Connected)
	prom.SetCallRecords(string(model.CallStatusCompleted), stats.Completed)
	prom.SetCallRecords(string(model.CallStatusFailed), stats.Failed)
	return nil
}
