package services

import (
	"context"
	"time"

	"github.com/nimasrn/outbound-caller/internal/dispatch"
	"github.com/nimasrn/outbound-caller/internal/model"
	"github.com/nimasrn/outbound-caller/pkg/logger"
	"github.com/nimasrn/outbound-caller/pkg/prom"
	"github.com/pkg/errors"
)

type CallRepository interface {
	Create(ctx context.Context, rec *model.CallRecord) error
	SetDispatchID(ctx context.Context, roomName, dispatchID string) error
	Transition(ctx context.Context, t model.CallTransition) (*model.CallRecord, error)
}

type SubmitResult struct {
	RoomName   string `json:"room_name"`
	DispatchID string `json:"dispatch_id"`
}

// CallService turns form submissions into dispatched agent jobs.
type CallService struct {
	calls      CallRepository
	dispatcher dispatch.Dispatcher
	encoder    *dispatch.Encoder
	agentName  string
	roomPrefix string
	newRoom    func(prefix string) string
}

func NewCallService(calls CallRepository, dispatcher dispatch.Dispatcher, agentName, roomPrefix string) *CallService {
	return &CallService{
		calls:      calls,
		dispatcher: dispatcher,
		encoder:    dispatch.NewEncoder(),
		agentName:  agentName,
		roomPrefix: roomPrefix,
		newRoom:    dispatch.NewRoomName,
	}
}

// Submit validates the form, records a pending call and dispatches the agent.
// It returns a *dispatch.ValidationError for bad input and an error matching
// dispatch.ErrDispatchFailed when the control plane refuses the job.
func (s *CallService) Submit(ctx context.Context, sub dispatch.Submission) (*SubmitResult, error) {
	if err := s.encoder.Validate(sub); err != nil {
		return nil, err
	}

	room := s.newRoom(s.roomPrefix)
	payload, err := s.encoder.Encode(room, sub)
	if err != nil {
		return nil, err
	}

	info := payload.DialInfo
	rec := &model.CallRecord{
		RoomName:      room,
		CustomerName:  info.Name,
		CustomerPhone: info.PhoneNumber,
		CustomerEmail: info.Email,
		CustomerQuery: info.QueryText(),
		Status:        model.CallStatusPending,
	}
	if err := s.calls.Create(ctx, rec); err != nil {
		return nil, errors.Wrap(err, "record call")
	}

	log := logger.With("room", room)
	start := time.Now()
	res, err := s.dispatcher.CreateDispatch(ctx, dispatch.Request{
		AgentName: s.agentName,
		RoomName:  room,
		Metadata:  payload.Metadata,
	})
	if err != nil {
		prom.ObserveDispatch("error", time.Since(start))
		log.Error("agent dispatch failed", "error", err)
		s.markFailed(ctx, room, err)
		return nil, err
	}
	prom.ObserveDispatch("ok", time.Since(start))

	if res.Assigned {
		if err := s.calls.SetDispatchID(ctx, room, res.ID); err != nil {
			log.Warn("failed to store dispatch id", "dispatch_id", res.ID, "error", err)
		}
	}
	log.Info("agent dispatched", "dispatch_id", res.ID, "agent_name", s.agentName)

	return &SubmitResult{RoomName: room, DispatchID: res.ID}, nil
}

func (s *CallService) markFailed(ctx context.Context, room string, cause error) {
	_, err := s.calls.Transition(context.WithoutCancel(ctx), model.CallTransition{
		RoomName: room,
		To:       model.CallStatusFailed,
		At:       time.Now(),
		Metadata: map[string]any{"failure_reason": cause.Error()},
	})
	if err != nil {
		logger.Error("failed to mark call as failed", "room", room, "error", err)
	}
}
