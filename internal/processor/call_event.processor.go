package processor

import (
	"context"
	"errors"
	"time"

	"github.com/nimasrn/outbound-caller/internal/events"
	"github.com/nimasrn/outbound-caller/internal/model"
	"github.com/nimasrn/outbound-caller/internal/repository"
	"github.com/nimasrn/outbound-caller/pkg/logger"
	"github.com/nimasrn/outbound-caller/pkg/prom"
)

type CallTransitioner interface {
	Transition(ctx context.Context, t model.CallTransition) (*model.CallRecord, error)
}

type Processor interface {
	Process(ctx context.Context, msg *events.Message) error
	GetType() string
}

// CallEventProcessor applies agent call events to call records.
type CallEventProcessor struct {
	calls       CallTransitioner
	idempotency *IdempotencyService
	metrics     *ServiceMetrics
}

func NewCallEventProcessor(calls CallTransitioner, idempotency *IdempotencyService, metrics *ServiceMetrics) *CallEventProcessor {
	if metrics == nil {
		metrics = NewServiceMetrics()
	}
	return &CallEventProcessor{calls: calls, idempotency: idempotency, metrics: metrics}
}

func (p *CallEventProcessor) GetType() string {
	return "call_event"
}

// Process returns an error only for failures worth a redelivery. Events that
// can never apply (unknown room, illegal transition, bad payload) are logged
// and acked. An event that skips a status the record has not reached yet is
// left unacked until the missing event lands.
func (p *CallEventProcessor) Process(ctx context.Context, msg *events.Message) error {
	ev, err := events.Decode(msg)
	if err != nil {
		logger.Error("dropping undecodable call event", "id", msg.ID, "error", err)
		p.metrics.RecordSkipped()
		prom.IncEventProcessed("unknown", "invalid")
		return nil
	}

	pc, err := p.idempotency.AcquireProcessingLock(ctx, ev.ID)
	if err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			p.metrics.RecordSkipped()
			prom.IncEventProcessed(string(ev.Type), "duplicate")
			return nil
		}
		return err
	}

	start := time.Now()
	rec, err := p.calls.Transition(ctx, transitionFor(ev))
	if err != nil {
		if errors.Is(err, repository.ErrCallNotFound) || errors.Is(err, repository.ErrInvalidTransition) {
			logger.Warn("call event not applicable", "event_id", ev.ID, "room", ev.RoomName, "type", ev.Type, "error", err)
			p.metrics.RecordSkipped()
			prom.IncEventProcessed(string(ev.Type), "skipped")
			return p.idempotency.MarkSuccess(ctx, pc)
		}
		_ = p.idempotency.ReleaseLock(ctx, pc)
		p.metrics.RecordFailure()
		if errors.Is(err, repository.ErrTransitionAhead) {
			logger.Warn("call event ahead of record, retrying later", "event_id", ev.ID, "room", ev.RoomName, "type", ev.Type)
			prom.IncEventProcessed(string(ev.Type), "deferred")
			return err
		}
		prom.IncEventProcessed(string(ev.Type), "error")
		return err
	}

	p.metrics.RecordApplied(time.Since(start))
	prom.IncEventProcessed(string(ev.Type), "applied")
	logger.Info("call record updated", "room", rec.RoomName, "status", rec.Status, "event_id", ev.ID)

	return p.idempotency.MarkSuccess(ctx, pc)
}

func transitionFor(ev model.CallEvent) model.CallTransition {
	t := model.CallTransition{
		RoomName:   ev.RoomName,
		To:         ev.Status(),
		At:         ev.At,
		Transcript: ev.Transcript,
	}

	meta := map[string]any{}
	if ev.JobID != "" {
		meta["job_id"] = ev.JobID
	}
	if ev.Type == model.CallEventFailed {
		if ev.Reason != "" {
			meta["failure_reason"] = ev.Reason
		}
		if ev.SIPStatusCode != "" {
			meta["sip_status_code"] = ev.SIPStatusCode
		}
		if ev.SIPStatus != "" {
			meta["sip_status"] = ev.SIPStatus
		}
	}
	if len(meta) > 0 {
		t.Metadata = meta
	}
	return t
}
