// Package orchestrator runs one outbound call job: it joins the room, dials
// the callee, waits for pickup and hands the call to a conversational session.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nimasrn/outbound-caller/internal/dispatch"
	"github.com/nimasrn/outbound-caller/internal/greeting"
	"github.com/nimasrn/outbound-caller/internal/model"
	"github.com/nimasrn/outbound-caller/pkg/logger"
	"github.com/nimasrn/outbound-caller/pkg/prom"
	"github.com/pkg/errors"
)

var (
	ErrNoPhoneNumber  = errors.New("no destination phone number")
	ErrPickupTimeout  = errors.New("callee did not pick up in time")
	ErrJobTerminated  = errors.New("job terminated")
	ErrSessionFailure = errors.New("conversational session failed")
)

// Job is the slice of a dispatched agent job the orchestrator needs.
type Job struct {
	ID         string
	DispatchID string
	RoomName   string
	Metadata   string
	URL        string
	Token      string
}

type Room interface {
	Name() string
	// WaitForParticipant blocks until identity has joined or ctx ends.
	WaitForParticipant(ctx context.Context, identity string) error
	// WaitForDisconnect blocks until identity leaves, the room closes or ctx ends.
	WaitForDisconnect(ctx context.Context, identity string) error
	Disconnect()
}

type Connector interface {
	Connect(ctx context.Context, job Job) (Room, error)
}

type DialRequest struct {
	RoomName            string
	PhoneNumber         string
	ParticipantIdentity string
	ParticipantName     string
}

type Dialer interface {
	// Dial asks the platform to place the call. Carrier rejections come back as *DialError.
	Dial(ctx context.Context, req DialRequest) error
}

// DialError is a carrier or trunk level rejection of the outbound call.
type DialError struct {
	Code   string
	Status string
	Msg    string
}

func (e *DialError) Error() string {
	if e.Code == "" {
		return "dial failed: " + e.Msg
	}
	return fmt.Sprintf("dial failed: %s (SIP %s %s)", e.Msg, e.Code, e.Status)
}

type SessionRequest struct {
	RoomName            string
	ParticipantIdentity string
	Instructions        string
	JobID               string
}

type Session interface {
	GenerateReply(ctx context.Context, instructions string) error
	// Close ends the session and returns the transcript.
	Close(ctx context.Context) (string, error)
}

type SessionStarter interface {
	Start(ctx context.Context, req SessionRequest) (Session, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, ev model.CallEvent) error
}

type Config struct {
	DefaultPhoneNumber string
	AgentDisplayName   string
	PickupTimeout      time.Duration
	MaxCallDuration    time.Duration
}

type Orchestrator struct {
	connector Connector
	dialer    Dialer
	sessions  SessionStarter
	events    EventPublisher
	greeter   *greeting.Builder
	config    Config
}

func New(cfg Config, connector Connector, dialer Dialer, sessions SessionStarter, events EventPublisher) *Orchestrator {
	return &Orchestrator{
		connector: connector,
		dialer:    dialer,
		sessions:  sessions,
		events:    events,
		greeter:   greeting.NewBuilder(cfg.AgentDisplayName),
		config:    cfg,
	}
}

// ResolveDialInfo parses job metadata. Empty or malformed metadata falls back
// to the default phone number and never fails.
func ResolveDialInfo(metadata, defaultPhone string) model.DialInfo {
	if strings.TrimSpace(metadata) == "" {
		return model.DialInfo{PhoneNumber: defaultPhone}
	}
	info, err := dispatch.DecodeMetadata(metadata)
	if err != nil {
		logger.Warn("malformed job metadata, using default phone number", "error", err)
		return model.DialInfo{PhoneNumber: defaultPhone}
	}
	if strings.TrimSpace(info.PhoneNumber) == "" {
		info.PhoneNumber = defaultPhone
	}
	return info
}

// Run drives the job to a terminal state. The returned error is what the
// platform is told; the matching call event has already been published.
func (o *Orchestrator) Run(ctx context.Context, job Job) error {
	log := logger.With("job_id", job.ID, "room", job.RoomName, "dispatch_id", job.DispatchID)

	room, err := o.connector.Connect(ctx, job)
	if err != nil {
		return o.fail(ctx, log, job, "room connection failed", errors.Wrap(err, "connect to room"))
	}
	defer room.Disconnect()

	info := ResolveDialInfo(job.Metadata, o.config.DefaultPhoneNumber)
	if info.PhoneNumber == "" {
		return o.fail(ctx, log, job, ErrNoPhoneNumber.Error(), ErrNoPhoneNumber)
	}
	identity := info.ParticipantIdentity()
	log = log.With("identity", identity)

	log.Info("placing outbound call")
	err = o.dialer.Dial(ctx, DialRequest{
		RoomName:            room.Name(),
		PhoneNumber:         info.PhoneNumber,
		ParticipantIdentity: identity,
		ParticipantName:     info.Name,
	})
	if err != nil {
		if ctx.Err() != nil {
			return o.fail(ctx, log, job, ErrJobTerminated.Error(), ErrJobTerminated)
		}
		return o.fail(ctx, log, job, "dial failed", err)
	}

	waitStart := time.Now()
	if err := o.waitForPickup(ctx, room, identity); err != nil {
		return o.fail(ctx, log, job, err.Error(), err)
	}
	prom.ObservePickupWait(time.Since(waitStart))
	log.Info("callee joined")
	o.publish(ctx, log, model.CallEvent{Type: model.CallEventConnected, RoomName: job.RoomName, JobID: job.ID, DispatchID: job.DispatchID})

	sess, err := o.sessions.Start(ctx, SessionRequest{
		RoomName:            room.Name(),
		ParticipantIdentity: identity,
		Instructions:        greeting.AgentInstructions(o.config.AgentDisplayName),
		JobID:               job.ID,
	})
	if err != nil {
		return o.fail(ctx, log, job, "session start failed", errors.Wrap(ErrSessionFailure, err.Error()))
	}

	greet := o.greeter.Build(info.Name, info.Query)
	if err := sess.GenerateReply(ctx, greeting.Instruction(greet)); err != nil {
		_, _ = sess.Close(context.Background())
		return o.fail(ctx, log, job, "greeting failed", errors.Wrap(ErrSessionFailure, err.Error()))
	}

	o.waitForHangup(ctx, log, room, identity)

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	transcript, err := sess.Close(closeCtx)
	if err != nil {
		log.Warn("closing session failed", "error", err)
	}

	if ctx.Err() != nil {
		o.publish(closeCtx, log, model.CallEvent{
			Type: model.CallEventFailed, RoomName: job.RoomName, JobID: job.ID, DispatchID: job.DispatchID,
			Reason: ErrJobTerminated.Error(), Transcript: transcript,
		})
		prom.IncCallJob("terminated")
		log.Warn("job terminated during call")
		return ErrJobTerminated
	}

	o.publish(closeCtx, log, model.CallEvent{
		Type: model.CallEventCompleted, RoomName: job.RoomName, JobID: job.ID, DispatchID: job.DispatchID, Transcript: transcript,
	})
	prom.IncCallJob("completed")
	log.Info("call completed")
	return nil
}

func (o *Orchestrator) waitForPickup(ctx context.Context, room Room, identity string) error {
	waitCtx := ctx
	if o.config.PickupTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, o.config.PickupTimeout)
		defer cancel()
	}

	err := room.WaitForParticipant(waitCtx, identity)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ErrJobTerminated
	case errors.Is(err, context.DeadlineExceeded):
		return ErrPickupTimeout
	default:
		return errors.Wrap(err, "wait for participant")
	}
}

// waitForHangup returns once the callee leaves, the job ends or the call
// exceeds its maximum duration.
func (o *Orchestrator) waitForHangup(ctx context.Context, log logger.Logger, room Room, identity string) {
	waitCtx := ctx
	if o.config.MaxCallDuration > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, o.config.MaxCallDuration)
		defer cancel()
	}
	if err := room.WaitForDisconnect(waitCtx, identity); err != nil && ctx.Err() == nil {
		log.Warn("call ended without hangup", "error", err)
	}
}

func (o *Orchestrator) fail(ctx context.Context, log logger.Logger, job Job, reason string, cause error) error {
	ev := model.CallEvent{Type: model.CallEventFailed, RoomName: job.RoomName, JobID: job.ID, DispatchID: job.DispatchID, Reason: reason}

	var dialErr *DialError
	if errors.As(cause, &dialErr) {
		ev.SIPStatusCode = dialErr.Code
		ev.SIPStatus = dialErr.Status
		prom.IncDialFailure(dialErr.Code)
		log.Error("error creating SIP participant", "error", dialErr.Msg, "sip_status_code", dialErr.Code, "sip_status", dialErr.Status)
	} else {
		log.Error("call job failed", "reason", reason, "error", cause)
	}

	// the job context may already be gone
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	o.publish(pubCtx, log, ev)
	if errors.Is(cause, ErrJobTerminated) {
		prom.IncCallJob("terminated")
	} else {
		prom.IncCallJob("failed")
	}
	return cause
}

func (o *Orchestrator) publish(ctx context.Context, log logger.Logger, ev model.CallEvent) {
	if o.events == nil {
		return
	}
	if err := o.events.Publish(ctx, ev); err != nil {
		log.Error("failed to publish call event", "type", ev.Type, "error", err)
	}
}
