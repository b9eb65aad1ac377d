package agentworker

import (
	"context"
	"sync"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/nimasrn/outbound-caller/internal/dispatch"
	"github.com/nimasrn/outbound-caller/internal/orchestrator"
	"github.com/nimasrn/outbound-caller/pkg/logger"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/twitchtv/twirp"
)

var ErrRoomClosed = errors.New("room connection closed")

// participantTracker follows who is in a room. Waiters are woken on every
// change by closing the current changed channel.
type participantTracker struct {
	mu      sync.Mutex
	present map[string]bool
	closed  bool
	changed chan struct{}
}

func newParticipantTracker() *participantTracker {
	return &participantTracker{present: map[string]bool{}, changed: make(chan struct{})}
}

func (t *participantTracker) update(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn()
	close(t.changed)
	t.changed = make(chan struct{})
}

func (t *participantTracker) joined(identity string) {
	t.update(func() { t.present[identity] = true })
}

func (t *participantTracker) left(identity string) {
	t.update(func() { delete(t.present, identity) })
}

func (t *participantTracker) close() {
	t.update(func() { t.closed = true })
}

// wait blocks until done reports true for the current state.
func (t *participantTracker) wait(ctx context.Context, done func(present map[string]bool, closed bool) (bool, error)) error {
	for {
		t.mu.Lock()
		ok, err := done(t.present, t.closed)
		ch := t.changed
		t.mu.Unlock()
		if ok || err != nil {
			return err
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *participantTracker) waitJoined(ctx context.Context, identity string) error {
	return t.wait(ctx, func(present map[string]bool, closed bool) (bool, error) {
		if present[identity] {
			return true, nil
		}
		if closed {
			return false, ErrRoomClosed
		}
		return false, nil
	})
}

func (t *participantTracker) waitLeft(ctx context.Context, identity string) error {
	return t.wait(ctx, func(present map[string]bool, closed bool) (bool, error) {
		return !present[identity] || closed, nil
	})
}

// Room is a live agent connection to a LiveKit room.
type Room struct {
	room    *lksdk.Room
	name    string
	tracker *participantTracker
	once    sync.Once
}

func (r *Room) Name() string { return r.name }

func (r *Room) WaitForParticipant(ctx context.Context, identity string) error {
	return r.tracker.waitJoined(ctx, identity)
}

func (r *Room) WaitForDisconnect(ctx context.Context, identity string) error {
	return r.tracker.waitLeft(ctx, identity)
}

func (r *Room) Disconnect() {
	r.once.Do(func() {
		r.room.Disconnect()
		r.tracker.close()
	})
}

// RoomConnector joins job rooms with the token issued in the job assignment.
type RoomConnector struct {
	url string
}

func NewRoomConnector(url string) *RoomConnector {
	return &RoomConnector{url: url}
}

func (c *RoomConnector) Connect(_ context.Context, job orchestrator.Job) (orchestrator.Room, error) {
	tracker := newParticipantTracker()
	cb := &lksdk.RoomCallback{
		OnParticipantConnected: func(rp *lksdk.RemoteParticipant) {
			tracker.joined(rp.Identity())
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			tracker.left(rp.Identity())
		},
		OnDisconnected: func() {
			tracker.close()
		},
	}

	url := lo.Ternary(job.URL != "", job.URL, c.url)
	room, err := lksdk.ConnectToRoomWithToken(url, job.Token, cb, lksdk.WithAutoSubscribe(false))
	if err != nil {
		return nil, errors.Wrapf(err, "connect to room %s", job.RoomName)
	}

	// participants already present do not trigger the callback
	for _, rp := range room.GetRemoteParticipants() {
		tracker.joined(rp.Identity())
	}

	logger.Info("connected to room", "room", room.Name(), "job_id", job.ID)
	return &Room{room: room, name: lo.Ternary(room.Name() != "", room.Name(), job.RoomName), tracker: tracker}, nil
}

type sipAPI interface {
	CreateSIPParticipant(ctx context.Context, req *livekit.CreateSIPParticipantRequest) (*livekit.SIPParticipantInfo, error)
}

// SIPDialer places outbound calls through a LiveKit SIP trunk.
type SIPDialer struct {
	api     sipAPI
	trunkID string
}

func NewSIPDialer(url, apiKey, apiSecret, trunkID string) *SIPDialer {
	return &SIPDialer{
		api:     lksdk.NewSIPClient(dispatch.HTTPURL(url), apiKey, apiSecret),
		trunkID: trunkID,
	}
}

func (d *SIPDialer) Dial(ctx context.Context, req orchestrator.DialRequest) error {
	info, err := d.api.CreateSIPParticipant(ctx, &livekit.CreateSIPParticipantRequest{
		SipTrunkId:          d.trunkID,
		SipCallTo:           req.PhoneNumber,
		RoomName:            req.RoomName,
		ParticipantIdentity: req.ParticipantIdentity,
		ParticipantName:     req.ParticipantName,
		KrispEnabled:        true,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return dialErrorFrom(err)
	}
	logger.Debug("sip participant created", "room", req.RoomName, "sip_call_id", info.GetSipCallId())
	return nil
}

// dialErrorFrom keeps the SIP status the platform attaches to twirp errors.
func dialErrorFrom(err error) error {
	var terr twirp.Error
	if errors.As(err, &terr) {
		return &orchestrator.DialError{
			Code:   terr.Meta("sip_status_code"),
			Status: terr.Meta("sip_status"),
			Msg:    terr.Msg(),
		}
	}
	return &orchestrator.DialError{Msg: err.Error()}
}

type roomDeleter interface {
	DeleteRoom(ctx context.Context, req *livekit.DeleteRoomRequest) (*livekit.DeleteRoomResponse, error)
}

// RoomCleaner deletes a job's room once the job is over so a failed call
// does not leave the callee or the pipeline behind.
type RoomCleaner struct {
	api roomDeleter
}

func NewRoomCleaner(url, apiKey, apiSecret string) *RoomCleaner {
	return &RoomCleaner{api: lksdk.NewRoomServiceClient(dispatch.HTTPURL(url), apiKey, apiSecret)}
}

func (c *RoomCleaner) DeleteRoom(ctx context.Context, room string) error {
	_, err := c.api.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: room})
	var terr twirp.Error
	if errors.As(err, &terr) && terr.Code() == twirp.NotFound {
		return nil
	}
	return errors.Wrapf(err, "delete room %s", room)
}
