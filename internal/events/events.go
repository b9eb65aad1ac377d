// Package events carries call lifecycle events from the agent to the recorder
// over a Redis stream.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/nimasrn/outbound-caller/internal/model"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const metaEventType = "type"

// Publisher sends CallEvents. It fills in ID and At when they are empty.
type Publisher struct {
	stream *Stream
	now    func() time.Time
}

func NewPublisher(stream *Stream) *Publisher {
	return &Publisher{stream: stream, now: time.Now}
}

func (p *Publisher) Publish(ctx context.Context, ev model.CallEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = p.now()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode call event")
	}
	_, err = p.stream.Publish(ctx, data, map[string]string{metaEventType: string(ev.Type)})
	return err
}

// Decode reads the CallEvent carried by msg.
func Decode(msg *Message) (model.CallEvent, error) {
	var ev model.CallEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		return ev, errors.Wrapf(err, "decode call event %s", msg.ID)
	}
	if ev.ID == "" {
		ev.ID = msg.ID
	}
	if ev.RoomName == "" {
		return ev, errors.Errorf("call event %s has no room name", msg.ID)
	}
	return ev, nil
}
