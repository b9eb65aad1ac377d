package events

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nimasrn/outbound-caller/pkg/logger"
	"github.com/nimasrn/outbound-caller/pkg/redis"
)

// Message is one stream entry handed to a Handler.
type Message struct {
	ID        string
	Data      []byte
	Metadata  map[string]string
	Timestamp time.Time
	// Deliveries counts how many times the entry was handed out, this one included.
	Deliveries int64
}

// Handler processes one message. A nil error acks it; any error leaves it
// pending so it is claimed again after the visibility timeout.
type Handler func(ctx context.Context, msg *Message) error

type StreamConfig struct {
	Name              string
	ConsumerGroup     string
	ConsumerName      string
	MaxRetries        int
	VisibilityTimeout time.Duration
	Block             time.Duration
	BatchSize         int64
	MaxLen            int64
	EnableDLQ         bool
}

// Stream is a Redis stream with one consumer group.
type Stream struct {
	adapter redis.RedisAdapter
	config  StreamConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type StreamStats struct {
	Length    int64
	Pending   int64
	Consumers int64
}

func NewStream(ctx context.Context, adapter redis.RedisAdapter, config StreamConfig) (*Stream, error) {
	if config.Name == "" {
		return nil, errors.New("stream name is required")
	}
	if config.ConsumerGroup == "" {
		config.ConsumerGroup = "default-group"
	}
	if config.ConsumerName == "" {
		config.ConsumerName = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.VisibilityTimeout == 0 {
		config.VisibilityTimeout = 30 * time.Second
	}
	if config.Block == 0 {
		config.Block = time.Second
	}
	if config.BatchSize == 0 {
		config.BatchSize = 10
	}

	s := &Stream{adapter: adapter, config: config}

	err := adapter.XGroupCreateMkStream(ctx, config.Name, config.ConsumerGroup, "0")
	if err != nil && !isBusyGroup(err) {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return s, nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func (s *Stream) Name() string {
	return s.config.Name
}

// Publish appends data to the stream.
func (s *Stream) Publish(ctx context.Context, data []byte, metadata map[string]string) (string, error) {
	values := map[string]interface{}{
		"data":      string(data),
		"timestamp": time.Now().UnixMilli(),
	}
	for k, v := range metadata {
		values["meta_"+k] = v
	}

	id, err := s.adapter.XAdd(ctx, s.config.Name, values)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", s.config.Name, err)
	}

	if s.config.MaxLen > 0 {
		if err := s.adapter.XTrimApprox(ctx, s.config.Name, s.config.MaxLen); err != nil {
			logger.Warn("stream trim failed", "stream", s.config.Name, "error", err)
		}
	}
	return id, nil
}

// Consume reads the stream in the background until ctx is done or Stop is called.
func (s *Stream) Consume(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("message handler is required")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.consumeLoop(ctx, handler)
	return nil
}

func (s *Stream) consumeLoop(ctx context.Context, handler Handler) {
	defer s.wg.Done()

	claimTicker := time.NewTicker(s.config.VisibilityTimeout / 2)
	defer claimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-claimTicker.C:
			s.claimStuck(ctx, handler)
		default:
		}

		n := s.readNew(ctx, handler)
		if n == 0 {
			// XREADGROUP already blocked for config.Block when the server supports it
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
}

func (s *Stream) readNew(ctx context.Context, handler Handler) int {
	entries, err := s.adapter.XReadGroup(ctx, s.config.ConsumerGroup, s.config.ConsumerName, s.config.Name, s.config.BatchSize, s.config.Block)
	if err != nil {
		if !errors.Is(err, redis.NilError) && ctx.Err() == nil {
			logger.Error("stream read failed", "stream", s.config.Name, "error", err)
			time.Sleep(time.Second)
		}
		return 0
	}

	for _, entry := range entries {
		msg := toMessage(entry)
		msg.Deliveries = 1
		s.handle(ctx, handler, msg)
	}
	return len(entries)
}

func (s *Stream) claimStuck(ctx context.Context, handler Handler) {
	pending, err := s.adapter.XPendingExt(ctx, s.config.Name, s.config.ConsumerGroup, 100)
	if err != nil || len(pending) == 0 {
		return
	}

	deliveries := make(map[string]int64, len(pending))
	var ids []string
	for _, p := range pending {
		if p.Idle >= s.config.VisibilityTimeout {
			ids = append(ids, p.ID)
			deliveries[p.ID] = p.RetryCount
		}
	}
	if len(ids) == 0 {
		return
	}

	entries, err := s.adapter.XClaim(ctx, s.config.Name, s.config.ConsumerGroup, s.config.ConsumerName, s.config.VisibilityTimeout, ids...)
	if err != nil {
		logger.Warn("stream claim failed", "stream", s.config.Name, "error", err)
		return
	}

	for _, entry := range entries {
		msg := toMessage(entry)
		msg.Deliveries = deliveries[entry.ID] + 1
		s.handle(ctx, handler, msg)
	}
}

func (s *Stream) handle(ctx context.Context, handler Handler, msg *Message) {
	if msg.Deliveries > int64(s.config.MaxRetries) {
		logger.Warn("message exceeded retries", "stream", s.config.Name, "id", msg.ID, "deliveries", msg.Deliveries)
		s.moveToDeadLetter(ctx, msg)
		s.ack(ctx, msg.ID)
		return
	}

	hctx, cancel := context.WithTimeout(ctx, s.config.VisibilityTimeout)
	defer cancel()

	if err := handler(hctx, msg); err != nil {
		logger.Warn("message handler failed", "stream", s.config.Name, "id", msg.ID, "deliveries", msg.Deliveries, "error", err)
		return
	}
	s.ack(ctx, msg.ID)
}

func (s *Stream) ack(ctx context.Context, id string) {
	if err := s.adapter.XAck(ctx, s.config.Name, s.config.ConsumerGroup, id); err != nil {
		logger.Error("stream ack failed", "stream", s.config.Name, "id", id, "error", err)
	}
}

func (s *Stream) moveToDeadLetter(ctx context.Context, msg *Message) {
	if !s.config.EnableDLQ {
		return
	}

	values := map[string]interface{}{
		"data":            string(msg.Data),
		"original_id":     msg.ID,
		"deliveries":      msg.Deliveries,
		"failed_at":       time.Now().UnixMilli(),
		"original_stream": s.config.Name,
	}
	for k, v := range msg.Metadata {
		values["meta_"+k] = v
	}
	if _, err := s.adapter.XAdd(ctx, s.DeadLetterName(), values); err != nil {
		logger.Error("dead letter publish failed", "stream", s.config.Name, "id", msg.ID, "error", err)
	}
}

func (s *Stream) DeadLetterName() string {
	return s.config.Name + ":dlq"
}

func toMessage(entry redis.StreamMessage) *Message {
	msg := &Message{ID: entry.ID, Metadata: make(map[string]string)}

	for k, v := range entry.Values {
		str, _ := v.(string)
		switch {
		case k == "data":
			msg.Data = []byte(str)
		case k == "timestamp":
			if ms, err := strconv.ParseInt(str, 10, 64); err == nil {
				msg.Timestamp = time.UnixMilli(ms)
			}
		case strings.HasPrefix(k, "meta_"):
			msg.Metadata[strings.TrimPrefix(k, "meta_")] = str
		}
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return msg
}

// Stop cancels consumption and waits for the in-flight message.
func (s *Stream) Stop(timeout time.Duration) error {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("timeout waiting for stream consumer to stop")
	}
}

func (s *Stream) Stats(ctx context.Context) (*StreamStats, error) {
	length, err := s.adapter.XLen(ctx, s.config.Name)
	if err != nil {
		return nil, err
	}
	stats := &StreamStats{Length: length}

	if pending, err := s.adapter.XPending(ctx, s.config.Name, s.config.ConsumerGroup); err == nil && pending != nil {
		stats.Pending = pending.Count
		stats.Consumers = int64(len(pending.Consumers))
	}
	return stats, nil
}
