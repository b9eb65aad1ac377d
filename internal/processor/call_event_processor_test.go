package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/nimasrn/outbound-caller/internal/events"
	"github.com/nimasrn/outbound-caller/internal/model"
	"github.com/nimasrn/outbound-caller/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockTransitioner struct {
	mock.Mock
}

func (m *mockTransitioner) Transition(ctx context.Context, t model.CallTransition) (*model.CallRecord, error) {
	args := m.Called(ctx, t)
	if rec := args.Get(0); rec != nil {
		return rec.(*model.CallRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func eventMessage(t *testing.T, ev model.CallEvent) *events.Message {
	data, err := jsoniter.Marshal(ev)
	require.NoError(t, err)
	return &events.Message{ID: "1-0", Data: data, Deliveries: 1}
}

func newTestProcessor(t *testing.T, calls CallTransitioner) (*CallEventProcessor, *IdempotencyService, *ServiceMetrics) {
	_, adapter := setupTestRedis(t)
	idem := NewIdempotencyService(adapter, DefaultIdempotencyConfig())
	metrics := NewServiceMetrics()
	return NewCallEventProcessor(calls, idem, metrics), idem, metrics
}

func TestCallEventProcessor_AppliesFailedEvent(t *testing.T) {
	calls := new(mockTransitioner)
	p, idem, metrics := newTestProcessor(t, calls)
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	calls.On("Transition", mock.Anything, mock.MatchedBy(func(tr model.CallTransition) bool {
		return tr.RoomName == "outbound-1" &&
			tr.To == model.CallStatusFailed &&
			tr.At.Equal(at) &&
			tr.Metadata["sip_status_code"] == "486" &&
			tr.Metadata["sip_status"] == "Busy Here" &&
			tr.Metadata["job_id"] == "AJ_1"
	})).Return(&model.CallRecord{RoomName: "outbound-1", Status: model.CallStatusFailed}, nil).Once()

	msg := eventMessage(t, model.CallEvent{
		ID: "ev-1", Type: model.CallEventFailed, RoomName: "outbound-1", JobID: "AJ_1", At: at,
		Reason: "dial failed", SIPStatusCode: "486", SIPStatus: "Busy Here",
	})
	require.NoError(t, p.Process(ctx, msg))

	processed, err := idem.IsProcessed(ctx, "ev-1")
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, int64(1), metrics.Snapshot().Applied)

	// redelivery is acked without touching the record
	require.NoError(t, p.Process(ctx, msg))
	calls.AssertNumberOfCalls(t, "Transition", 1)
	assert.Equal(t, int64(1), metrics.Snapshot().Skipped)
}

func TestCallEventProcessor_ConnectedOmitsFailureFields(t *testing.T) {
	calls := new(mockTransitioner)
	p, _, _ := newTestProcessor(t, calls)

	calls.On("Transition", mock.Anything, mock.MatchedBy(func(tr model.CallTransition) bool {
		_, hasReason := tr.Metadata["failure_reason"]
		return tr.To == model.CallStatusConnected && !hasReason
	})).Return(&model.CallRecord{RoomName: "r", Status: model.CallStatusConnected}, nil)

	msg := eventMessage(t, model.CallEvent{ID: "ev-c", Type: model.CallEventConnected, RoomName: "r", JobID: "AJ", Reason: "ignored"})
	require.NoError(t, p.Process(context.Background(), msg))
	calls.AssertExpectations(t)
}

func TestCallEventProcessor_UnapplicableEventsAreAcked(t *testing.T) {
	for name, repoErr := range map[string]error{
		"unknown room":       repository.ErrCallNotFound,
		"illegal transition": repository.ErrInvalidTransition,
	} {
		t.Run(name, func(t *testing.T) {
			calls := new(mockTransitioner)
			p, idem, metrics := newTestProcessor(t, calls)
			calls.On("Transition", mock.Anything, mock.Anything).Return(nil, repoErr)

			msg := eventMessage(t, model.CallEvent{ID: "ev-x", Type: model.CallEventCompleted, RoomName: "gone"})
			require.NoError(t, p.Process(context.Background(), msg))

			processed, err := idem.IsProcessed(context.Background(), "ev-x")
			require.NoError(t, err)
			assert.True(t, processed)
			assert.Equal(t, int64(1), metrics.Snapshot().Skipped)
		})
	}
}

func TestCallEventProcessor_TransientErrorReleasesLock(t *testing.T) {
	calls := new(mockTransitioner)
	p, idem, metrics := newTestProcessor(t, calls)
	ctx := context.Background()

	calls.On("Transition", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset")).Once()
	calls.On("Transition", mock.Anything, mock.Anything).Return(&model.CallRecord{RoomName: "r", Status: model.CallStatusCompleted}, nil).Once()

	msg := eventMessage(t, model.CallEvent{ID: "ev-t", Type: model.CallEventCompleted, RoomName: "r"})
	assert.Error(t, p.Process(ctx, msg))
	assert.Equal(t, int64(1), metrics.Snapshot().Failed)

	processed, err := idem.IsProcessed(ctx, "ev-t")
	require.NoError(t, err)
	assert.False(t, processed)

	require.NoError(t, p.Process(ctx, msg))
	calls.AssertNumberOfCalls(t, "Transition", 2)
}

func TestCallEventProcessor_UndecodableIsDropped(t *testing.T) {
	calls := new(mockTransitioner)
	p, _, metrics := newTestProcessor(t, calls)

	require.NoError(t, p.Process(context.Background(), &events.Message{ID: "1-0", Data: []byte("{")}))
	calls.AssertNotCalled(t, "Transition", mock.Anything, mock.Anything)
	assert.Equal(t, int64(1), metrics.Snapshot().Skipped)
}

func TestCallEventProcessor_AgainstRepository(t *testing.T) {
	repo := repository.NewCallRecordRepository(repository.NewTestDB(t))
	p, _, _ := newTestProcessor(t, repo)
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Create(ctx, &model.CallRecord{RoomName: "outbound-7", CustomerName: "Sam", CustomerPhone: "+1", Status: model.CallStatusPending}))

	require.NoError(t, p.Process(ctx, eventMessage(t, model.CallEvent{ID: "a", Type: model.CallEventConnected, RoomName: "outbound-7", At: start})))
	require.NoError(t, p.Process(ctx, eventMessage(t, model.CallEvent{ID: "b", Type: model.CallEventCompleted, RoomName: "outbound-7", At: start.Add(time.Minute), Transcript: "agent: hi"})))
	// late failure after completion does not regress the record
	require.NoError(t, p.Process(ctx, eventMessage(t, model.CallEvent{ID: "c", Type: model.CallEventFailed, RoomName: "outbound-7", At: start.Add(2 * time.Minute)})))

	rec, err := repo.FindByRoom(ctx, "outbound-7")
	require.NoError(t, err)
	assert.Equal(t, model.CallStatusCompleted, rec.Status)
	assert.Equal(t, "agent: hi", rec.Transcript)
	require.NotNil(t, rec.Duration)
	assert.InDelta(t, 60.0, *rec.Duration, 0.001)
}

// flakyCalls fails the first transition it sees, then defers to the repository.
type flakyCalls struct {
	*repository.CallRecordRepository
	failed bool
}

func (f *flakyCalls) Transition(ctx context.Context, t model.CallTransition) (*model.CallRecord, error) {
	if !f.failed {
		f.failed = true
		return nil, errors.New("db: connection reset")
	}
	return f.CallRecordRepository.Transition(ctx, t)
}

func TestCallEventProcessor_CompletedBeforeConnectedIsRetried(t *testing.T) {
	repo := repository.NewCallRecordRepository(repository.NewTestDB(t))
	p, idem, _ := newTestProcessor(t, &flakyCalls{CallRecordRepository: repo})
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Create(ctx, &model.CallRecord{RoomName: "outbound-8", CustomerName: "Sam", CustomerPhone: "+1", Status: model.CallStatusPending}))

	connected := eventMessage(t, model.CallEvent{ID: "a", Type: model.CallEventConnected, RoomName: "outbound-8", At: start})
	completed := eventMessage(t, model.CallEvent{ID: "b", Type: model.CallEventCompleted, RoomName: "outbound-8", At: start.Add(time.Minute), Transcript: "agent: hi"})

	assert.Error(t, p.Process(ctx, connected))

	err := p.Process(ctx, completed)
	assert.ErrorIs(t, err, repository.ErrTransitionAhead)
	processed, err := idem.IsProcessed(ctx, "b")
	require.NoError(t, err)
	assert.False(t, processed)

	require.NoError(t, p.Process(ctx, connected))
	require.NoError(t, p.Process(ctx, completed))

	rec, err := repo.FindByRoom(ctx, "outbound-8")
	require.NoError(t, err)
	assert.Equal(t, model.CallStatusCompleted, rec.Status)
	assert.Equal(t, "agent: hi", rec.Transcript)
	require.NotNil(t, rec.CallEnd)
	require.NotNil(t, rec.Duration)
	assert.InDelta(t, 60.0, *rec.Duration, 0.001)
}
