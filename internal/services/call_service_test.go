package services

import (
	"context"
	"regexp"
	"testing"

	"github.com/nimasrn/outbound-caller/internal/dispatch"
	"github.com/nimasrn/outbound-caller/internal/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockCallRepository struct {
	mock.Mock
}

func (m *MockCallRepository) Create(ctx context.Context, rec *model.CallRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *MockCallRepository) SetDispatchID(ctx context.Context, roomName, dispatchID string) error {
	return m.Called(ctx, roomName, dispatchID).Error(0)
}

func (m *MockCallRepository) Transition(ctx context.Context, t model.CallTransition) (*model.CallRecord, error) {
	args := m.Called(ctx, t)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.CallRecord), args.Error(1)
}

type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) CreateDispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dispatch.Result), args.Error(1)
}

func (m *MockDispatcher) Close() error {
	return m.Called().Error(0)
}

var roomPattern = regexp.MustCompile(`^outbound-\d{10}$`)

func TestCallService_Submit_Success(t *testing.T) {
	calls := new(MockCallRepository)
	dispatcher := new(MockDispatcher)
	svc := NewCallService(calls, dispatcher, "FRAN-TIGER", "outbound")
	ctx := context.Background()

	var created *model.CallRecord
	calls.On("Create", ctx, mock.AnythingOfType("*model.CallRecord")).
		Run(func(args mock.Arguments) { created = args.Get(1).(*model.CallRecord) }).
		Return(nil).Once()
	dispatcher.On("CreateDispatch", ctx, mock.MatchedBy(func(req dispatch.Request) bool {
		return req.AgentName == "FRAN-TIGER" && roomPattern.MatchString(req.RoomName) &&
			req.Metadata == `{"phone_number":"+15551234","name":"Sam","query":"billing"}`
	})).Return(&dispatch.Result{ID: "AD_1", Assigned: true}, nil).Once()
	calls.On("SetDispatchID", ctx, mock.Anything, "AD_1").Return(nil).Once()

	res, err := svc.Submit(ctx, dispatch.Submission{Name: " Sam ", Phone: "+15551234", Query: "billing"})
	require.NoError(t, err)

	assert.Regexp(t, roomPattern, res.RoomName)
	assert.Equal(t, "AD_1", res.DispatchID)
	require.NotNil(t, created)
	assert.Equal(t, res.RoomName, created.RoomName)
	assert.Equal(t, model.CallStatusPending, created.Status)
	assert.Equal(t, "Sam", created.CustomerName)
	assert.Equal(t, "billing", created.CustomerQuery)

	calls.AssertExpectations(t)
	dispatcher.AssertExpectations(t)
}

func TestCallService_Submit_UnassignedID(t *testing.T) {
	calls := new(MockCallRepository)
	dispatcher := new(MockDispatcher)
	svc := NewCallService(calls, dispatcher, "agent", "outbound")

	calls.On("Create", mock.Anything, mock.Anything).Return(nil)
	dispatcher.On("CreateDispatch", mock.Anything, mock.Anything).
		Return(&dispatch.Result{ID: dispatch.UnassignedDispatchID}, nil)

	res, err := svc.Submit(context.Background(), dispatch.Submission{Name: "Sam", Phone: "1"})
	require.NoError(t, err)
	assert.Equal(t, dispatch.UnassignedDispatchID, res.DispatchID)
	calls.AssertNotCalled(t, "SetDispatchID", mock.Anything, mock.Anything, mock.Anything)
}

func TestCallService_Submit_ValidationNeverDispatches(t *testing.T) {
	tests := []struct {
		name string
		sub  dispatch.Submission
	}{
		{"missing name", dispatch.Submission{Phone: "+1"}},
		{"missing phone", dispatch.Submission{Name: "Sam"}},
		{"whitespace only", dispatch.Submission{Name: "  ", Phone: "\t"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := new(MockCallRepository)
			dispatcher := new(MockDispatcher)
			svc := NewCallService(calls, dispatcher, "agent", "outbound")

			_, err := svc.Submit(context.Background(), tt.sub)

			var verr *dispatch.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, dispatch.MsgNameAndPhoneRequired, err.Error())
			dispatcher.AssertNumberOfCalls(t, "CreateDispatch", 0)
			calls.AssertNumberOfCalls(t, "Create", 0)
		})
	}
}

func TestCallService_Submit_DispatchFailureMarksRecord(t *testing.T) {
	calls := new(MockCallRepository)
	dispatcher := new(MockDispatcher)
	svc := NewCallService(calls, dispatcher, "agent", "outbound")
	svc.newRoom = func(string) string { return "outbound-0000000007" }

	dispatchErr := &dispatch.Error{Code: "unavailable", Err: errors.New("livekit unavailable: down")}
	calls.On("Create", mock.Anything, mock.Anything).Return(nil)
	dispatcher.On("CreateDispatch", mock.Anything, mock.Anything).Return(nil, dispatchErr)
	calls.On("Transition", mock.Anything, mock.MatchedBy(func(tr model.CallTransition) bool {
		return tr.RoomName == "outbound-0000000007" && tr.To == model.CallStatusFailed &&
			tr.Metadata["failure_reason"] == "livekit unavailable: down"
	})).Return(&model.CallRecord{}, nil).Once()

	_, err := svc.Submit(context.Background(), dispatch.Submission{Name: "Sam", Phone: "1"})
	assert.ErrorIs(t, err, dispatch.ErrDispatchFailed)
	calls.AssertExpectations(t)
}

func TestCallService_Submit_StoreFailure(t *testing.T) {
	calls := new(MockCallRepository)
	dispatcher := new(MockDispatcher)
	svc := NewCallService(calls, dispatcher, "agent", "outbound")

	calls.On("Create", mock.Anything, mock.Anything).Return(errors.New("db down"))

	_, err := svc.Submit(context.Background(), dispatch.Submission{Name: "Sam", Phone: "1"})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, dispatch.ErrDispatchFailed)
	dispatcher.AssertNumberOfCalls(t, "CreateDispatch", 0)
}
