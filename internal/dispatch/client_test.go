package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/livekit/protocol/livekit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/twitchtv/twirp"
)

type mockDispatchAPI struct {
	mock.Mock
}

func (m *mockDispatchAPI) CreateDispatch(ctx context.Context, req *livekit.CreateAgentDispatchRequest) (*livekit.AgentDispatch, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*livekit.AgentDispatch), args.Error(1)
}

func TestClient_CreateDispatch(t *testing.T) {
	api := new(mockDispatchAPI)
	c := newClient(api, "key", "secret-secret-secret-secret-secret")

	api.On("CreateDispatch", mock.Anything, mock.MatchedBy(func(r *livekit.CreateAgentDispatchRequest) bool {
		return r.AgentName == "FRAN-TIGER" && r.Room == "outbound-1234567890" && r.Metadata == `{"phone_number":"1"}`
	})).Return(&livekit.AgentDispatch{Id: "AD_abc", AgentName: "FRAN-TIGER", Room: "outbound-1234567890"}, nil)

	res, err := c.CreateDispatch(context.Background(), Request{
		AgentName: "FRAN-TIGER",
		RoomName:  "outbound-1234567890",
		Metadata:  `{"phone_number":"1"}`,
	})

	require.NoError(t, err)
	assert.Equal(t, "AD_abc", res.ID)
	assert.True(t, res.Assigned)
	api.AssertExpectations(t)
}

func TestClient_CreateDispatch_MissingID(t *testing.T) {
	api := new(mockDispatchAPI)
	c := newClient(api, "key", "secret-secret-secret-secret-secret")
	api.On("CreateDispatch", mock.Anything, mock.Anything).Return(&livekit.AgentDispatch{}, nil)

	res, err := c.CreateDispatch(context.Background(), Request{AgentName: "a", RoomName: "r"})

	require.NoError(t, err)
	assert.Equal(t, UnassignedDispatchID, res.ID)
	assert.False(t, res.Assigned)
	assert.Equal(t, "r", res.RoomName)
}

func TestClient_CreateDispatch_TwirpError(t *testing.T) {
	api := new(mockDispatchAPI)
	c := newClient(api, "key", "secret-secret-secret-secret-secret")
	api.On("CreateDispatch", mock.Anything, mock.Anything).
		Return(nil, twirp.NewError(twirp.Unavailable, "no workers"))

	_, err := c.CreateDispatch(context.Background(), Request{AgentName: "a", RoomName: "r"})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDispatchFailed))
	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, string(twirp.Unavailable), derr.Code)
	assert.Contains(t, err.Error(), "no workers")
}

func TestClient_CreateDispatch_TransportError(t *testing.T) {
	api := new(mockDispatchAPI)
	c := newClient(api, "key", "secret-secret-secret-secret-secret")
	api.On("CreateDispatch", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))

	_, err := c.CreateDispatch(context.Background(), Request{AgentName: "a", RoomName: "r"})

	assert.ErrorIs(t, err, ErrDispatchFailed)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	c, err := NewClient(ClientConfig{URL: "wss://example.livekit.cloud", APIKey: "k", APISecret: "s"})
	require.NoError(t, err)

	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())

	_, err = c.CreateDispatch(context.Background(), Request{RoomName: "r"})
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.ErrorIs(t, err, ErrDispatchFailed)
}

func TestClient_ConcurrentClose(t *testing.T) {
	c := newClient(new(mockDispatchAPI), "k", "s")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Close())
		}()
	}
	wg.Wait()
	assert.True(t, c.closed.Load())
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	_, err := NewClient(ClientConfig{URL: "wss://x"})
	assert.Error(t, err)
}

func TestURLMapping(t *testing.T) {
	assert.Equal(t, "https://lk.example.com", HTTPURL("wss://lk.example.com"))
	assert.Equal(t, "http://localhost:7880", HTTPURL("ws://localhost:7880"))
	assert.Equal(t, "https://lk.example.com", HTTPURL("https://lk.example.com"))
	assert.Equal(t, "wss://lk.example.com", WSURL("https://lk.example.com"))
	assert.Equal(t, "ws://localhost:7880", WSURL("ws://localhost:7880"))
}
