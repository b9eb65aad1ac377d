package handlers

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/nimasrn/outbound-caller/internal/dispatch"
	"github.com/nimasrn/outbound-caller/internal/services"
	xhttp "github.com/nimasrn/outbound-caller/pkg/http"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockCallSubmitter struct {
	mock.Mock
}

func (m *MockCallSubmitter) Submit(ctx context.Context, sub dispatch.Submission) (*services.SubmitResult, error) {
	args := m.Called(ctx, sub)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.SubmitResult), args.Error(1)
}

func validForm() url.Values {
	return url.Values{
		"name":  {"Sam"},
		"phone": {"+15551234"},
		"email": {"sam@example.com"},
		"query": {"billing question"},
	}
}

func TestCallHandler_Index(t *testing.T) {
	h := NewCallHandler(new(MockCallSubmitter), "FRAN-TIGER", time.Second)
	ctx := setupTestContext("GET", "/", nil)

	h.Index(ctx)

	assert.Equal(t, xhttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Header.ContentType()), "text/html")
	body := string(ctx.Response.Body())
	assert.Contains(t, body, `action="/submit"`)
	assert.Contains(t, body, "FRAN-TIGER", time.Second)
}

func TestCallHandler_Submit(t *testing.T) {
	t.Run("schedules the call", func(t *testing.T) {
		svc := new(MockCallSubmitter)
		h := NewCallHandler(svc, "agent", time.Second)
		svc.On("Submit", mock.Anything, dispatch.Submission{
			Name: "Sam", Phone: "+15551234", Email: "sam@example.com", Query: "billing question",
		}).Return(&services.SubmitResult{RoomName: "outbound-abc", DispatchID: "AD_1"}, nil)

		ctx := setupFormContext("/submit", validForm())
		h.Submit(ctx)

		assert.Equal(t, xhttp.StatusOK, ctx.Response.StatusCode())
		out := decodeResponse(t, ctx)
		assert.Equal(t, true, out["success"])
		assert.Equal(t, MsgCallScheduled, out["message"])
		assert.Equal(t, map[string]any{"room_name": "outbound-abc", "dispatch_id": "AD_1"}, out["details"])
		svc.AssertExpectations(t)
	})

	t.Run("missing fields", func(t *testing.T) {
		svc := new(MockCallSubmitter)
		h := NewCallHandler(svc, "agent", time.Second)
		svc.On("Submit", mock.Anything, mock.Anything).
			Return(nil, &dispatch.ValidationError{Fields: []string{"phone"}, Missing: true})

		ctx := setupFormContext("/submit", url.Values{"name": {"Sam"}})
		h.Submit(ctx)

		assert.Equal(t, xhttp.StatusBadRequest, ctx.Response.StatusCode())
		out := decodeResponse(t, ctx)
		assert.Equal(t, false, out["success"])
		assert.Equal(t, dispatch.MsgNameAndPhoneRequired, out["message"])
	})

	t.Run("dispatch refused", func(t *testing.T) {
		svc := new(MockCallSubmitter)
		h := NewCallHandler(svc, "agent", time.Second)
		svc.On("Submit", mock.Anything, mock.Anything).
			Return(nil, &dispatch.Error{Code: "unavailable", Err: errors.New("livekit unavailable: down")})

		ctx := setupFormContext("/submit", validForm())
		h.Submit(ctx)

		assert.Equal(t, xhttp.StatusInternalServerError, ctx.Response.StatusCode())
		out := decodeResponse(t, ctx)
		assert.Equal(t, "Error creating dispatch: livekit unavailable: down", out["message"])
	})

	t.Run("unexpected failure", func(t *testing.T) {
		svc := new(MockCallSubmitter)
		h := NewCallHandler(svc, "agent", time.Second)
		svc.On("Submit", mock.Anything, mock.Anything).Return(nil, errors.New("db down"))

		ctx := setupFormContext("/submit", validForm())
		h.Submit(ctx)

		assert.Equal(t, xhttp.StatusInternalServerError, ctx.Response.StatusCode())
		msg := decodeResponse(t, ctx)["message"].(string)
		assert.True(t, strings.HasPrefix(msg, "Error processing your request: "))
		assert.Contains(t, msg, "db down")
	})
}

func TestCallHandler_SubmitUsesRequestDeadline(t *testing.T) {
	svc := new(MockCallSubmitter)
	h := NewCallHandler(svc, "agent", 5*time.Second)
	bounded := mock.MatchedBy(func(c context.Context) bool {
		if _, isReq := c.(*xhttp.RequestCtx); isReq {
			return false
		}
		deadline, ok := c.Deadline()
		return ok && time.Until(deadline) <= 5*time.Second && c.Err() == nil
	})
	svc.On("Submit", bounded, mock.Anything).
		Return(&services.SubmitResult{RoomName: "outbound-abc", DispatchID: "AD_1"}, nil)

	// a RequestCtx with no server behind it must never reach the service
	ctx := setupFormContext("/submit", validForm())
	h.Submit(ctx)

	assert.Equal(t, xhttp.StatusOK, ctx.Response.StatusCode())
	svc.AssertExpectations(t)
}
