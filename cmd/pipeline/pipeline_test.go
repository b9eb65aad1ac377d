package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func newTestRouter(failureRate float64) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return SetupRouter(NewHandler(NewMockPipeline(failureRate, 0)))
}

func do(t *testing.T, r http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	out := map[string]any{}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestPipeline_SessionLifecycle(t *testing.T) {
	r := newTestRouter(0)

	w, out := do(t, r, "POST", "/v1/sessions", map[string]any{
		"room_name":            "outbound-abc",
		"participant_identity": "customer",
		"token":                "tok",
		"tts":                  map[string]string{"voice": "ash"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	id := out["session_id"].(string)
	require.NotEmpty(t, id)

	w, _ = do(t, r, "POST", "/v1/sessions/"+id+"/reply", map[string]string{
		"instructions": "say 'Good Morning Sam, how are you?' to the user",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w, out = do(t, r, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", out["status"])
	assert.Equal(t, float64(1), out["sessions"])

	w, out = do(t, r, "DELETE", "/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "agent: Good Morning Sam, how are you?", out["transcript"])

	w, _ = do(t, r, "DELETE", "/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPipeline_RejectsInvalidStart(t *testing.T) {
	r := newTestRouter(0)
	w, _ := do(t, r, "POST", "/v1/sessions", map[string]string{"room_name": "outbound-abc"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPipeline_SimulatedFailure(t *testing.T) {
	r := newTestRouter(1)
	w, _ := do(t, r, "POST", "/v1/sessions", map[string]any{
		"room_name": "outbound-abc", "participant_identity": "customer", "token": "tok",
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestPipeline_ReplyUnknownSession(t *testing.T) {
	r := newTestRouter(0)
	w, _ := do(t, r, "POST", "/v1/sessions/missing/reply", map[string]string{"instructions": "say 'hi'"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSpokenText(t *testing.T) {
	assert.Equal(t, "Hello there", spokenText("say 'Hello there' to the user"))
	assert.Equal(t, "no quotes", spokenText("no quotes"))
}
