package handlers

import (
	"context"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	xhttp "github.com/nimasrn/outbound-caller/pkg/http"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const DefaultRequestTimeout = 30 * time.Second

// requestContext bounds service calls made on behalf of one request. The
// RequestCtx itself is only cancelled when the server shuts down.
func requestContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return context.WithTimeout(context.Background(), timeout)
}

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	b, _ := json.Marshal(v)
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}

func writeError(ctx *xhttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, response{Success: false, Message: msg})
}

func query(ctx *xhttp.RequestCtx, key string) string {
	return string(ctx.QueryArgs().Peek(key))
}

func formValue(ctx *xhttp.RequestCtx, key string) string {
	return string(ctx.FormValue(key))
}

func queryInt(ctx *xhttp.RequestCtx, key string) int {
	n, err := strconv.Atoi(query(ctx, key))
	if err != nil {
		return 0
	}
	return n
}
