package xhttp

import (
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/nimasrn/outbound-caller/pkg/logger"
	"github.com/valyala/fasthttp"
)

const slowThreshold = 2 * time.Second

var skipPaths = []string{"/health", "/metrics", "/static"}

type MiddlewareFunc func(next RequestHandler) RequestHandler
type RequestCtx = fasthttp.RequestCtx
type RequestHandler = fasthttp.RequestHandler

// ObserveFunc receives one call per finished request.
type ObserveFunc func(route string, status int, latency time.Duration)

func TimeoutMiddleware(timeout time.Duration) MiddlewareFunc {
	return func(next RequestHandler) RequestHandler {
		return fasthttp.TimeoutWithCodeHandler(next, timeout, `{"success":false,"message":"request timed out"}`, StatusRequestTimeout)
	}
}

func CompressMiddleware(level int) MiddlewareFunc {
	return func(next RequestHandler) RequestHandler {
		return fasthttp.CompressHandlerBrotliLevel(next, level, level)
	}
}

// RecoverMiddleware turns a panic in any handler into a generic 500.
func RecoverMiddleware(next RequestHandler) RequestHandler {
	return func(ctx *RequestCtx) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("[xhttp] panic recovered",
					"error", err,
					"method", string(ctx.Method()),
					"path", string(ctx.Path()),
					"stack", string(debug.Stack()),
				)
				ctx.Response.Reset()
				writeJSONError(ctx, StatusInternalServerError, "An unexpected error occurred")
			}
		}()
		next(ctx)
	}
}

// CORSMiddleware allows the embeddable call widget to post from other origins.
func CORSMiddleware(allowOrigin string) MiddlewareFunc {
	return func(next RequestHandler) RequestHandler {
		return func(ctx *RequestCtx) {
			if allowOrigin != "" {
				ctx.Response.Header.Set("Access-Control-Allow-Origin", allowOrigin)
				ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				ctx.Response.Header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-Id")
				if ctx.IsOptions() {
					ctx.SetStatusCode(fasthttp.StatusNoContent)
					return
				}
			}
			next(ctx)
		}
	}
}

func MetricsMiddleware(observe ObserveFunc) MiddlewareFunc {
	return func(next RequestHandler) RequestHandler {
		return func(ctx *RequestCtx) {
			start := time.Now()
			next(ctx)
			route, _ := ctx.UserValue("__matchedRoutePath").(string)
			if route == "" {
				route = "unmatched"
			}
			observe(route, ctx.Response.StatusCode(), time.Since(start))
		}
	}
}

func RequestLoggerMiddleware(next RequestHandler) RequestHandler {
	return func(ctx *RequestCtx) {
		path := string(ctx.Path())
		if shouldSkip(path) {
			next(ctx)
			return
		}

		start := time.Now()
		next(ctx)

		latency := time.Since(start)
		status := ctx.Response.StatusCode()
		fields := []any{
			"status", status,
			"method", string(ctx.Method()),
			"path", path,
			"latency", latency.String(),
			"bytes_in", len(ctx.PostBody()),
			"bytes_out", len(ctx.Response.Body()),
			"ip", ctx.RemoteIP().String(),
			"request_id", requestID(ctx),
		}

		switch {
		case status >= 500:
			logger.Error("http_request", fields...)
		case status >= 400 || latency > slowThreshold:
			logger.Warn("http_request", fields...)
		default:
			logger.Info("http_request", fields...)
		}
	}
}

func shouldSkip(p string) bool {
	for _, sp := range skipPaths {
		if strings.HasPrefix(p, sp) {
			return true
		}
	}
	return false
}

func requestID(ctx *RequestCtx) string {
	if v := ctx.Request.Header.Peek("X-Request-Id"); len(v) > 0 {
		return string(v)
	}
	return ""
}

func writeJSONError(ctx *RequestCtx, status int, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBodyString(`{"success":false,"message":` + strconv.Quote(message) + `}`)
}
