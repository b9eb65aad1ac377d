package xhttp

import (
	"fmt"
	"os"
	"reflect"
	"runtime"
	"slices"
	"time"

	"github.com/nimasrn/outbound-caller/pkg/logger"
	"github.com/valyala/fasthttp"
)

type RequestHeader = fasthttp.RequestHeader
type ResponseHeader = fasthttp.ResponseHeader
type Server = fasthttp.Server

type ServerOption struct {
	Name string

	// idle keep-alive connections are closed after this long
	IdleTimeout time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// form posts are small, anything above this is rejected
	MaxRequestBodySize int

	ReadBufferSize  int
	WriteBufferSize int

	Concurrency   int
	MaxConnsPerIP int
}

var DefaultServerOption = ServerOption{
	Name:               "outbound-caller",
	IdleTimeout:        10 * time.Second,
	ReadTimeout:        5 * time.Second,
	WriteTimeout:       30 * time.Second,
	MaxRequestBodySize: 1 * 1024 * 1024,
	ReadBufferSize:     4 * 1024,
	WriteBufferSize:    4 * 1024,
	Concurrency:        10_000,
	MaxConnsPerIP:      1_000,
}

type Engine struct {
	*Router
	*Server
	middle []MiddlewareFunc
}

// printfLogger bridges fasthttp's Printf logger to the structured logger.
type printfLogger struct{}

func (printfLogger) Printf(format string, args ...interface{}) {
	logger.Debug("[xhttp] server", "message", fmt.Sprintf(format, args...))
}

func newServer(options ServerOption) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:                      NotFoundHandler,
		Name:                         options.Name,
		Concurrency:                  options.Concurrency,
		ReadBufferSize:               options.ReadBufferSize,
		WriteBufferSize:              options.WriteBufferSize,
		ReadTimeout:                  options.ReadTimeout,
		WriteTimeout:                 options.WriteTimeout,
		IdleTimeout:                  options.IdleTimeout,
		MaxConnsPerIP:                options.MaxConnsPerIP,
		MaxRequestBodySize:           options.MaxRequestBodySize,
		TCPKeepalive:                 true,
		DisablePreParseMultipartForm: true,
		NoDefaultServerHeader:        true,
		NoDefaultContentType:         true,
		CloseOnShutdown:              true,
		Logger:                       printfLogger{},
		ErrorHandler: func(ctx *RequestCtx, err error) {
			logger.Warn("[xhttp] malformed request", "error", err, "ip", ctx.RemoteIP().String())
		},
	}
}

func NewServer(options ServerOption) *Engine {
	return &Engine{
		Server: newServer(options),
		Router: CreateDefaultRouter(),
	}
}

func CreateServer() *Engine {
	return NewServer(DefaultServerOption)
}

func (e *Engine) ListenAndServe(addr string) error {
	e.DoRouting()
	logger.Info("[xhttp] server is listening", "addr", addr)
	return e.Server.ListenAndServe(addr)
}

// DoRouting wires the router behind the middleware chain. The first
// middleware passed to Use is the outermost one.
func (e *Engine) DoRouting() {
	for method, route := range e.Router.List() {
		for _, r := range route {
			logger.Debug("[xhttp] route registered", "method", method, "path", r)
		}
	}
	handler := e.Router.Handler
	middle := slices.Clone(e.middle)
	slices.Reverse(middle)
	for _, m := range middle {
		handler = m(handler)
		logger.Debug("[xhttp] middleware registered", "name", runtime.FuncForPC(reflect.ValueOf(m).Pointer()).Name())
	}
	e.Server.Handler = handler
}

// Handler returns the fully wrapped handler, used by tests that serve in memory.
func (e *Engine) Handler() RequestHandler {
	e.DoRouting()
	return e.Server.Handler
}

// Use adds middleware to the end of the chain.
func (e *Engine) Use(middleware MiddlewareFunc) {
	e.middle = append(e.middle, middleware)
}

// Shutdown gracefully shuts down the server without interrupting any active connections.
func (e *Engine) Shutdown() {
	logger.Info("[xhttp] server is shutting down", "pid", os.Getpid())
	if err := e.Server.Shutdown(); err != nil {
		logger.Error("[xhttp] error while shutting down", "error", err)
	}
}
