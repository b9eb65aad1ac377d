package dispatch

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	"github.com/nimasrn/outbound-caller/pkg/logger"
	"github.com/pkg/errors"
	"github.com/twitchtv/twirp"
)

// UnassignedDispatchID is reported when the control plane accepts a dispatch
// without returning its identifier.
const UnassignedDispatchID = "unassigned"

var (
	ErrDispatchFailed = errors.New("dispatch failed")
	ErrClientClosed   = errors.New("dispatch client is closed")
)

// Error is a dispatch that the control plane could not accept.
type Error struct {
	Code string
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrDispatchFailed }

// Request names the agent that should join room with metadata attached.
type Request struct {
	AgentName string
	RoomName  string
	Metadata  string
}

// Result is the accepted dispatch. ID is UnassignedDispatchID when the
// response carried none; Assigned tells the two apart.
type Result struct {
	ID        string
	AgentName string
	RoomName  string
	Assigned  bool
}

type Dispatcher interface {
	CreateDispatch(ctx context.Context, req Request) (*Result, error)
	Close() error
}

// dispatchAPI is the part of the control plane the client uses.
type dispatchAPI interface {
	CreateDispatch(ctx context.Context, req *livekit.CreateAgentDispatchRequest) (*livekit.AgentDispatch, error)
}

type ClientConfig struct {
	URL       string
	APIKey    string
	APISecret string
	Timeout   time.Duration
}

// Client is the process-wide handle to the dispatch API. It is safe for
// concurrent use and reuses one pooled HTTP transport for every request.
type Client struct {
	api       dispatchAPI
	transport *http.Transport
	apiKey    string
	apiSecret string
	closed    atomic.Bool
	closeOnce sync.Once
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("livekit url, api key and api secret are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 16
	httpClient := &http.Client{Transport: transport, Timeout: cfg.Timeout}

	api := livekit.NewAgentDispatchServiceProtobufClient(HTTPURL(cfg.URL), httpClient)
	c := newClient(api, cfg.APIKey, cfg.APISecret)
	c.transport = transport
	return c, nil
}

func newClient(api dispatchAPI, key, secret string) *Client {
	return &Client{api: api, apiKey: key, apiSecret: secret}
}

func (c *Client) CreateDispatch(ctx context.Context, req Request) (*Result, error) {
	if c.closed.Load() {
		return nil, &Error{Code: "closed", Err: ErrClientClosed}
	}

	ctx, err := c.authorize(ctx, req.RoomName)
	if err != nil {
		return nil, &Error{Code: "auth", Err: err}
	}

	resp, err := c.api.CreateDispatch(ctx, &livekit.CreateAgentDispatchRequest{
		AgentName: req.AgentName,
		Room:      req.RoomName,
		Metadata:  req.Metadata,
	})
	if err != nil {
		return nil, wrapTwirp(err)
	}

	return resultFrom(req, resp), nil
}

// Close releases pooled connections. Only the first call has any effect.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.transport != nil {
			c.transport.CloseIdleConnections()
		}
		logger.Info("dispatch client closed")
	})
	return nil
}

func (c *Client) authorize(ctx context.Context, room string) (context.Context, error) {
	token, err := auth.NewAccessToken(c.apiKey, c.apiSecret).
		SetVideoGrant(&auth.VideoGrant{RoomAdmin: true, Room: room}).
		SetValidFor(5 * time.Minute).
		ToJWT()
	if err != nil {
		return ctx, errors.Wrap(err, "sign dispatch token")
	}
	header := make(http.Header)
	header.Set("Authorization", "Bearer "+token)
	return twirp.WithHTTPRequestHeaders(ctx, header)
}

func resultFrom(req Request, resp *livekit.AgentDispatch) *Result {
	res := &Result{
		ID:        UnassignedDispatchID,
		AgentName: req.AgentName,
		RoomName:  req.RoomName,
	}
	if resp == nil {
		return res
	}
	if resp.GetId() != "" {
		res.ID = resp.GetId()
		res.Assigned = true
	}
	if resp.GetAgentName() != "" {
		res.AgentName = resp.GetAgentName()
	}
	if resp.GetRoom() != "" {
		res.RoomName = resp.GetRoom()
	}
	return res
}

func wrapTwirp(err error) error {
	var terr twirp.Error
	if errors.As(err, &terr) {
		return &Error{
			Code: string(terr.Code()),
			Err:  errors.Errorf("livekit %s: %s", terr.Code(), terr.Msg()),
		}
	}
	return &Error{Code: "transport", Err: errors.Wrap(err, "livekit request")}
}

// HTTPURL maps a websocket control plane URL to its HTTP API base.
func HTTPURL(u string) string {
	switch {
	case strings.HasPrefix(u, "wss://"):
		return "https://" + strings.TrimPrefix(u, "wss://")
	case strings.HasPrefix(u, "ws://"):
		return "http://" + strings.TrimPrefix(u, "ws://")
	}
	return u
}

// WSURL maps an HTTP control plane URL to its websocket base.
func WSURL(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}
