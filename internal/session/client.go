// Package session drives the conversational pipeline service that bridges a
// call's audio to speech recognition, the language model and speech synthesis.
package session

import (
	"context"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/livekit/protocol/auth"
	"github.com/nimasrn/outbound-caller/internal/orchestrator"
	"github.com/nimasrn/outbound-caller/pkg/logger"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/valyala/fasthttp"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrNoAvailableEndpoints = errors.New("no available pipeline endpoints")
	ErrSessionClosed        = errors.New("session closed")
	ErrUnexpectedStatus     = errors.New("unexpected pipeline status")
)

type STTOptions struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	APIKey   string `json:"api_key,omitempty"`
}

type LLMOptions struct {
	Model  string `json:"model"`
	APIKey string `json:"api_key,omitempty"`
}

type TTSOptions struct {
	Model string `json:"model"`
	Voice string `json:"voice"`
}

type StartRequest struct {
	RoomName            string     `json:"room_name"`
	ParticipantIdentity string     `json:"participant_identity"`
	Instructions        string     `json:"instructions"`
	JobID               string     `json:"job_id,omitempty"`
	LiveKitURL          string     `json:"livekit_url,omitempty"`
	Token               string     `json:"token,omitempty"`
	STT                 STTOptions `json:"stt"`
	LLM                 LLMOptions `json:"llm"`
	TTS                 TTSOptions `json:"tts"`
}

type StartResponse struct {
	SessionID string `json:"session_id"`
}

type ReplyRequest struct {
	Instructions string `json:"instructions"`
}

type CloseResponse struct {
	SessionID  string `json:"session_id"`
	Transcript string `json:"transcript"`
}

type Config struct {
	Endpoints []string
	STT       STTOptions
	LLM       LLMOptions
	TTS       TTSOptions

	// LiveKit settings used to mint the pipeline's room token.
	LiveKitURL       string
	LiveKitAPIKey    string
	LiveKitAPISecret string
	TokenTTL         time.Duration

	Timeout                 time.Duration
	MaxRetries              int
	RetryDelay              time.Duration
	MaxConns                int
	HealthCheckInterval     time.Duration
	EvaluateInterval        time.Duration
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration

	// Dial overrides how connections are made. Nil uses TCP.
	Dial fasthttp.DialFunc
}

func (c *Config) setDefaults() {
	c.Timeout = lo.Ternary(c.Timeout > 0, c.Timeout, 10*time.Second)
	c.RetryDelay = lo.Ternary(c.RetryDelay > 0, c.RetryDelay, 200*time.Millisecond)
	c.MaxConns = lo.Ternary(c.MaxConns > 0, c.MaxConns, 64)
	c.CircuitBreakerThreshold = lo.Ternary(c.CircuitBreakerThreshold > 0, c.CircuitBreakerThreshold, 5)
	c.CircuitBreakerTimeout = lo.Ternary(c.CircuitBreakerTimeout > 0, c.CircuitBreakerTimeout, 30*time.Second)
	c.TokenTTL = lo.Ternary(c.TokenTTL > 0, c.TokenTTL, time.Hour)
}

// Client starts sessions on the best scoring pipeline endpoint. A session
// stays on the endpoint that created it.
type Client struct {
	config    Config
	endpoints []*Endpoint
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func NewClient(config Config) (*Client, error) {
	if len(config.Endpoints) == 0 {
		return nil, errors.New("at least one pipeline endpoint is required")
	}
	config.setDefaults()

	c := &Client{config: config, stopCh: make(chan struct{})}
	for i, url := range config.Endpoints {
		httpClient := &fasthttp.Client{
			MaxConnsPerHost:     config.MaxConns,
			ReadTimeout:         config.Timeout,
			WriteTimeout:        config.Timeout,
			MaxIdleConnDuration: 60 * time.Second,
			Dial:                config.Dial,
		}
		// earlier entries are preferred
		c.endpoints = append(c.endpoints, newEndpoint(url, 100-10*i, httpClient))
	}

	if config.HealthCheckInterval > 0 {
		c.wg.Add(1)
		go c.loop(config.HealthCheckInterval, c.performHealthChecks)
	}
	if config.EvaluateInterval > 0 {
		c.wg.Add(1)
		go c.loop(config.EvaluateInterval, c.evaluateEndpoints)
	}

	logger.Info("pipeline client initialized", "endpoints", len(c.endpoints), "timeout", config.Timeout)
	return c, nil
}

func (c *Client) SelectBestEndpoint() (*Endpoint, error) {
	var best *Endpoint
	var bestScore float64
	for _, e := range c.endpoints {
		if score := e.Score(); score > bestScore {
			best, bestScore = e, score
		}
	}
	if best == nil {
		return nil, ErrNoAvailableEndpoints
	}
	return best, nil
}

// Start creates a pipeline session bound to the room and the callee.
func (c *Client) Start(ctx context.Context, req orchestrator.SessionRequest) (orchestrator.Session, error) {
	body := StartRequest{
		RoomName:            req.RoomName,
		ParticipantIdentity: req.ParticipantIdentity,
		Instructions:        req.Instructions,
		JobID:               req.JobID,
		LiveKitURL:          c.config.LiveKitURL,
		STT:                 c.config.STT,
		LLM:                 c.config.LLM,
		TTS:                 c.config.TTS,
	}
	if c.config.LiveKitAPIKey != "" {
		token, err := c.roomToken(req)
		if err != nil {
			return nil, err
		}
		body.Token = token
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "encode start request")
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.config.RetryDelay):
			}
		}

		endpoint, err := c.SelectBestEndpoint()
		if err != nil {
			lastErr = err
			continue
		}

		resp, err := c.call(ctx, endpoint, fasthttp.MethodPost, "/v1/sessions", payload)
		if err != nil {
			logger.Warn("pipeline session start failed", "endpoint", endpoint.url, "attempt", attempt+1, "error", err)
			lastErr = err
			continue
		}

		var started StartResponse
		if err := json.Unmarshal(resp, &started); err != nil {
			return nil, errors.Wrap(err, "decode start response")
		}
		if started.SessionID == "" {
			return nil, errors.New("pipeline returned no session id")
		}

		logger.Info("pipeline session started", "session_id", started.SessionID, "room", req.RoomName, "endpoint", endpoint.url)
		return &Session{id: started.SessionID, endpoint: endpoint, client: c}, nil
	}

	return nil, errors.Wrapf(lastErr, "failed after %d attempts", c.config.MaxRetries+1)
}

func (c *Client) roomToken(req orchestrator.SessionRequest) (string, error) {
	at := auth.NewAccessToken(c.config.LiveKitAPIKey, c.config.LiveKitAPISecret).
		SetIdentity("pipeline-" + req.JobID).
		SetVideoGrant(&auth.VideoGrant{RoomJoin: true, Room: req.RoomName}).
		SetValidFor(c.config.TokenTTL)
	token, err := at.ToJWT()
	return token, errors.Wrap(err, "mint pipeline token")
}

// call performs one request and records the outcome on the endpoint.
func (c *Client) call(ctx context.Context, e *Endpoint, method, path string, body []byte) ([]byte, error) {
	start := time.Now()
	resp, err := c.doRequest(ctx, e, method, path, body)
	if err != nil {
		e.metrics.RecordFailure()
		c.checkCircuitBreaker(e)
		return nil, err
	}
	e.metrics.RecordSuccess(time.Since(start).Milliseconds())
	return resp, nil
}

func (c *Client) doRequest(ctx context.Context, e *Endpoint, method, path string, body []byte) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(e.url + path)
	req.Header.SetMethod(method)
	req.Header.SetContentType("application/json")
	if body != nil {
		req.SetBody(body)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.config.Timeout)
	}
	if err := e.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, errors.Wrap(err, "request failed")
	}

	if code := resp.StatusCode(); code != fasthttp.StatusOK && code != fasthttp.StatusCreated {
		return nil, errors.Wrapf(ErrUnexpectedStatus, "status %d, body: %q", code, resp.Body())
	}
	return append([]byte(nil), resp.Body()...), nil
}

func (c *Client) checkCircuitBreaker(e *Endpoint) {
	fails := e.metrics.ConsecutiveFails.Load()
	if fails >= int32(c.config.CircuitBreakerThreshold) && e.State() != StateCircuitOpen {
		e.SetState(StateCircuitOpen)
		e.circuitOpenUntil.Store(time.Now().Add(c.config.CircuitBreakerTimeout).Unix())
		logger.Warn("circuit breaker opened", "endpoint", e.url, "consecutive_fails", fails, "timeout", c.config.CircuitBreakerTimeout)
	}
}

func (c *Client) loop(every time.Duration, fn func()) {
	defer c.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Client) performHealthChecks() {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
	defer cancel()

	for _, e := range c.endpoints {
		if e.State() == StateCircuitOpen {
			continue
		}
		old := e.State()
		next := old
		if c.checkHealth(ctx, e) {
			if old == StateUnhealthy {
				next = StateHealthy
			}
		} else {
			next = StateUnhealthy
		}
		if next != old {
			e.SetState(next)
			logger.Info("pipeline endpoint state changed", "endpoint", e.url, "old_state", old.String(), "new_state", next.String())
		}
	}
}

func (c *Client) checkHealth(ctx context.Context, e *Endpoint) bool {
	resp, err := c.doRequest(ctx, e, fasthttp.MethodGet, "/health", nil)
	if err != nil {
		return false
	}
	var health struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(resp, &health); err != nil {
		return false
	}
	return health.Status == "healthy" || health.Status == "ok"
}

// evaluateEndpoints degrades slow or failing endpoints and restores recovered ones.
func (c *Client) evaluateEndpoints() {
	for _, e := range c.endpoints {
		state := e.State()
		if state == StateCircuitOpen || state == StateUnhealthy {
			continue
		}
		rate := e.metrics.SuccessRate()
		avg := e.metrics.AvgLatencyMs()
		switch {
		case rate < 0.8 || avg > 5000:
			if state != StateDegraded {
				e.SetState(StateDegraded)
				logger.Warn("pipeline endpoint degraded", "endpoint", e.url, "success_rate", rate, "avg_latency_ms", avg)
			}
		case rate > 0.95 && avg < 2000:
			if state != StateHealthy {
				e.SetState(StateHealthy)
				logger.Info("pipeline endpoint recovered", "endpoint", e.url)
			}
		}
	}
}

func (c *Client) Stats() []EndpointStats {
	stats := lo.Map(c.endpoints, func(e *Endpoint, _ int) EndpointStats { return e.Stats() })
	return stats
}

func (c *Client) Close() error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()
		logger.Info("pipeline client closed")
	})
	return nil
}

// Session is one running pipeline session.
type Session struct {
	id       string
	endpoint *Endpoint
	client   *Client

	mu         sync.Mutex
	closed     bool
	transcript string
}

func (s *Session) ID() string { return s.id }

func (s *Session) GenerateReply(ctx context.Context, instructions string) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}

	payload, err := json.Marshal(ReplyRequest{Instructions: instructions})
	if err != nil {
		return errors.Wrap(err, "encode reply request")
	}
	_, err = s.client.call(ctx, s.endpoint, fasthttp.MethodPost, "/v1/sessions/"+s.id+"/reply", payload)
	return errors.Wrapf(err, "generate reply in session %s", s.id)
}

// Close ends the session and returns its transcript. Later calls return the
// same transcript without contacting the pipeline.
func (s *Session) Close(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.transcript, nil
	}

	resp, err := s.client.call(ctx, s.endpoint, fasthttp.MethodDelete, "/v1/sessions/"+s.id, nil)
	if err != nil {
		return "", errors.Wrapf(err, "close session %s", s.id)
	}
	var closed CloseResponse
	if err := json.Unmarshal(resp, &closed); err != nil {
		return "", errors.Wrap(err, "decode close response")
	}
	s.closed = true
	s.transcript = closed.Transcript
	return s.transcript, nil
}
