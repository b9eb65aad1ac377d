// Package agentworker registers this process as a LiveKit agent worker and
// runs the outbound call orchestrator for every job assigned to it.
package agentworker

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	"github.com/nimasrn/outbound-caller/internal/dispatch"
	"github.com/nimasrn/outbound-caller/internal/orchestrator"
	"github.com/nimasrn/outbound-caller/pkg/logger"
	"github.com/nimasrn/outbound-caller/pkg/worker"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"google.golang.org/protobuf/proto"
)

type JobRunner interface {
	Run(ctx context.Context, job orchestrator.Job) error
}

type Cleaner interface {
	DeleteRoom(ctx context.Context, room string) error
}

type Config struct {
	URL          string
	APIKey       string
	APISecret    string
	AgentName    string
	Version      string
	MaxJobs      int
	PingInterval time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	DrainTimeout time.Duration
}

func (c *Config) setDefaults() {
	c.MaxJobs = lo.Ternary(c.MaxJobs > 0, c.MaxJobs, 1)
	c.PingInterval = lo.Ternary(c.PingInterval > 0, c.PingInterval, 10*time.Second)
	c.ReconnectMin = lo.Ternary(c.ReconnectMin > 0, c.ReconnectMin, 500*time.Millisecond)
	c.ReconnectMax = lo.Ternary(c.ReconnectMax > 0, c.ReconnectMax, 30*time.Second)
	c.DrainTimeout = lo.Ternary(c.DrainTimeout > 0, c.DrainTimeout, 5*time.Minute)
}

// ParticipantIdentity is the identity the agent joins a job room with.
func ParticipantIdentity(jobID string) string {
	return "agent-" + jobID
}

type task struct {
	ctx  context.Context
	job  orchestrator.Job
	done func()
}

type Worker struct {
	config  Config
	runner  JobRunner
	cleaner Cleaner
	pool    *worker.WorkerManager
	dialer  *websocket.Dialer

	writeMu sync.Mutex
	conn    *websocket.Conn

	jobsMu sync.Mutex
	jobs   map[string]context.CancelFunc

	workerID atomic.Value
	draining atomic.Bool
}

func New(config Config, runner JobRunner, cleaner Cleaner) *Worker {
	config.setDefaults()
	w := &Worker{
		config:  config,
		runner:  runner,
		cleaner: cleaner,
		pool:    worker.NewWorkerManager(config.MaxJobs, config.MaxJobs),
		dialer:  websocket.DefaultDialer,
		jobs:    map[string]context.CancelFunc{},
	}
	w.workerID.Store("")
	w.pool.SetWorker(w.handleJob)
	return w
}

func (w *Worker) ID() string {
	return w.workerID.Load().(string)
}

// Run serves jobs until ctx ends, then stops accepting work, waits for
// running calls to finish and disconnects.
func (w *Worker) Run(ctx context.Context) error {
	poolCtx, cancelPool := context.WithCancel(context.Background())
	defer cancelPool()
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		if err := w.pool.Start(poolCtx); err != nil {
			logger.Error("agent worker pool stopped", "error", err)
		}
	}()

	connCtx, closeConn := context.WithCancel(context.Background())
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()
		w.drain()
		closeConn()
	}()

	backoff := w.config.ReconnectMin
	for connCtx.Err() == nil {
		registered, err := w.session(connCtx)
		if connCtx.Err() != nil {
			break
		}
		if registered {
			backoff = w.config.ReconnectMin
		}
		logger.Warn("agent connection lost, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-connCtx.Done():
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, w.config.ReconnectMax)
	}

	<-drained
	w.pool.Exit()
	cancelPool()
	<-poolDone
	logger.Info("agent worker stopped")
	return nil
}

func (w *Worker) drain() {
	w.draining.Store(true)
	logger.Info("draining agent worker", "running", w.pool.Running(), "pending", w.pool.Pending())

	deadline := time.Now().Add(w.config.DrainTimeout)
	for w.activeJobs() > 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	if n := w.activeJobs(); n > 0 {
		logger.Warn("drain timeout, terminating jobs", "jobs", n)
		w.jobsMu.Lock()
		for _, cancel := range w.jobs {
			cancel()
		}
		w.jobsMu.Unlock()
	}
}

func (w *Worker) activeJobs() int {
	w.jobsMu.Lock()
	defer w.jobsMu.Unlock()
	return len(w.jobs)
}

func (w *Worker) token() (string, error) {
	at := auth.NewAccessToken(w.config.APIKey, w.config.APISecret).
		SetVideoGrant(&auth.VideoGrant{Agent: true}).
		SetValidFor(time.Hour)
	return at.ToJWT()
}

// session runs one websocket connection. It reports whether registration
// completed so the caller can reset its backoff.
func (w *Worker) session(ctx context.Context) (bool, error) {
	token, err := w.token()
	if err != nil {
		return false, errors.Wrap(err, "mint worker token")
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := w.dialer.DialContext(ctx, dispatch.WSURL(w.config.URL)+"/agent", header)
	if err != nil {
		return false, errors.Wrap(err, "dial agent endpoint")
	}

	w.writeMu.Lock()
	w.conn = conn
	w.writeMu.Unlock()
	defer func() {
		w.writeMu.Lock()
		w.conn = nil
		w.writeMu.Unlock()
		_ = conn.Close()
	}()

	if err := w.send(&livekit.WorkerMessage{Message: &livekit.WorkerMessage_Register{Register: &livekit.RegisterWorkerRequest{
		Type:      livekit.JobType_JT_ROOM,
		AgentName: w.config.AgentName,
		Version:   w.config.Version,
	}}}); err != nil {
		return false, err
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()
	go w.pingLoop(stop)

	registered := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return registered, errors.Wrap(err, "read server message")
		}
		msg := &livekit.ServerMessage{}
		if err := proto.Unmarshal(data, msg); err != nil {
			logger.Warn("dropping malformed server message", "error", err)
			continue
		}
		if msg.GetRegister() != nil {
			registered = true
		}
		w.handleMessage(msg)
	}
}

func (w *Worker) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(w.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			err := w.send(&livekit.WorkerMessage{Message: &livekit.WorkerMessage_Ping{Ping: &livekit.WorkerPing{Timestamp: time.Now().UnixMilli()}}})
			if err != nil {
				logger.Warn("worker ping failed", "error", err)
			}
			status := lo.Ternary(w.draining.Load() || !w.pool.HasCapacity(), livekit.WorkerStatus_WS_FULL, livekit.WorkerStatus_WS_AVAILABLE)
			_ = w.send(&livekit.WorkerMessage{Message: &livekit.WorkerMessage_UpdateWorker{UpdateWorker: &livekit.UpdateWorkerStatus{
				Status:   status.Enum(),
				Load:     w.pool.Load(),
				JobCount: uint32(w.activeJobs()),
			}}})
		}
	}
}

func (w *Worker) send(msg *livekit.WorkerMessage) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode worker message")
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.conn == nil {
		return errors.New("agent worker is not connected")
	}
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *Worker) handleMessage(msg *livekit.ServerMessage) {
	switch m := msg.Message.(type) {
	case *livekit.ServerMessage_Register:
		w.workerID.Store(m.Register.GetWorkerId())
		logger.Info("agent worker registered", "worker_id", m.Register.GetWorkerId(), "agent_name", w.config.AgentName)
	case *livekit.ServerMessage_Availability:
		w.answerAvailability(m.Availability.GetJob())
	case *livekit.ServerMessage_Assignment:
		w.accept(m.Assignment)
	case *livekit.ServerMessage_Termination:
		w.terminate(m.Termination.GetJobId())
	case *livekit.ServerMessage_Pong:
		logger.Debug("worker pong", "rtt_ms", time.Now().UnixMilli()-m.Pong.GetLastTimestamp())
	}
}

func (w *Worker) answerAvailability(job *livekit.Job) {
	available := !w.draining.Load() && w.pool.HasCapacity()
	logger.Debug("availability request", "job_id", job.GetId(), "available", available)

	err := w.send(&livekit.WorkerMessage{Message: &livekit.WorkerMessage_Availability{Availability: &livekit.AvailabilityResponse{
		JobId:               job.GetId(),
		Available:           available,
		ParticipantIdentity: ParticipantIdentity(job.GetId()),
		ParticipantName:     w.config.AgentName,
	}}})
	if err != nil {
		logger.Warn("failed to answer availability", "job_id", job.GetId(), "error", err)
	}
}

func (w *Worker) accept(assignment *livekit.JobAssignment) {
	lkJob := assignment.GetJob()
	job := orchestrator.Job{
		ID:         lkJob.GetId(),
		DispatchID: lkJob.GetDispatchId(),
		RoomName:   lkJob.GetRoom().GetName(),
		Metadata:   lkJob.GetMetadata(),
		URL:        lo.FromPtrOr(assignment.Url, w.config.URL),
		Token:      assignment.GetToken(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.jobsMu.Lock()
	w.jobs[job.ID] = cancel
	w.jobsMu.Unlock()
	done := func() {
		cancel()
		w.jobsMu.Lock()
		delete(w.jobs, job.ID)
		w.jobsMu.Unlock()
	}

	if err := w.pool.TryEnqueue(&task{ctx: ctx, job: job, done: done}); err != nil {
		done()
		logger.Warn("rejecting assigned job", "job_id", job.ID, "error", err)
		w.updateJob(job.ID, livekit.JobStatus_JS_FAILED, "agent worker at capacity")
		return
	}
	logger.Info("job assigned", "job_id", job.ID, "room", job.RoomName, "dispatch_id", job.DispatchID)
}

func (w *Worker) terminate(jobID string) {
	w.jobsMu.Lock()
	cancel, ok := w.jobs[jobID]
	w.jobsMu.Unlock()
	if ok {
		logger.Info("job terminated by server", "job_id", jobID)
		cancel()
	}
}

func (w *Worker) handleJob(_ context.Context, _ int, payload interface{}) {
	t, ok := payload.(*task)
	if !ok {
		return
	}
	defer t.done()

	w.updateJob(t.job.ID, livekit.JobStatus_JS_RUNNING, "")
	err := w.runner.Run(t.ctx, t.job)
	if err != nil {
		w.updateJob(t.job.ID, livekit.JobStatus_JS_FAILED, err.Error())
	} else {
		w.updateJob(t.job.ID, livekit.JobStatus_JS_SUCCESS, "")
	}

	if w.cleaner != nil && t.job.RoomName != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := w.cleaner.DeleteRoom(ctx, t.job.RoomName); err != nil {
			logger.Warn("failed to delete job room", "room", t.job.RoomName, "error", err)
		}
	}
}

func (w *Worker) updateJob(jobID string, status livekit.JobStatus, reason string) {
	err := w.send(&livekit.WorkerMessage{Message: &livekit.WorkerMessage_UpdateJob{UpdateJob: &livekit.UpdateJobStatus{
		JobId:  jobID,
		Status: status,
		Error:  reason,
	}}})
	if err != nil {
		logger.Warn("failed to report job status", "job_id", jobID, "status", status.String(), "error", err)
	}
}
