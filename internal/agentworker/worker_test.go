package agentworker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/livekit/protocol/livekit"
	"github.com/nimasrn/outbound-caller/internal/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

// fakeServer plays the control plane side of the agent protocol.
type fakeServer struct {
	t     *testing.T
	srv   *httptest.Server
	conns chan *websocket.Conn
	auth  chan string
}

func newFakeServer(t *testing.T) *fakeServer {
	fs := &fakeServer{t: t, conns: make(chan *websocket.Conn, 4), auth: make(chan string, 4)}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/agent", func(w http.ResponseWriter, r *http.Request) {
		select {
		case fs.auth <- r.Header.Get("Authorization"):
		default:
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		select {
		case fs.conns <- conn:
		default:
			_ = conn.Close()
		}
	})
	fs.srv = httptest.NewServer(mux)
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) accept() *websocket.Conn {
	select {
	case conn := <-fs.conns:
		fs.t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		fs.t.Fatal("worker never connected")
		return nil
	}
}

func readWorkerMessage(t *testing.T, conn *websocket.Conn) *livekit.WorkerMessage {
	t.Helper()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		msg := &livekit.WorkerMessage{}
		require.NoError(t, proto.Unmarshal(data, msg))
		if msg.GetPing() != nil || msg.GetUpdateWorker() != nil {
			continue
		}
		return msg
	}
}

func sendServerMessage(t *testing.T, conn *websocket.Conn, msg *livekit.ServerMessage) {
	t.Helper()
	data, err := proto.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, data))
}

type fakeRunner struct {
	jobs  chan orchestrator.Job
	block bool
}

func (r *fakeRunner) Run(ctx context.Context, job orchestrator.Job) error {
	r.jobs <- job
	if r.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

type fakeCleaner struct {
	rooms chan string
}

func (c *fakeCleaner) DeleteRoom(_ context.Context, room string) error {
	c.rooms <- room
	return nil
}

func startWorker(t *testing.T, fs *fakeServer, runner JobRunner, cleaner Cleaner) (*Worker, context.CancelFunc, chan struct{}) {
	w := New(Config{
		URL:          fs.srv.URL,
		APIKey:       "key",
		APISecret:    "secret-secret-secret-secret-secret",
		AgentName:    "FRAN-TIGER",
		Version:      "test",
		MaxJobs:      1,
		PingInterval: time.Hour,
		DrainTimeout: time.Second,
	}, runner, cleaner)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w, cancel, done
}

func register(t *testing.T, conn *websocket.Conn) {
	msg := readWorkerMessage(t, conn)
	reg := msg.GetRegister()
	require.NotNil(t, reg)
	assert.Equal(t, "FRAN-TIGER", reg.GetAgentName())
	assert.Equal(t, livekit.JobType_JT_ROOM, reg.GetType())
	sendServerMessage(t, conn, &livekit.ServerMessage{Message: &livekit.ServerMessage_Register{Register: &livekit.RegisterWorkerResponse{WorkerId: "W1"}}})
}

func testJob(id string) *livekit.Job {
	return &livekit.Job{
		Id:         id,
		DispatchId: "AD_" + id,
		Type:       livekit.JobType_JT_ROOM,
		Room:       &livekit.Room{Name: "outbound-0000000001"},
		Metadata:   `{"phone_number":"+15551234","name":"Sam"}`,
		AgentName:  "FRAN-TIGER",
	}
}

func TestWorker_JobLifecycle(t *testing.T) {
	fs := newFakeServer(t)
	runner := &fakeRunner{jobs: make(chan orchestrator.Job, 1)}
	cleaner := &fakeCleaner{rooms: make(chan string, 1)}
	w, _, _ := startWorker(t, fs, runner, cleaner)

	conn := fs.accept()
	assert.True(t, strings.HasPrefix(<-fs.auth, "Bearer "))
	register(t, conn)

	sendServerMessage(t, conn, &livekit.ServerMessage{Message: &livekit.ServerMessage_Availability{Availability: &livekit.AvailabilityRequest{Job: testJob("J1")}}})
	avail := readWorkerMessage(t, conn).GetAvailability()
	require.NotNil(t, avail)
	assert.True(t, avail.GetAvailable())
	assert.Equal(t, "J1", avail.GetJobId())
	assert.Equal(t, "agent-J1", avail.GetParticipantIdentity())
	assert.Equal(t, "W1", w.ID())

	sendServerMessage(t, conn, &livekit.ServerMessage{Message: &livekit.ServerMessage_Assignment{Assignment: &livekit.JobAssignment{Job: testJob("J1"), Token: "room-token"}}})

	running := readWorkerMessage(t, conn).GetUpdateJob()
	require.NotNil(t, running)
	assert.Equal(t, livekit.JobStatus_JS_RUNNING, running.GetStatus())

	job := <-runner.jobs
	assert.Equal(t, "J1", job.ID)
	assert.Equal(t, "AD_J1", job.DispatchID)
	assert.Equal(t, "outbound-0000000001", job.RoomName)
	assert.Equal(t, "room-token", job.Token)
	assert.Equal(t, fs.srv.URL, job.URL)
	assert.Contains(t, job.Metadata, "+15551234")

	done := readWorkerMessage(t, conn).GetUpdateJob()
	require.NotNil(t, done)
	assert.Equal(t, livekit.JobStatus_JS_SUCCESS, done.GetStatus())

	select {
	case room := <-cleaner.rooms:
		assert.Equal(t, "outbound-0000000001", room)
	case <-time.After(2 * time.Second):
		t.Fatal("room was not cleaned up")
	}
}

func TestWorker_TerminationCancelsJob(t *testing.T) {
	fs := newFakeServer(t)
	runner := &fakeRunner{jobs: make(chan orchestrator.Job, 1), block: true}
	startWorker(t, fs, runner, nil)

	conn := fs.accept()
	register(t, conn)

	url := "wss://assigned.example"
	sendServerMessage(t, conn, &livekit.ServerMessage{Message: &livekit.ServerMessage_Assignment{Assignment: &livekit.JobAssignment{Job: testJob("J2"), Url: &url}}})
	require.Equal(t, livekit.JobStatus_JS_RUNNING, readWorkerMessage(t, conn).GetUpdateJob().GetStatus())
	job := <-runner.jobs
	assert.Equal(t, url, job.URL)

	// full while the job runs
	sendServerMessage(t, conn, &livekit.ServerMessage{Message: &livekit.ServerMessage_Availability{Availability: &livekit.AvailabilityRequest{Job: testJob("J3")}}})
	assert.False(t, readWorkerMessage(t, conn).GetAvailability().GetAvailable())

	sendServerMessage(t, conn, &livekit.ServerMessage{Message: &livekit.ServerMessage_Termination{Termination: &livekit.JobTermination{JobId: "J2"}}})
	failed := readWorkerMessage(t, conn).GetUpdateJob()
	require.NotNil(t, failed)
	assert.Equal(t, livekit.JobStatus_JS_FAILED, failed.GetStatus())
	assert.Contains(t, failed.GetError(), "context canceled")
}

func TestWorker_ReconnectsAfterDrop(t *testing.T) {
	fs := newFakeServer(t)
	startWorker(t, fs, &fakeRunner{jobs: make(chan orchestrator.Job, 1)}, nil)

	first := fs.accept()
	register(t, first)
	_ = first.Close()

	second := fs.accept()
	register(t, second)
}

func TestWorker_StopsOnCancel(t *testing.T) {
	fs := newFakeServer(t)
	_, cancel, done := startWorker(t, fs, &fakeRunner{jobs: make(chan orchestrator.Job, 1)}, nil)

	conn := fs.accept()
	register(t, conn)
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestParticipantIdentity(t *testing.T) {
	assert.Equal(t, "agent-AJ_123", ParticipantIdentity("AJ_123"))
}
