package main

import (
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type StartRequest struct {
	RoomName            string `json:"room_name" binding:"required"`
	ParticipantIdentity string `json:"participant_identity" binding:"required"`
	Instructions        string `json:"instructions"`
	JobID               string `json:"job_id"`
	LiveKitURL          string `json:"livekit_url"`
	Token               string `json:"token" binding:"required"`
	STT                 struct {
		Provider string `json:"provider"`
		Model    string `json:"model"`
	} `json:"stt"`
	LLM struct {
		Model string `json:"model"`
	} `json:"llm"`
	TTS struct {
		Model string `json:"model"`
		Voice string `json:"voice"`
	} `json:"tts"`
}

type ReplyRequest struct {
	Instructions string `json:"instructions" binding:"required"`
}

type HealthResponse struct {
	Status      string    `json:"status"`
	PipelineID  string    `json:"pipeline_id"`
	Timestamp   time.Time `json:"timestamp"`
	Sessions    int       `json:"sessions"`
	FailureRate float64   `json:"failure_rate"`
}

type session struct {
	id        string
	room      string
	caller    string
	voice     string
	startedAt time.Time
	lines     []string
}

// MockPipeline stands in for a speech-to-text, LLM and text-to-speech
// pipeline. Replies are recorded into a transcript instead of being spoken.
type MockPipeline struct {
	mu          sync.Mutex
	sessions    map[string]*session
	failureRate float64
	replyDelay  time.Duration
	pipelineID  string
	rng         *rand.Rand
}

func NewMockPipeline(failureRate float64, replyDelay time.Duration) *MockPipeline {
	return &MockPipeline{
		sessions:    make(map[string]*session),
		failureRate: failureRate,
		replyDelay:  replyDelay,
		pipelineID:  "MOCK_PIPELINE_" + uuid.New().String()[:8],
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *MockPipeline) shouldFail() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.Float64() < p.failureRate
}

type Handler struct {
	pipeline *MockPipeline
}

func NewHandler(pipeline *MockPipeline) *Handler {
	return &Handler{pipeline: pipeline}
}

func (h *Handler) StartSession(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}
	if h.pipeline.shouldFail() {
		log.Warn().Str("room", req.RoomName).Msg("Simulated session start failure")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Pipeline temporarily unavailable"})
		return
	}

	s := &session{
		id:        uuid.NewString(),
		room:      req.RoomName,
		caller:    req.ParticipantIdentity,
		voice:     req.TTS.Voice,
		startedAt: time.Now(),
	}
	h.pipeline.mu.Lock()
	h.pipeline.sessions[s.id] = s
	h.pipeline.mu.Unlock()

	log.Info().
		Str("session_id", s.id).
		Str("room", req.RoomName).
		Str("participant", req.ParticipantIdentity).
		Str("stt", req.STT.Provider+"/"+req.STT.Model).
		Str("llm", req.LLM.Model).
		Str("voice", req.TTS.Voice).
		Msg("Session started")

	c.JSON(http.StatusCreated, gin.H{"session_id": s.id})
}

func (h *Handler) Reply(c *gin.Context) {
	var req ReplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	time.Sleep(h.pipeline.replyDelay)

	h.pipeline.mu.Lock()
	s, ok := h.pipeline.sessions[c.Param("id")]
	if ok {
		s.lines = append(s.lines, fmt.Sprintf("agent: %s", spokenText(req.Instructions)))
	}
	h.pipeline.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	log.Info().Str("session_id", s.id).Str("room", s.room).Msg("Reply generated")
	c.JSON(http.StatusOK, gin.H{"status": "speaking"})
}

func (h *Handler) CloseSession(c *gin.Context) {
	id := c.Param("id")
	h.pipeline.mu.Lock()
	s, ok := h.pipeline.sessions[id]
	delete(h.pipeline.sessions, id)
	h.pipeline.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	log.Info().
		Str("session_id", id).
		Str("room", s.room).
		Dur("duration", time.Since(s.startedAt)).
		Msg("Session closed")

	c.JSON(http.StatusOK, gin.H{"session_id": id, "transcript": strings.Join(s.lines, "\n")})
}

func (h *Handler) HealthCheck(c *gin.Context) {
	h.pipeline.mu.Lock()
	n := len(h.pipeline.sessions)
	h.pipeline.mu.Unlock()

	c.JSON(http.StatusOK, HealthResponse{
		Status:      "healthy",
		PipelineID:  h.pipeline.pipelineID,
		Timestamp:   time.Now(),
		Sessions:    n,
		FailureRate: h.pipeline.failureRate,
	})
}

// spokenText pulls the quoted phrase out of a "say ..." instruction.
func spokenText(instructions string) string {
	start := strings.Index(instructions, "'")
	end := strings.LastIndex(instructions, "'")
	if start >= 0 && end > start {
		return instructions[start+1 : end]
	}
	return instructions
}

func SetupRouter(handler *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request processed")
	})

	router.GET("/health", handler.HealthCheck)
	v1 := router.Group("/v1")
	{
		v1.POST("/sessions", handler.StartSession)
		v1.POST("/sessions/:id/reply", handler.Reply)
		v1.DELETE("/sessions/:id", handler.CloseSession)
	}
	return router
}
