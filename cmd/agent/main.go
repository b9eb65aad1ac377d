package main

import (
	"os"

	"github.com/nimasrn/outbound-caller/internal/agentworker"
	"github.com/nimasrn/outbound-caller/internal/bootstrap"
	"github.com/nimasrn/outbound-caller/internal/config"
	"github.com/nimasrn/outbound-caller/internal/events"
	"github.com/nimasrn/outbound-caller/internal/orchestrator"
	"github.com/nimasrn/outbound-caller/internal/session"
	"github.com/nimasrn/outbound-caller/pkg/logger"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := config.Load(bootstrap.EnvPath(os.Args)); err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}
	cfg := config.Get()
	logger.Info("starting agent", "agent_name", cfg.AgentName, "version", version, "commit", commit, "date", date)

	// the agent cannot place a call without a trunk and a fallback destination
	if err := cfg.ValidateAgent(); err != nil {
		logger.Error("invalid configuration", "error", err)
		return
	}

	ctx, stop := bootstrap.SignalContext()
	defer stop()

	redisAdap, err := bootstrap.Redis(ctx, cfg, "agent")
	if err != nil {
		logger.Error("startup failed", "error", err)
		return
	}
	defer redisAdap.Close()

	stream, err := bootstrap.EventStream(ctx, redisAdap, cfg, "")
	if err != nil {
		logger.Error("failed creating event stream", "error", err)
		return
	}

	if err := bootstrap.Metrics(cfg); err != nil {
		logger.Error("startup failed", "error", err)
		return
	}

	sessions, err := session.NewClient(session.Config{
		Endpoints:        cfg.Pipelines(),
		STT:              session.STTOptions{Provider: "deepgram", Model: cfg.STTModel, APIKey: cfg.DeepgramAPIKey},
		LLM:              session.LLMOptions{Model: cfg.LLMModel, APIKey: cfg.OpenAIAPIKey},
		TTS:              session.TTSOptions{Model: cfg.TTSModel, Voice: cfg.TTSVoice},
		LiveKitURL:       cfg.LiveKitURL,
		LiveKitAPIKey:    cfg.LiveKitAPIKey,
		LiveKitAPISecret: cfg.LiveKitAPISecret,
		TokenTTL:         cfg.CallMaxDuration,
	})
	if err != nil {
		logger.Error("failed to create session client", "error", err)
		return
	}
	defer sessions.Close()

	orch := orchestrator.New(orchestrator.Config{
		DefaultPhoneNumber: cfg.DefaultPhoneNumber,
		AgentDisplayName:   cfg.AgentDisplayName,
		PickupTimeout:      cfg.CallPickupTimeout,
		MaxCallDuration:    cfg.CallMaxDuration,
	},
		agentworker.NewRoomConnector(cfg.LiveKitURL),
		agentworker.NewSIPDialer(cfg.LiveKitURL, cfg.LiveKitAPIKey, cfg.LiveKitAPISecret, cfg.SIPOutboundTrunkID),
		sessions,
		events.NewPublisher(stream),
	)

	w := agentworker.New(agentworker.Config{
		URL:          cfg.LiveKitURL,
		APIKey:       cfg.LiveKitAPIKey,
		APISecret:    cfg.LiveKitAPISecret,
		AgentName:    cfg.AgentName,
		Version:      cfg.AgentVersion,
		MaxJobs:      cfg.AgentMaxJobs,
		PingInterval: cfg.AgentPingInterval,
		DrainTimeout: cfg.CallMaxDuration,
	}, orch, agentworker.NewRoomCleaner(cfg.LiveKitURL, cfg.LiveKitAPIKey, cfg.LiveKitAPISecret))

	if err := w.Run(ctx); err != nil {
		logger.Error("agent worker failed", "error", err)
	}
}
