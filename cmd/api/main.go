package main

import (
	"os"

	"github.com/nimasrn/outbound-caller/internal/bootstrap"
	"github.com/nimasrn/outbound-caller/internal/config"
	"github.com/nimasrn/outbound-caller/internal/dispatch"
	"github.com/nimasrn/outbound-caller/internal/handlers"
	"github.com/nimasrn/outbound-caller/internal/repository"
	"github.com/nimasrn/outbound-caller/internal/services"
	xhttp "github.com/nimasrn/outbound-caller/pkg/http"
	"github.com/nimasrn/outbound-caller/pkg/logger"
	"github.com/nimasrn/outbound-caller/pkg/prom"
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
	logger.Info("starting api", "version", version, "commit", commit, "date", date)

	if err := cfg.ValidateLiveKit(); err != nil {
		logger.Error("invalid configuration", "error", err)
		return
	}

	ctx, stop := bootstrap.SignalContext()
	defer stop()

	db, err := bootstrap.Postgres(cfg)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return
	}
	defer db.Close()

	sessions, err := bootstrap.Redis(ctx, cfg, "api")
	if err != nil {
		logger.Error("startup failed", "error", err)
		return
	}
	defer sessions.Close()

	if err := bootstrap.Metrics(cfg); err != nil {
		logger.Error("startup failed", "error", err)
		return
	}

	// one dispatch client for the life of the process
	dispatcher, err := dispatch.NewClient(dispatch.ClientConfig{
		URL:       cfg.LiveKitURL,
		APIKey:    cfg.LiveKitAPIKey,
		APISecret: cfg.LiveKitAPISecret,
	})
	if err != nil {
		logger.Error("failed creating dispatch client", "error", err)
		return
	}

	callRepo := repository.NewCallRecordRepository(db)
	adminRepo := repository.NewAdminUserRepository(db)

	callService := services.NewCallService(callRepo, dispatcher, cfg.AgentName, cfg.RoomPrefix)
	adminService := services.NewAdminService(adminRepo, callRepo, sessions, cfg.AdminSessionTTL)
	if err := adminService.EnsureDefaultAdmin(ctx, cfg.AdminUsername, cfg.AdminPassword); err != nil {
		logger.Error("failed to ensure default admin", "error", err)
		return
	}

	s := xhttp.NewServer(xhttp.DefaultServerOption)
	s.Use(xhttp.RecoverMiddleware)
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.MetricsMiddleware(prom.ObserveHTTP))
	s.Use(xhttp.CORSMiddleware(cfg.HttpCORSOrigin))
	s.Use(xhttp.TimeoutMiddleware(cfg.HttpRequestTimeout))
	s.Use(xhttp.CompressMiddleware(6))

	handlers.RegisterHealthRoutes(s.Router)
	handlers.RegisterCallRoutes(s.Router, handlers.NewCallHandler(callService, cfg.AgentDisplayName, cfg.HttpRequestTimeout))
	handlers.RegisterAdminRoutes(s.Router, handlers.NewAdminHandler(adminService, cfg.AdminSessionTTL, cfg.AdminSecureCookie))

	go func() {
		if err := s.ListenAndServe(cfg.HttpListenAddr); err != nil {
			logger.Error("error in running http-server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	s.Shutdown()
	if err := dispatcher.Close(); err != nil {
		logger.Warn("failed to close dispatch client", "error", err)
	}
	logger.Info("api stopped")
}
