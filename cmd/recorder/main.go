package main

import (
	"context"
	"os"

	"github.com/nimasrn/outbound-caller/internal/bootstrap"
	"github.com/nimasrn/outbound-caller/internal/config"
	"github.com/nimasrn/outbound-caller/internal/processor"
	"github.com/nimasrn/outbound-caller/internal/repository"
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
	logger.Info("starting recorder", "version", version, "commit", commit, "date", date)

	ctx, stop := bootstrap.SignalContext()
	defer stop()

	db, err := bootstrap.Postgres(cfg)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return
	}
	defer db.Close()

	redisAdap, err := bootstrap.Redis(ctx, cfg, "recorder")
	if err != nil {
		logger.Error("startup failed", "error", err)
		return
	}
	defer redisAdap.Close()

	consumer := cfg.EventsConsumerName
	if consumer == "" {
		if consumer, err = os.Hostname(); err != nil {
			consumer = "recorder"
		}
	}
	stream, err := bootstrap.EventStream(ctx, redisAdap, cfg, consumer)
	if err != nil {
		logger.Error("failed creating event stream", "error", err)
		return
	}

	if err := bootstrap.Metrics(cfg); err != nil {
		logger.Error("startup failed", "error", err)
		return
	}

	calls := repository.NewCallRecordRepository(db)
	metrics := processor.NewServiceMetrics()
	idempotency := processor.NewIdempotencyService(redisAdap, processor.DefaultIdempotencyConfig())

	service := processor.NewRecorderService(
		redisAdap,
		stream,
		processor.NewCallEventProcessor(calls, idempotency, metrics),
		processor.NewSweeper(calls, cfg.DispatchExpiry, cfg.CallMaxDuration),
		metrics,
		processor.RecorderConfig{Workers: cfg.EventsWorkers, SweepSpec: cfg.RecorderSweepSpec},
	)
	// Stop owns the shutdown order, so the consumers do not follow the signal context.
	if err := service.Start(context.WithoutCancel(ctx)); err != nil {
		logger.Error("failed to start recorder", "error", err)
		return
	}

	<-ctx.Done()
	service.Stop()
}
