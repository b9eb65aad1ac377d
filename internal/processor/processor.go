package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nimasrn/outbound-caller/internal/events"
	"github.com/nimasrn/outbound-caller/pkg/logger"
	"github.com/nimasrn/outbound-caller/pkg/prom"
	"github.com/nimasrn/outbound-caller/pkg/redis"
	"github.com/nimasrn/outbound-caller/pkg/worker"
	"github.com/robfig/cron/v3"
)

const ProcessingTimeout = 10 * time.Second
const ShutdownTimeout = 30 * time.Second

type RecorderConfig struct {
	Workers      int
	SweepSpec    string
	ReportSpec   string
	PendingAlert int64
}

// RecorderService consumes call events through a worker pool and runs the
// periodic maintenance jobs.
type RecorderService struct {
	adapter   redis.RedisAdapter
	stream    *events.Stream
	processor Processor
	sweeper   *Sweeper
	metrics   *ServiceMetrics
	worker    *worker.WorkerManager
	cron      *cron.Cron
	config    RecorderConfig

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewRecorderService(adapter redis.RedisAdapter, stream *events.Stream, processor Processor, sweeper *Sweeper, metrics *ServiceMetrics, cfg RecorderConfig) *RecorderService {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ReportSpec == "" {
		cfg.ReportSpec = "@every 30s"
	}
	if cfg.PendingAlert == 0 {
		cfg.PendingAlert = 1000
	}
	return &RecorderService{
		adapter:   adapter,
		stream:    stream,
		processor: processor,
		sweeper:   sweeper,
		metrics:   metrics,
		worker:    worker.NewWorkerManager(cfg.Workers*2, cfg.Workers),
		cron:      cron.New(),
		config:    cfg,
	}
}

func (s *RecorderService) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.worker.SetWorker(s.workerHandler)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.worker.Start(ctx); err != nil {
			logger.Error("worker manager stopped", "error", err)
		}
	}()

	if err := s.stream.Consume(ctx, s.messageHandler); err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}

	if s.sweeper != nil && s.config.SweepSpec != "" {
		if _, err := s.cron.AddFunc(s.config.SweepSpec, func() { s.sweep(ctx) }); err != nil {
			return fmt.Errorf("schedule sweep %q: %w", s.config.SweepSpec, err)
		}
	}
	if _, err := s.cron.AddFunc(s.config.ReportSpec, func() { s.report(ctx) }); err != nil {
		return fmt.Errorf("schedule report %q: %w", s.config.ReportSpec, err)
	}
	s.cron.Start()

	logger.Info("recorder started", "stream", s.stream.Name(), "processor", s.processor.GetType(), "workers", s.config.Workers)
	return nil
}

func (s *RecorderService) sweep(ctx context.Context) {
	if _, err := s.sweeper.ExpirePending(ctx); err != nil {
		logger.Error("stale pending sweep failed", "error", err)
	}
	if _, err := s.sweeper.ExpireConnected(ctx); err != nil {
		logger.Error("stale connected sweep failed", "error", err)
	}
	if err := s.sweeper.ReportGauges(ctx); err != nil {
		logger.Warn("call gauges refresh failed", "error", err)
	}
}

func (s *RecorderService) report(ctx context.Context) {
	snap := s.metrics.Snapshot()
	logger.Info("recorder metrics",
		"applied", snap.Applied,
		"skipped", snap.Skipped,
		"failed", snap.Failed,
		"avg_duration_ms", snap.AvgDuration.Milliseconds(),
		"uptime_seconds", snap.UptimeSeconds,
	)

	if err := s.adapter.Ping(ctx); err != nil {
		logger.Error("health check failed: redis unreachable", "error", err)
		return
	}
	stats, err := s.stream.Stats(ctx)
	if err != nil {
		logger.Warn("stream stats unavailable", "error", err)
		return
	}
	prom.SetStreamDepth(s.stream.Name(), stats.Length)
	if stats.Pending > s.config.PendingAlert {
		logger.Warn("call event stream has high lag", "pending", stats.Pending)
	}
}

// Stop drains the consumer, the workers and the scheduler.
func (s *RecorderService) Stop() {
	logger.Info("shutting down recorder")

	cronCtx := s.cron.Stop()
	if err := s.stream.Stop(ShutdownTimeout); err != nil {
		logger.Error("error stopping consumer", "error", err)
	}
	s.worker.Exit()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	select {
	case <-cronCtx.Done():
	case <-time.After(ShutdownTimeout):
		logger.Warn("timeout waiting for scheduled jobs")
	}
	s.report(context.Background())
	logger.Info("recorder stopped")
}

type job struct {
	msg        *events.Message
	resultChan chan error
	ctx        context.Context
}

// messageHandler hands the message to the pool and waits for its result so
// the stream acks only what was applied.
func (s *RecorderService) messageHandler(ctx context.Context, msg *events.Message) error {
	msgCtx, cancel := context.WithTimeout(ctx, ProcessingTimeout)
	defer cancel()

	j := &job{msg: msg, resultChan: make(chan error, 1), ctx: msgCtx}
	if err := s.worker.Enqueue(msgCtx, j); err != nil {
		return err
	}

	select {
	case err := <-j.resultChan:
		return err
	case <-msgCtx.Done():
		return fmt.Errorf("timeout waiting for worker to process event: %w", msgCtx.Err())
	}
}

func (s *RecorderService) workerHandler(_ context.Context, workerIndex int, payload interface{}) {
	j, ok := payload.(*job)
	if !ok {
		logger.Error("invalid job type in worker", "worker", workerIndex)
		return
	}
	if j.ctx.Err() != nil {
		return
	}

	err := s.processor.Process(j.ctx, j.msg)
	if err != nil {
		logger.Error("failed to process call event", "worker", workerIndex, "id", j.msg.ID, "error", err)
	}
	j.resultChan <- err
}
