// Package bootstrap opens the shared infrastructure every binary needs.
package bootstrap

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nimasrn/outbound-caller/internal/config"
	"github.com/nimasrn/outbound-caller/internal/events"
	"github.com/nimasrn/outbound-caller/pkg/logger"
	"github.com/nimasrn/outbound-caller/pkg/pg"
	"github.com/nimasrn/outbound-caller/pkg/prom"
	"github.com/nimasrn/outbound-caller/pkg/redis"
	"github.com/pkg/errors"
)

// EnvPath returns the value of a --env=<file> argument, or "" when it is
// absent or unreadable.
func EnvPath(args []string) string {
	for _, v := range args {
		path, ok := strings.CutPrefix(v, "--env=")
		if !ok {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			logger.Error("failed to open the passed env file", "path", path, "error", err)
			return ""
		}
		return path
	}
	return ""
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func Postgres(c *config.Config) (*pg.DB, error) {
	db, err := pg.CreateReadWrite(c.PostgresRead(), c.PostgresWrite(), c.AppDebug || c.AppEnv == "dev")
	return db, errors.Wrap(err, "failed connecting to pg")
}

func Redis(ctx context.Context, c *config.Config, clientName string) (redis.RedisAdapter, error) {
	opts := c.Redis()
	opts.ClientName = clientName
	adapter, err := redis.NewRedisAdapter(ctx, c.RedisKeyPrefix, opts)
	return adapter, errors.Wrap(err, "failed connecting to redis")
}

// EventStream opens the call event stream. consumer names this process in
// the consumer group; publishers pass "".
func EventStream(ctx context.Context, adapter redis.RedisAdapter, c *config.Config, consumer string) (*events.Stream, error) {
	return events.NewStream(ctx, adapter, events.StreamConfig{
		Name:              c.EventsStream,
		ConsumerGroup:     c.EventsConsumerGroup,
		ConsumerName:      consumer,
		MaxRetries:        c.EventsMaxRetries,
		VisibilityTimeout: c.EventsVisibilityTimeout,
		Block:             c.EventsBlock,
		BatchSize:         c.EventsBatchSize,
		MaxLen:            c.EventsMaxLen,
		EnableDLQ:         true,
	})
}

// Metrics registers the collectors and serves them in the background.
func Metrics(c *config.Config) error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if err := prom.Create(hostname, c.AppEnv, c.AppName); err != nil {
		return errors.Wrap(err, "failed to create prometheus metrics")
	}
	go prom.ListenAndServer(c.AppMetricsAddr, c.AppMetricsURI)
	return nil
}
