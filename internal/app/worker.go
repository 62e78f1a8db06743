package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/iho/sagaledger/internal/adapter/bankgateway"
	redisRepo "github.com/iho/sagaledger/internal/adapter/repository/redis"
	"github.com/iho/sagaledger/internal/infrastructure/config"
	"github.com/iho/sagaledger/internal/infrastructure/eventpublisher"
	"github.com/iho/sagaledger/internal/infrastructure/scheduler"
)

// Relay builds the outbox relay: saga events go to the orchestrator, bank
// events to publisher, anything else is logged.
func (a *App) Relay(publisher eventpublisher.Publisher) *eventpublisher.Relay {
	relay := eventpublisher.NewRelay(eventpublisher.Config{
		Outbox:    a.Outbox,
		Logger:    a.Logger,
		BatchSize: a.Config.OutboxBatchSize,
		Interval:  a.Config.OutboxPollInterval,
		Retention: a.Config.OutboxRetention,
	})
	relay.Handle(a.Orchestrator, a.Orchestrator.HandledEventTypes()...)
	relay.Handle(eventpublisher.PublisherHandler(publisher), bankgateway.EventTypes()...)
	return relay
}

// MonitorRunner builds the zombie monitor loop. With MONITOR_LEASE_ENABLED
// the runners of all workers share a redis lease.
func (a *App) MonitorRunner(ctx context.Context) (*scheduler.MonitorRunner, error) {
	cfg := scheduler.MonitorConfig{
		Scanner:  a.Monitor,
		Interval: a.Config.MonitorInterval,
		Logger:   a.Logger,
	}
	if a.Config.MonitorLeaseEnabled {
		if err := a.ConnectRedis(ctx); err != nil {
			return nil, err
		}
		cfg.Locker = redisRepo.NewLeaseLocker(a.Redis)
	}
	return scheduler.NewMonitorRunner(cfg), nil
}

// BankPublisher returns the configured bank gateway sink and a func that
// closes it.
func (a *App) BankPublisher() (eventpublisher.Publisher, func(), error) {
	if a.Config.BankGateway != config.BankGatewayAsynq {
		return eventpublisher.NewLogPublisher(a.Logger), func() {}, nil
	}

	opt, err := asynq.ParseRedisURI(a.Config.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url for bank gateway: %w", err)
	}
	client := asynq.NewClient(opt)
	closeFn := func() {
		if err := client.Close(); err != nil {
			a.Logger.Warn("asynq client close", slog.String("error", err.Error()))
		}
	}
	return bankgateway.NewAsynqPublisher(client, a.Config.BankQueue, a.Config.BankMaxRetry, a.Logger), closeFn, nil
}

// RunWorkers runs the outbox relay and the zombie monitor until ctx is
// cancelled or one of them fails.
func (a *App) RunWorkers(ctx context.Context) error {
	publisher, closePublisher, err := a.BankPublisher()
	if err != nil {
		return err
	}
	defer closePublisher()

	runner, err := a.MonitorRunner(ctx)
	if err != nil {
		return err
	}
	relay := a.Relay(publisher)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Start(gctx) })
	g.Go(func() error { return runner.Start(gctx) })

	err = g.Wait()
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
