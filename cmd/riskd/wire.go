package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"OpenGRC-Risk/internal/agent"
	"OpenGRC-Risk/internal/agents/riskscoring"
	"OpenGRC-Risk/internal/api"
	"OpenGRC-Risk/internal/auth"
	"OpenGRC-Risk/internal/catalog"
	"OpenGRC-Risk/internal/config"
	"OpenGRC-Risk/internal/events"
	"OpenGRC-Risk/internal/observability/alerting"
	"OpenGRC-Risk/internal/observability/metrics"
	"OpenGRC-Risk/internal/store"
	"OpenGRC-Risk/internal/task"
	"OpenGRC-Risk/pkg/logger"
)

// app holds every long-lived component of the service.
type app struct {
	records   store.Store
	repo      *store.Repository
	publisher events.Publisher
	queue     task.Queue
	service   *task.Service
	processor *task.Processor
	registry  *agent.Registry
	metrics   *metrics.Metrics
	server    *api.Server

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.records, err = openStore(ctx, cfg.Store); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.records.Close)
	a.repo = store.NewRepository(a.records)

	if err := seedCatalog(ctx, a.repo, cfg.Catalog.Dir); err != nil {
		return nil, err
	}

	if a.publisher, err = openPublisher(ctx, cfg.Events); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.publisher.Close)

	alerts := newAlertDispatcher(cfg.Alerting)

	agentCfg, err := cfg.Agents.RiskScoring.ToAgent()
	if err != nil {
		return nil, err
	}
	worker := riskscoring.New(a.repo,
		riskscoring.WithPublisher(a.publisher),
		riskscoring.WithScoreRecorder(a.metrics),
		riskscoring.WithBatchSize(cfg.Agents.RiskScoring.BatchSize),
	)
	ctrl, err := riskscoring.NewController(agentCfg, worker,
		agent.WithObserver(a.metrics),
		agent.WithObserver(a.repo.RunRecorder(5*time.Second)),
		agent.WithAlertDispatcher(alerts),
	)
	if err != nil {
		return nil, err
	}
	if a.registry, err = agent.NewRegistry(ctrl); err != nil {
		return nil, err
	}

	if a.queue, err = openQueue(ctx, cfg.Queue); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.queue.Close)

	jobs := task.NewKVStore(a.records)
	a.service = task.NewService(jobs, a.queue, a.repo)
	a.processor = task.NewProcessor(ctrl, jobs, a.queue,
		task.WithWorkerCount(cfg.Queue.Workers),
		task.WithAlertDispatcher(alerts),
		task.WithRequeue(a.repo, a.queue),
	)
	authn, err := auth.NewService(cfg.Auth.ToAuth())
	if err != nil {
		return nil, err
	}
	a.server = api.NewServer(cfg.Server.Address, a.repo, a.service,
		api.WithRegistry(a.registry),
		api.WithMetrics(a.metrics),
		api.WithAuth(authn),
	)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.L().Warn("close component failed", slog.Any("error", err))
		}
	}
	a.closers = nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "mysql":
		s, err := store.NewMySQLStore(ctx, store.MySQLConfig{
			DSN:             cfg.MySQL.DSN,
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.MySQL.ConnMaxLifetimeSec) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "redis":
		s, err := store.NewRedisStore(ctx, store.RedisConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Namespace: cfg.Redis.Namespace,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (task.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryQueue(1024), nil
	case "redis":
		q, err := task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Name,
			BlockWait: time.Duration(cfg.BlockTimeoutSec) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return q, nil
	case "rabbitmq":
		q, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.Name,
			Prefetch: cfg.Workers,
			Durable:  true,
		})
		if err != nil {
			return nil, err
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unknown queue driver: %s", cfg.Driver)
	}
}

func openPublisher(ctx context.Context, cfg config.EventsConfig) (events.Publisher, error) {
	switch cfg.Driver {
	case "", "none":
		return events.Noop{}, nil
	case "redis":
		p, err := events.NewRedisPublisher(ctx, events.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Channel,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case "rabbitmq":
		p, err := events.NewAMQPPublisher(events.AMQPConfig{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
			Durable:  true,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown events driver: %s", cfg.Driver)
	}
}

func newAlertDispatcher(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    cfg.WebhookURL,
			Client: &http.Client{Timeout: time.Duration(cfg.WebhookTimeout) * time.Second},
		})
	}
	return alerting.NewFanout(notifiers...)
}

// seedCatalog loads the framework definitions; a missing directory only
// leaves the catalog empty.
func seedCatalog(ctx context.Context, repo *store.Repository, dir string) error {
	frameworks, err := catalog.LoadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.L().Warn("framework catalog directory not found", slog.String("dir", dir))
			return nil
		}
		return err
	}
	return catalog.Seed(ctx, repo, frameworks)
}
