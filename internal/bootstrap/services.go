package bootstrap

import (
	"context"
	"time"

	"github.com/cassiomorais/payflow/internal/application/command"
	"github.com/cassiomorais/payflow/internal/application/compensation"
	outboxApp "github.com/cassiomorais/payflow/internal/application/outbox"
	paymentApp "github.com/cassiomorais/payflow/internal/application/payment"
	"github.com/cassiomorais/payflow/internal/domain/payment"
	"github.com/cassiomorais/payflow/internal/infrastructure/config"
	"github.com/cassiomorais/payflow/internal/infrastructure/kafka"
	"github.com/cassiomorais/payflow/internal/infrastructure/rabbitmq"
	infraRedis "github.com/cassiomorais/payflow/internal/infrastructure/redis"
	"github.com/cassiomorais/payflow/internal/interfaces/http/handlers"
	"github.com/cassiomorais/payflow/internal/providers"
	"github.com/cassiomorais/payflow/internal/repository/postgres"
	"github.com/cassiomorais/payflow/pkg/retry"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Services is the wired application graph.
type Services struct {
	Payments    *postgres.PaymentRepository
	Outbox      *postgres.OutboxRepository
	TxManager   *postgres.TxManager
	Idempotency paymentApp.IdempotencyStore
	// IdempotencyCleaner is set for the postgres backend, whose expired
	// rows need purging. Redis expires keys itself.
	IdempotencyCleaner *postgres.IdempotencyRepository
	Providers          *providers.Factory

	Process      *paymentApp.ProcessPaymentUseCase
	Refund       *paymentApp.RefundPaymentUseCase
	Status       *paymentApp.GetPaymentStatusUseCase
	Compensation *compensation.Handler
	Reconciler   *compensation.Reconciler
	OutboxWorker *outboxApp.Worker
	DeadLetters  *outboxApp.DeadLetters
	Consumer     *command.Consumer

	// Sources is one command source per queue or stream.
	Sources   []command.Source
	Publisher command.Publisher
	Checks    map[string]handlers.Check

	cfg    *config.Config
	logger zerolog.Logger
}

// Wiring selects what Build connects to.
type Wiring struct {
	// Consume opens command sources; only the worker consumes.
	Consume bool
	// Relay builds the event bus and outbox worker.
	Relay bool
}

// Build wires every component from the loaded configuration.
func (a *App) Build(ctx context.Context, w Wiring) (*Services, error) {
	cfg := a.Config
	s := &Services{
		Payments:  postgres.NewPaymentRepository(a.Pool),
		Outbox:    postgres.NewOutboxRepository(a.Pool),
		TxManager: postgres.NewTxManager(a.Pool),
		cfg:       cfg,
		logger:    a.Logger,
		Checks: map[string]handlers.Check{
			"postgres": a.Pool.Ping,
			"redis":    func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() },
		},
	}

	switch cfg.Idempotency.Backend {
	case config.DriverPostgres:
		repo := postgres.NewIdempotencyRepository(a.Pool)
		s.Idempotency = repo
		s.IdempotencyCleaner = repo
	default:
		s.Idempotency = infraRedis.NewIdempotencyStore(a.Redis)
	}

	s.Providers = a.providerFactory()
	locker := infraRedis.NewLocker(a.Redis, 0)

	compCfg := a.compensationConfig()
	s.Compensation = compensation.NewHandler(
		s.Payments, s.Outbox, s.TxManager, s.Providers, a.Metrics, compCfg, a.Logger,
	)
	s.Reconciler = compensation.NewReconciler(
		s.Payments, s.Outbox, s.TxManager, s.Providers, s.Compensation, locker, s.Idempotency, a.Metrics, compCfg, a.Logger,
	)

	payCfg := a.paymentConfig(compCfg)
	s.Process = paymentApp.NewProcessPaymentUseCase(
		s.Payments, s.Outbox, s.TxManager, s.Providers, s.Idempotency, s.Compensation, a.Metrics, payCfg, a.Logger,
	)
	s.Refund = paymentApp.NewRefundPaymentUseCase(
		s.Payments, s.Outbox, s.TxManager, s.Providers, s.Idempotency, locker, a.Metrics, payCfg, a.Logger,
	)
	s.Status = paymentApp.NewGetPaymentStatusUseCase(s.Payments)

	outboxCfg := a.outboxConfig()
	s.DeadLetters = outboxApp.NewDeadLetters(s.Outbox, outboxCfg)

	s.Consumer = command.NewConsumer(s.Process, s.Refund, s.Idempotency, a.Metrics, command.Config{
		Concurrency:     cfg.Commands.Concurrency,
		MaxRedeliveries: cfg.Commands.MaxRedeliveries,
		IdempotencyTTL:  cfg.Idempotency.TTL,
	}, a.Logger)

	var conn *amqp.Connection
	needRabbit := cfg.Commands.Driver == config.DriverRabbitMQ ||
		(w.Relay && cfg.EventBus.Driver == config.DriverRabbitMQ)
	if needRabbit {
		var err error
		conn, err = rabbitmq.Dial(ctx, &cfg.RabbitMQ)
		if err != nil {
			return nil, err
		}
		a.onClose(conn.Close)
		if err := rabbitmq.DeclareTopology(conn); err != nil {
			return nil, err
		}
		s.Checks["rabbitmq"] = func(context.Context) error {
			if conn.IsClosed() {
				return amqp.ErrClosed
			}
			return nil
		}
		a.Logger.Info().Msg("Connected to RabbitMQ")
	}

	if err := a.wireCommands(ctx, s, conn, w.Consume); err != nil {
		return nil, err
	}

	if w.Relay {
		bus, err := a.eventBus(conn)
		if err != nil {
			return nil, err
		}
		s.OutboxWorker = outboxApp.NewWorker(s.Outbox, s.TxManager, bus, a.Metrics, outboxCfg, a.Logger)
	}

	return s, nil
}

func (a *App) wireCommands(ctx context.Context, s *Services, conn *amqp.Connection, consume bool) error {
	cfg := a.Config
	switch cfg.Commands.Driver {
	case config.DriverRedis:
		s.Publisher = infraRedis.NewStreamCommandPublisher(a.Redis, cfg.Commands.Stream)
		if consume {
			src := infraRedis.NewStreamSource(a.Redis, infraRedis.StreamSourceConfig{
				Stream:       cfg.Commands.Stream,
				Group:        cfg.Commands.ConsumerGroup,
				Consumer:     cfg.InstanceID,
				BatchSize:    int64(cfg.Commands.Concurrency),
				Block:        cfg.Commands.BlockDuration,
				ClaimMinIdle: cfg.Commands.ClaimMinIdle,
			}, a.Logger)
			if err := src.CreateGroup(ctx); err != nil {
				return err
			}
			s.Sources = append(s.Sources, src)
		}
	default:
		pub, err := rabbitmq.NewCommandPublisher(conn)
		if err != nil {
			return err
		}
		a.onClose(pub.Close)
		s.Publisher = pub
		if consume {
			for _, queue := range cfg.Commands.Queues {
				s.Sources = append(s.Sources, rabbitmq.NewCommandSource(conn, queue, cfg.Commands.Concurrency, a.Logger))
			}
		}
	}
	return nil
}

func (a *App) eventBus(conn *amqp.Connection) (outboxApp.EventBus, error) {
	cfg := a.Config
	switch cfg.EventBus.Driver {
	case config.DriverKafka:
		producer, err := kafka.NewSyncProducer(&cfg.Kafka)
		if err != nil {
			return nil, err
		}
		bus := kafka.NewEventBus(producer, a.Logger)
		a.onClose(bus.Close)
		a.Logger.Info().Strs("brokers", cfg.Kafka.Brokers).Msg("Connected to Kafka")
		return bus, nil
	case config.DriverRedis:
		return infraRedis.NewStreamEventBus(a.Redis, cfg.EventBus.StreamMaxLen), nil
	default:
		bus, err := rabbitmq.NewEventBus(conn)
		if err != nil {
			return nil, err
		}
		a.onClose(bus.Close)
		return bus, nil
	}
}

func (a *App) providerFactory() *providers.Factory {
	pc := a.Config.Provider
	opts := []providers.MockProviderOption{
		providers.WithLatency(pc.MockLatency),
		providers.WithFailureRate(pc.MockFailureRate),
		providers.WithTimeoutRate(pc.MockTimeoutRate),
	}
	list := []providers.Provider{
		providers.NewMockProvider(string(payment.ProviderStripe), opts...),
		providers.NewMockProvider(string(payment.ProviderPayPal), opts...),
		providers.NewMockProvider(string(payment.ProviderMock), opts...),
	}
	return providers.NewFactory(list,
		providers.WithBreakerSettings(providers.BreakerSettings{
			MaxRequests:  pc.BreakerMaxRequests,
			Interval:     pc.BreakerInterval,
			Timeout:      pc.BreakerTimeout,
			MinRequests:  pc.BreakerMinRequests,
			FailureRatio: pc.BreakerFailureRatio,
		}),
		providers.WithCallTimeout(pc.Timeout),
		providers.WithStateChangeHook(a.Metrics.BreakerStateChanged),
	)
}

func (a *App) persistRetry() retry.Config {
	cc := a.Config.Compensation
	return retry.Config{
		MaxAttempts:  cc.PersistRetries,
		InitialDelay: cc.PersistRetryDelay,
		MaxDelay:     10 * cc.PersistRetryDelay,
	}
}

func (a *App) compensationConfig() compensation.Config {
	cfg := a.Config
	return compensation.Config{
		Enabled:           cfg.Features.Compensation,
		Policy:            compensation.Policy(cfg.Compensation.Policy),
		Strategy:          compensation.Strategy(cfg.Compensation.Strategy),
		PersistRetry:      a.persistRetry(),
		ReconcileInterval: cfg.Compensation.ReconcileInterval,
		StaleAfter:        cfg.Compensation.StaleAfter,
		BatchSize:         cfg.Compensation.BatchSize,
		LockTTL:           cfg.Compensation.ReconcileInterval,
	}
}

func (a *App) paymentConfig(comp compensation.Config) paymentApp.Config {
	cfg := a.Config
	return paymentApp.Config{
		DefaultProvider:      payment.Provider(cfg.Provider.Default),
		IdempotencyTTL:       cfg.Idempotency.TTL,
		LockTTL:              cfg.Idempotency.LockTTL,
		PersistRetry:         a.persistRetry(),
		ReactiveCompensation: comp.Enabled && comp.Strategy.Reactive(),
	}
}

func (a *App) outboxConfig() outboxApp.Config {
	cfg := a.Config
	return outboxApp.Config{
		PollInterval:   cfg.Outbox.PollInterval,
		BatchSize:      cfg.Outbox.BatchSize,
		MaxAttempts:    cfg.Outbox.MaxAttempts,
		BaseBackoff:    cfg.Outbox.BaseBackoff,
		MaxBackoff:     cfg.Outbox.MaxBackoff,
		PublishTimeout: cfg.EventBus.PublishTimeout,
		RetryEnabled:   cfg.Features.RetryLogic,
	}
}

// CleanupIdempotency purges expired postgres idempotency rows every interval.
// It returns immediately for the redis backend.
func (s *Services) CleanupIdempotency(ctx context.Context) error {
	if s.IdempotencyCleaner == nil {
		return nil
	}
	interval := s.cfg.Idempotency.CleanupInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.IdempotencyCleaner.Cleanup(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error().Err(err).Msg("idempotency cleanup failed")
				}
				continue
			}
			s.logger.Debug().Int64("deleted", n).Msg("expired idempotency keys purged")
		}
	}
}
