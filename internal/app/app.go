// Package app assembles the pipeline components selected by configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/redis/go-redis/v9"

	"github.com/vanshika/fintrace/riskpipe/internal/analytics"
	"github.com/vanshika/fintrace/riskpipe/internal/auth"
	"github.com/vanshika/fintrace/riskpipe/internal/broker"
	"github.com/vanshika/fintrace/riskpipe/internal/bus"
	"github.com/vanshika/fintrace/riskpipe/internal/config"
	"github.com/vanshika/fintrace/riskpipe/internal/escalation"
	"github.com/vanshika/fintrace/riskpipe/internal/graph"
	"github.com/vanshika/fintrace/riskpipe/internal/queue"
	"github.com/vanshika/fintrace/riskpipe/internal/repository"
	"github.com/vanshika/fintrace/riskpipe/internal/risk"
	"github.com/vanshika/fintrace/riskpipe/internal/server"
	"github.com/vanshika/fintrace/riskpipe/internal/service"
	"github.com/vanshika/fintrace/riskpipe/internal/webhook"
)

// App holds every wired component of one process.
type App struct {
	cfg      config.Config
	logger   *slog.Logger
	registry metrics.Registry

	Queue         queue.Queue
	Bus           *bus.Bus
	Authenticator *auth.Authenticator
	Intake        *service.IntakeService
	Engine        *risk.Engine
	Processor     *service.Processor
	Graph         *analytics.Service
	Notifier      *webhook.Notifier
	Trigger       *escalation.Trigger
	Sweeper       *escalation.Sweeper

	local        *bus.LocalBroker
	resultSub    bus.Subscriber
	broadcastSub bus.Subscriber
	health       server.CompositeHealth
	closers      []func(context.Context) error
}

// New connects to the configured backends and wires the pipeline. On error every
// connection opened so far is closed.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: metrics.NewRegistry(),
		health:   server.CompositeHealth{},
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	var rdb *redis.Client
	if cfg.UsesRedis() {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opts)
		a.onClose(func(context.Context) error { return rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.health["redis"] = server.ProbeFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}

	var amqpConn *broker.Conn
	if cfg.Queue.Driver == "amqp" || cfg.HasBroadcast("amqp") {
		amqpConn, err = broker.Dial(cfg.AMQP.URL, logger)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return amqpConn.Close() })
	}

	if err := a.buildQueue(ctx, rdb, amqpConn); err != nil {
		return nil, err
	}
	if err := a.buildBus(rdb, amqpConn); err != nil {
		return nil, err
	}
	if err := a.buildScoring(rdb); err != nil {
		return nil, err
	}
	if err := a.buildGraph(ctx); err != nil {
		return nil, err
	}
	if err := a.buildWebhook(ctx, rdb); err != nil {
		return nil, err
	}

	secrets := auth.SecretStore(auth.NewStaticSecrets(cfg.Auth.ClientSecrets))
	if cfg.Auth.SecretStore == "redis" {
		secrets = auth.NewRedisSecretStore(rdb, cfg.Auth.RedisHashKey)
	}
	a.Authenticator = auth.NewAuthenticator(secrets, logger, auth.WithMaxSkew(cfg.Auth.MaxSkew))
	a.Intake = service.NewIntakeService(a.Queue, logger)

	return a, nil
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *App) buildQueue(ctx context.Context, rdb *redis.Client, conn *broker.Conn) error {
	switch a.cfg.Queue.Driver {
	case "redis":
		q := queue.NewRedisQueue(rdb, a.cfg.Queue.Name, queue.WithReliableDelivery(a.cfg.Queue.Reliable))
		if a.cfg.Queue.Reliable {
			n, err := q.Recover(ctx)
			if err != nil {
				return fmt.Errorf("recover in-flight items: %w", err)
			}
			if n > 0 {
				a.logger.Warn("requeued in-flight transactions from a previous run", "count", n)
			}
		}
		a.Queue = q
	case "amqp":
		q, err := queue.NewAMQPQueue(conn, a.cfg.Queue.Name)
		if err != nil {
			return fmt.Errorf("declare work queue: %w", err)
		}
		a.Queue = q
	default:
		a.Queue = queue.NewMemoryQueue()
	}
	a.onClose(func(context.Context) error { return a.Queue.Close() })
	return nil
}

var broadcastTopics = []string{bus.TopicTransactionEvents, bus.TopicGraphUpdates, bus.TopicEscalations}

// buildBus attaches one sink per transport with the union of the topics it carries.
func (a *App) buildBus(rdb *redis.Client, conn *broker.Conn) error {
	a.Bus = bus.New(a.logger, a.registry)
	cfg := a.cfg

	var localPatterns, redisPatterns []string
	switch cfg.Bus.ResultDriver {
	case "redis":
		redisPatterns = append(redisPatterns, bus.ResultTopicPattern)
		a.resultSub = bus.NewRedisSubscriber(rdb, a.logger)
	default:
		localPatterns = append(localPatterns, bus.ResultTopicPattern)
	}
	if cfg.HasBroadcast("local") {
		localPatterns = append(localPatterns, broadcastTopics...)
	}
	if cfg.HasBroadcast("redis") {
		redisPatterns = append(redisPatterns, broadcastTopics...)
	}

	if len(localPatterns) > 0 {
		a.local = bus.NewLocalBroker(a.logger)
		a.Bus.Attach(a.local, localPatterns...)
		if a.resultSub == nil {
			a.resultSub = a.local
		}
	}
	if len(redisPatterns) > 0 {
		a.Bus.Attach(bus.NewRedisSink(rdb), redisPatterns...)
	}
	if cfg.HasBroadcast("kafka") {
		producer, err := bus.NewKafkaProducer(cfg.Kafka.Brokers)
		if err != nil {
			return err
		}
		sink := bus.NewKafkaSink(producer, cfg.Kafka.AuditTopic)
		a.onClose(func(context.Context) error { return sink.Close() })
		a.Bus.Attach(sink, broadcastTopics...)
	}
	if cfg.HasBroadcast("amqp") {
		sink, err := bus.NewAMQPSink(conn, cfg.AMQP.Exchange)
		if err != nil {
			return fmt.Errorf("declare exchange: %w", err)
		}
		a.Bus.Attach(sink, broadcastTopics...)
	}

	// Durable transports are preferred for the graph consumer.
	switch {
	case cfg.HasBroadcast("amqp"):
		a.broadcastSub = bus.NewAMQPSubscriber(conn, cfg.AMQP.Exchange, cfg.Logging.Service, a.logger)
	case cfg.HasBroadcast("redis"):
		a.broadcastSub = bus.NewRedisSubscriber(rdb, a.logger)
	case cfg.HasBroadcast("local"):
		a.broadcastSub = a.local
	default:
		a.logger.Warn("no subscribable broadcast transport; graph updates are disabled", "drivers", cfg.Bus.BroadcastDrivers)
	}

	a.logger.Info("fan-out bus ready", "sinks", a.Bus.Sinks(), "result_driver", cfg.Bus.ResultDriver)
	return nil
}

func (a *App) buildScoring(rdb *redis.Client) error {
	table, err := risk.LoadRuleTable(a.cfg.Risk.RulesFile)
	if err != nil {
		return err
	}

	opts := []risk.Option{risk.WithLogger(a.logger)}
	if a.cfg.Risk.VelocityStore == "redis" {
		opts = append(opts, risk.WithVelocityCounter(risk.NewRedisVelocityCounter(rdb, "velocity:")))
	}
	switch {
	case len(a.cfg.Risk.Blocklist) > 0:
		opts = append(opts, risk.WithBlocklist(risk.NewStaticBlocklist(a.cfg.Risk.Blocklist...)))
	case rdb != nil:
		opts = append(opts, risk.WithBlocklist(risk.NewRedisBlocklist(rdb, a.cfg.Risk.BlocklistKey)))
	}

	a.Engine, err = risk.NewEngine(table, opts...)
	if err != nil {
		return err
	}
	a.Processor = service.NewProcessor(a.Queue, a.Engine, a.Bus, a.cfg.Pipeline.ErrorBackoff, a.logger, a.registry)
	a.logger.Info("risk engine ready", "rules", a.Engine.Rules(), "block_above", table.Thresholds.Block, "review_above", table.Thresholds.Review)
	return nil
}

func (a *App) buildGraph(ctx context.Context) error {
	var store analytics.Store
	switch a.cfg.Graph.Driver {
	case "neo4j":
		client, err := graph.NewNeo4jClient(ctx, graph.OptionsFromConfig(a.cfg.Graph))
		if err != nil {
			return err
		}
		a.onClose(client.Close)
		repo := repository.New(client)
		if err := repo.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure graph schema: %w", err)
		}
		a.health["graph"] = server.GraphHealthService{Client: client}
		store = repo
	default:
		store = analytics.NewMemoryGraph()
	}

	a.Trigger = escalation.NewTrigger(store, a.Bus, a.logger,
		escalation.WithSettleDelay(a.cfg.Escalation.SettleDelay),
		escalation.WithMetrics(a.registry),
	)
	a.Graph = analytics.NewService(store, a.logger,
		analytics.WithSkipBlocked(a.cfg.Graph.SkipBlocked),
		analytics.WithPublisher(a.Bus),
		analytics.WithListener(a.Trigger),
		analytics.WithRegistry(a.registry),
	)
	if a.cfg.Escalation.SweepSchedule != "" {
		a.Sweeper = escalation.NewSweeper(a.Trigger, a.cfg.Escalation.SweepSchedule, a.logger)
	}
	return nil
}

func (a *App) buildWebhook(ctx context.Context, rdb *redis.Client) error {
	var registry webhook.Registry = webhook.StaticRegistry{DefaultURL: a.cfg.Webhook.DefaultURL}
	if a.cfg.Postgres.URL != "" {
		pool, err := pgxpool.New(ctx, a.cfg.Postgres.URL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.onClose(func(context.Context) error { pool.Close(); return nil })
		if _, err := pool.Exec(ctx, webhook.Schema); err != nil {
			return fmt.Errorf("ensure webhook schema: %w", err)
		}
		a.health["postgres"] = server.ProbeFunc(pool.Ping)
		registry = webhook.NewPostgresRegistry(pool, a.cfg.Webhook.DefaultURL)
	}

	var deadLetters webhook.DeadLetterStore = &webhook.MemoryDeadLetters{}
	if rdb != nil {
		deadLetters = webhook.NewRedisDeadLetters(rdb, a.cfg.Webhook.DeadLetterKey)
	}

	a.Notifier = webhook.NewNotifier(webhook.Options{
		Secret:      a.cfg.Webhook.Secret,
		Timeout:     a.cfg.Webhook.Timeout,
		MaxAttempts: a.cfg.Webhook.MaxAttempts,
		Backoff:     a.cfg.Webhook.Backoff,
		Registry:    registry,
		DeadLetters: deadLetters,
		Metrics:     a.registry,
	}, a.logger)
	return nil
}

// Metrics is the registry every component reports to.
func (a *App) Metrics() metrics.Registry { return a.registry }

// Handler builds the gateway router.
func (a *App) Handler() http.Handler {
	return server.NewRouter(a.logger, server.RouterDependencies{
		Health:         a.health,
		API:            server.NewAPIHandlers(a.logger, a.Intake, a.Graph),
		Verifier:       a.Authenticator,
		Metrics:        a.registry,
		AllowedOrigins: config.SplitCSV(a.cfg.HTTP.AllowedOriginsCSV),
		MaxBodyBytes:   a.cfg.HTTP.MaxBodyBytes,
	})
}

// ConsumerPool returns the scoring consumers plus the webhook and graph subscriptions.
func (a *App) ConsumerPool() *service.ConsumerPool {
	subs := []service.Subscription{{
		Name:       "webhook",
		Subscriber: a.resultSub,
		Topic:      bus.ResultTopicPattern,
		Handler:    a.Notifier.HandleMessage,
	}}
	if a.broadcastSub != nil {
		subs = append(subs, service.Subscription{
			Name:       "graph",
			Subscriber: a.broadcastSub,
			Topic:      bus.TopicTransactionEvents,
			Handler:    a.Graph.HandleMessage,
		})
	}
	return service.NewConsumerPool(a.Processor, a.cfg.Pipeline.Consumers, a.logger, subs...)
}

// Run starts the sweeper and the consumer pool and blocks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	if a.Sweeper != nil {
		if err := a.Sweeper.Start(); err != nil {
			return err
		}
		defer func() { <-a.Sweeper.Stop().Done() }()
	}
	err := a.ConsumerPool().Run(ctx)
	a.Trigger.Wait()
	return err
}

// Close releases connections in reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
