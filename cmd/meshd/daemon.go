package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"CognitiveMesh/internal/api"
	"CognitiveMesh/internal/config"
	xerrors "CognitiveMesh/internal/errors"
	"CognitiveMesh/internal/events"
	"CognitiveMesh/internal/graph"
	"CognitiveMesh/internal/mesh"
	"CognitiveMesh/internal/observability/alerting"
	"CognitiveMesh/internal/observability/metrics"
	"CognitiveMesh/internal/observability/tracing"
	"CognitiveMesh/internal/storage/mysql"
	"CognitiveMesh/internal/tokenization"
	"CognitiveMesh/internal/trust"
	"CognitiveMesh/internal/web3"
	"CognitiveMesh/internal/web3/provider"
	"CognitiveMesh/pkg/logger"
)

// daemon 持有一次运行期间构造的全部组件。
type daemon struct {
	cfg         *config.Config
	store       *mysql.Store
	graph       *graph.Graph
	engine      *trust.Engine
	dispatcher  *events.Dispatcher
	chains      *provider.Registry
	queue       tokenization.SyncQueue
	bridge      *tokenization.Bridge
	coordinator *mesh.Coordinator
	scheduler   *trust.Scheduler
	processor   *tokenization.SyncProcessor
	server      *api.Server

	closers []io.Closer
	logger  *slog.Logger
}

type closeFunc func() error

func (f closeFunc) Close() error { return f() }

func initLogging(cfg config.LoggingConfig) error {
	audit := logger.AuditConfig{Enabled: cfg.AuditFile != "", Path: cfg.AuditFile, MaxBackups: cfg.AuditBackups}
	if audit.Enabled {
		audit.MaxSizeMB = max(1, int(cfg.AuditMaxBytes>>20))
	}
	return logger.Init(logger.Config{Level: cfg.Level, Format: cfg.Format, Audit: audit})
}

func mysqlConfig(cfg config.MySQLConfig) mysql.Config {
	return mysql.Config{
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeSeconds) * time.Second,
	}
}

// buildDaemon 按配置构造组件。出错时已构造的部分会被关闭。
func buildDaemon(ctx context.Context, cfg *config.Config) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger.Named("meshd")}
	if err := d.build(ctx); err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

func (d *daemon) build(ctx context.Context) (err error) {
	cfg := d.cfg

	if err := d.buildGraph(ctx); err != nil {
		return err
	}

	d.engine, err = trust.NewEngine(d.graph, trust.WithConfig(trust.Config{
		SuccessStep: cfg.Trust.SuccessStep,
		FailureStep: cfg.Trust.FailureStep,
		HalfLife:    cfg.Trust.HalfLife(),
	}))
	if err != nil {
		return err
	}
	d.scheduler, err = trust.NewScheduler(d.engine, cfg.Trust.DecaySchedule,
		trust.WithSweepHook(func(_ int, err error) { metrics.ObserveDecaySweep(err) }))
	if err != nil {
		return err
	}

	if err := d.buildEvents(ctx); err != nil {
		return err
	}
	if err := d.buildChains(ctx); err != nil {
		return err
	}
	if err := d.buildBridge(ctx); err != nil {
		return err
	}

	d.coordinator, err = mesh.New(d.graph, d.engine,
		mesh.WithBridge(d.bridge),
		mesh.WithEmitter(d.dispatcher),
		mesh.WithDefaultMaxDepth(cfg.Graph.DefaultMaxDepth),
	)
	if err != nil {
		return err
	}

	opts := []api.Option{
		api.WithTimeouts(cfg.Server.ReadTimeout(), cfg.Server.WriteTimeout()),
		api.WithHealthCheck("chains", d.chainHealth),
	}
	if d.store != nil {
		opts = append(opts, api.WithHealthCheck("mysql", d.store.Ping))
	}
	d.server = api.NewServer(cfg.Server.Address, d.coordinator, opts...)
	return nil
}

func (d *daemon) buildGraph(ctx context.Context) error {
	policy := graph.Policy{
		SuccessDelta:    d.cfg.Graph.SuccessDelta,
		FailureDelta:    d.cfg.Graph.FailureDelta,
		DefaultStrength: d.cfg.Graph.DefaultStrength,
	}
	if d.cfg.Storage.Driver != "mysql" {
		g, err := graph.New(graph.WithPolicy(policy))
		d.graph = g
		return err
	}

	store, err := mysql.Open(ctx, mysqlConfig(d.cfg.Storage.MySQL))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 MySQL 失败")
	}
	d.store = store
	d.closers = append(d.closers, store)
	if d.cfg.Storage.MySQL.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "执行迁移失败")
		}
	}
	journal := store.Graph()
	g, err := graph.Load(ctx, journal, graph.WithPolicy(policy), graph.WithJournal(journal))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "恢复图失败")
	}
	d.graph = g
	return nil
}

func (d *daemon) buildEvents(ctx context.Context) error {
	cfg := d.cfg.Events
	var sinks []events.Sink
	if cfg.Log {
		sinks = append(sinks, events.NewLogSink())
	}
	if cfg.RedisStream.Address != "" {
		sink, err := events.NewRedisStreamSink(ctx, events.RedisStreamConfig{
			Address:  cfg.RedisStream.Address,
			Password: cfg.RedisStream.Password,
			DB:       cfg.RedisStream.DB,
			Stream:   cfg.RedisStream.Stream,
			MaxLen:   cfg.RedisStream.MaxLen,
		})
		if err != nil {
			return err
		}
		sinks = append(sinks, sink)
		d.closers = append(d.closers, sink)
	}
	if cfg.RabbitMQ.URL != "" {
		sink, err := events.NewRabbitMQSink(events.RabbitMQConfig{URL: cfg.RabbitMQ.URL, Exchange: cfg.RabbitMQ.Exchange})
		if err != nil {
			return err
		}
		sinks = append(sinks, sink)
		d.closers = append(d.closers, sink)
	}
	d.dispatcher = events.NewDispatcher(
		events.WithBuffer(cfg.Buffer),
		events.WithSinks(sinks...),
		events.WithDropHook(func(events.Event) { metrics.ObserveEventDropped() }),
	)
	return nil
}

func (d *daemon) buildChains(ctx context.Context) error {
	if d.cfg.Web3.ChainsFile == "" {
		d.logger.Warn("未配置链定义，通路铸造不可用")
		d.chains = provider.NewStaticRegistry()
		return nil
	}
	defs, err := web3.LoadChainDefinitions(d.cfg.Web3.ChainsFile)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "加载链定义失败")
	}
	d.chains, err = provider.NewRegistry(defs)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化链适配器失败")
	}
	d.closers = append(d.closers, d.chains)
	d.chains.ConnectAll(ctx)
	return nil
}

func (d *daemon) buildBridge(ctx context.Context) error {
	cfg := d.cfg.Tokenization

	var locker tokenization.Locker = tokenization.NewKeyedLocker()
	if cfg.Lock.Driver == "redis" {
		l, err := tokenization.NewRedisLocker(ctx, tokenization.RedisLockerConfig{
			Address:  cfg.Lock.Redis.Address,
			Password: cfg.Lock.Redis.Password,
			DB:       cfg.Lock.Redis.DB,
			Prefix:   cfg.Lock.Prefix,
			TTL:      time.Duration(cfg.Lock.TTLSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		locker = l
		d.closers = append(d.closers, l)
	}

	switch cfg.SyncQueue.Driver {
	case "redis":
		q, err := tokenization.NewRedisQueue(ctx, tokenization.RedisQueueConfig{
			Address:  cfg.SyncQueue.Redis.Address,
			Password: cfg.SyncQueue.Redis.Password,
			DB:       cfg.SyncQueue.Redis.DB,
			Queue:    cfg.SyncQueue.Name,
		})
		if err != nil {
			return err
		}
		d.queue = q
	case "rabbitmq":
		q, err := tokenization.NewRabbitMQQueue(tokenization.RabbitMQConfig{
			URL:      cfg.SyncQueue.RabbitMQ.URL,
			Queue:    cfg.SyncQueue.Name,
			Prefetch: cfg.SyncQueue.RabbitMQ.Prefetch,
			Durable:  true,
		})
		if err != nil {
			return err
		}
		d.queue = q
	default:
		d.queue = tokenization.NewMemoryQueue(cfg.SyncQueue.Size)
	}
	d.closers = append(d.closers, d.queue)

	var ledger tokenization.Ledger = tokenization.NewMemoryLedger()
	if d.store != nil {
		ledger = d.store.Mints()
	}

	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if slack := d.cfg.Alerting.Slack; slack.Token != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    alerting.NewSlackAPISender(slack.Token),
			ChannelID: slack.Channel,
		})
	}

	bridge, err := tokenization.NewBridge(d.graph, d.chains,
		tokenization.WithLedger(ledger),
		tokenization.WithLocker(locker),
		tokenization.WithEmitter(d.dispatcher),
		tokenization.WithAlerter(alerting.NewFanout(notifiers...)),
		tokenization.WithSyncQueue(d.queue),
		tokenization.WithConfirmTimeout(cfg.ConfirmTimeout()),
		tokenization.WithTokenURIPrefix(cfg.TokenURIPrefix),
	)
	if err != nil {
		return err
	}
	d.bridge = bridge
	d.closers = append(d.closers, closeFunc(bridge.Close))
	d.processor = tokenization.NewSyncProcessor(bridge, d.queue, tokenization.WithWorkerCount(cfg.SyncWorkers))
	return nil
}

func (d *daemon) chainHealth(context.Context) error {
	var down []string
	for chain, ok := range d.chains.Status() {
		if !ok {
			down = append(down, chain)
		}
	}
	if len(down) > 0 {
		return fmt.Errorf("链未连接: %v", down)
	}
	return nil
}

// run 启动全部后台任务，直到 ctx 结束或任一任务失败。
func (d *daemon) run(ctx context.Context) error {
	if n, err := d.bridge.Resume(ctx); err != nil {
		d.logger.Warn("恢复未完成的铸造失败", slog.Any("error", err))
	} else if n > 0 {
		d.logger.Info("已恢复未完成的铸造", slog.Int("count", n))
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return d.dispatcher.Run(gctx) })
	group.Go(func() error { return d.scheduler.Run(gctx) })
	group.Go(func() error { return d.processor.Start(gctx) })
	group.Go(func() error { return d.server.Start(gctx) })

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// close 按构造的逆序释放资源。
func (d *daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			d.logger.Warn("释放资源失败", slog.Any("error", err))
		}
	}
	d.closers = nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	if err := initLogging(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()

	shutdown, err := tracing.Setup(ctx, tracing.Config{Enabled: cfg.Tracing.Enabled, Exporter: cfg.Tracing.Exporter})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(shutdownCtx)
	}()

	d, err := buildDaemon(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.close()

	d.logger.Info("meshd 已启动",
		slog.String("address", cfg.Server.Address),
		slog.String("storage", cfg.Storage.Driver),
		slog.Any("chains", d.chains.Chains()),
	)
	return d.run(ctx)
}

func migrate(ctx context.Context, cfg *config.Config) error {
	if cfg.Storage.Driver != "mysql" {
		return xerrors.New(xerrors.CodeInvalidArgument, "migrate 需要 storage.driver=mysql")
	}
	if err := initLogging(cfg.Logging); err != nil {
		return err
	}
	store, err := mysql.Open(ctx, mysqlConfig(cfg.Storage.MySQL))
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	logger.L().Info("迁移已完成")
	return nil
}
