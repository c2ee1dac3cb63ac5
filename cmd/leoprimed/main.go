package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"LeoPrime-Chain/internal/agent"
	"LeoPrime-Chain/internal/api"
	"LeoPrime-Chain/internal/config"
	"LeoPrime-Chain/internal/embedding"
	"LeoPrime-Chain/internal/events"
	"LeoPrime-Chain/internal/knowledge"
	"LeoPrime-Chain/internal/llm"
	"LeoPrime-Chain/internal/llm/openai"
	"LeoPrime-Chain/internal/llm/pythonbridge"
	"LeoPrime-Chain/internal/model"
	"LeoPrime-Chain/internal/observability/alerting"
	"LeoPrime-Chain/internal/observability/metrics"
	"LeoPrime-Chain/internal/payment"
	"LeoPrime-Chain/internal/paywall"
	"LeoPrime-Chain/internal/storage"
	"LeoPrime-Chain/internal/storage/mysql"
	redislock "LeoPrime-Chain/internal/storage/redis"
	"LeoPrime-Chain/internal/task"
	"LeoPrime-Chain/internal/web3"
	"LeoPrime-Chain/internal/web3/ethereum"
	"LeoPrime-Chain/internal/web3/provider"
	"LeoPrime-Chain/pkg/logger"
)

// main 是 LeoPrime 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("leoprimed 运行失败: %v", err)
	}
}

// closers 按注册的逆序释放资源。
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) closeAll() {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			logger.L().Warn("释放资源失败", slog.Any("error", err))
		}
	}
}

func run(ctx context.Context) error {
	path := os.Getenv("LEOPRIME_CONFIG")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	lg := logger.Named("leoprimed")
	lg.Info("配置已加载", slog.String("config", cfg.String()))

	var cleanup closers
	defer cleanup.closeAll()
	checks := map[string]api.HealthCheck{}

	store, err := openStore(ctx, cfg, checks)
	if err != nil {
		return err
	}
	cleanup.add(store.Close)

	gateway, err := openGateway(ctx, cfg, &cleanup, checks)
	if err != nil {
		return err
	}

	pwOpts := []paywall.Option{}
	if cfg.Paywall.Lock.Driver == "redis" {
		locker, err := redislock.NewLocker(ctx, redislock.Config{
			Address:  cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Paywall.Lock.TTL,
		})
		if err != nil {
			return err
		}
		cleanup.add(locker.Close)
		checks["redis"] = locker.Ping
		pwOpts = append(pwOpts, paywall.WithLocker(locker))
	}
	pw, err := paywall.New(store, gateway, paywallConfig(cfg.Paywall), pwOpts...)
	if err != nil {
		return err
	}

	reasoner, err := createReasoner(cfg)
	if err != nil {
		return err
	}
	memory, err := openMemory(ctx, cfg, checks)
	if err != nil {
		return err
	}
	cleanup.add(memory.Close)
	if cfg.Memory.SeedFile != "" {
		added, err := knowledge.SeedIfEmpty(ctx, memory, cfg.Memory.SeedFile)
		if err != nil {
			lg.Warn("写入种子记忆失败", slog.Any("error", err))
		} else if added > 0 {
			lg.Info("已写入种子记忆", slog.Int("count", added))
		}
	}

	var registry *metrics.Registry
	orchOpts := []agent.Option{
		agent.WithTopK(cfg.Agent.TopK),
		agent.WithPreviewChars(cfg.Agent.PreviewChars),
		agent.WithVerify(cfg.Agent.VerifyDelay, cfg.Agent.VerifyTimeout, cfg.Web3.PollInterval),
		agent.WithAdapterTimeout(cfg.Agent.AdapterTimeout),
		agent.WithDemoPolicy(agent.NewDemoPolicy(cfg.Agent.DemoMode)),
	}
	if cfg.Metrics.Enabled {
		registry = metrics.New()
		orchOpts = append(orchOpts, agent.WithObserver(registry))
	}
	orchestrator, err := agent.New(agent.Dependencies{
		Store:        store,
		Reasoner:     reasoner,
		Memory:       memory,
		Entitlements: pw,
		Gateway:      gateway,
	}, orchOpts...)
	if err != nil {
		return err
	}

	queue, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	cleanup.add(queue.Close)

	hub := events.NewHub(events.WithRetention(cfg.Agent.StreamRetention))
	runs := task.NewService(store, hub, queue, task.WithRemoteExecution(cfg.Queue.Driver != "memory"))

	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL, cfg.Alerting.Timeout))
	}
	processor := task.NewProcessor(orchestrator, store, hub, queue,
		task.WithWorkerCount(cfg.Queue.Workers),
		task.WithAlertDispatcher(alerting.NewFanout(notifiers...)),
	)

	// 内存队列在重启后为空，需要从记录存储恢复未完成的运行。
	if cfg.Queue.Driver == "memory" {
		report, err := task.Recover(ctx, store, hub, queue)
		if err != nil {
			return err
		}
		if report.Requeued > 0 || report.Interrupted > 0 {
			lg.Info("已恢复未完成的运行",
				slog.Int("requeued", report.Requeued),
				slog.Int("interrupted", report.Interrupted),
			)
		}
	}

	server := api.NewServer(cfg.Server.Address, api.Dependencies{
		Runs:         runs,
		Records:      store,
		Hub:          hub,
		Entitlements: pw,
		Wallet:       gateway,
		Memories:     memory,
		Metrics:      registry,
		Checks:       checks,
	}, api.Options{
		KeepAlive:         cfg.Server.KeepAlive,
		PollInterval:      cfg.Server.StreamPollInterval,
		StartRatePerSec:   cfg.Server.StartRatePerSec,
		StartBurst:        cfg.Server.StartBurst,
		AllowedOrigin:     cfg.Server.AllowedOrigin,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	})

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := processor.Start(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	group.Go(func() error { return server.Start(gctx) })
	if registry != nil && cfg.Metrics.Address != "" {
		group.Go(func() error { return metrics.StartServer(gctx, cfg.Metrics.Address, registry.Handler()) })
	}

	err = group.Wait()
	lg.Info("leoprimed 已退出", slog.Any("error", err))
	return err
}

func openStore(ctx context.Context, cfg *config.Config, checks map[string]api.HealthCheck) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "mysql":
		store, err := mysql.Open(ctx, mysql.Config{
			DSN:             cfg.Storage.MySQL.DSN,
			MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.MySQL.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		checks["mysql"] = store.Ping
		return store, nil
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

// openGateway 在启用链配置时返回链上网关，否则只做模拟支付。
func openGateway(ctx context.Context, cfg *config.Config, cleanup *closers, checks map[string]api.HealthCheck) (payment.Gateway, error) {
	simOpts := []payment.SimulatorOption{payment.WithDelay(cfg.Paywall.SimulatedDelay)}
	if !cfg.Web3.Enabled {
		return payment.NewSimulator(simOpts...), nil
	}

	defs, err := web3.LoadChainDefinitions(cfg.Web3.ChainConfig)
	if err != nil {
		return nil, err
	}
	registry, err := provider.NewRegistry(ctx, defs, cfg.Web3.DefaultChain, nil)
	if err != nil {
		return nil, err
	}
	cleanup.add(func() error {
		registry.Close()
		return nil
	})
	chain, err := registry.Default()
	if err != nil {
		return nil, err
	}
	key, err := ethereum.ParsePrivateKey(cfg.Web3.PrivateKey)
	if err != nil {
		return nil, err
	}
	checks["chain"] = func(ctx context.Context) error {
		_, err := chain.Client.Snapshot(ctx)
		return err
	}
	simOpts = append(simOpts, payment.WithExplorer(chain.Definition, chain.Name))
	return payment.NewChainGateway(chain, key, payment.NewSimulator(simOpts...))
}

func paywallConfig(c config.PaywallConfig) paywall.Config {
	services := model.KnownServices()
	prices := make(map[model.Service]float64, len(services))
	for _, svc := range services {
		prices[svc] = c.PriceFor(string(svc))
	}
	return paywall.Config{
		Secret:        c.JWTSecret,
		Issuer:        c.Issuer,
		TokenTTL:      c.TokenTTL,
		Currency:      c.Currency,
		DefaultPrice:  c.DefaultPrice,
		Prices:        prices,
		Recipient:     c.Recipient,
		MinGasBalance: c.MinGasBalance,
	}
}

func createReasoner(cfg *config.Config) (llm.Reasoner, error) {
	switch cfg.Reasoner.Provider {
	case "openai":
		return openai.NewClient(openai.Config{
			APIKey:  cfg.Reasoner.OpenAI.APIKey,
			BaseURL: cfg.Reasoner.OpenAI.BaseURL,
			Model:   cfg.Reasoner.OpenAI.Model,
			Timeout: cfg.Reasoner.OpenAI.Timeout,
		})
	case "python_bridge":
		bridge := cfg.Reasoner.PythonBridge
		script := pythonbridge.ResolveScriptPath(bridge.WorkingDir, bridge.Script)
		return pythonbridge.NewClient(bridge.Executable, script, bridge.WorkingDir)
	default:
		return nil, fmt.Errorf("未知的推理后端: %s", cfg.Reasoner.Provider)
	}
}

func createEmbedder(cfg *config.Config) (embedding.Provider, error) {
	switch cfg.Embedding.Provider {
	case "voyage":
		return embedding.NewVoyageProvider(embedding.VoyageConfig{
			APIKey:     cfg.Embedding.APIKey,
			BaseURL:    cfg.Embedding.BaseURL,
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimensions,
			Timeout:    cfg.Embedding.Timeout,
		})
	case "hash":
		return embedding.NewHashProvider(cfg.Embedding.Dimensions), nil
	default:
		return nil, fmt.Errorf("未知的向量化后端: %s", cfg.Embedding.Provider)
	}
}

func openMemory(ctx context.Context, cfg *config.Config, checks map[string]api.HealthCheck) (*knowledge.Service, error) {
	embedder, err := createEmbedder(cfg)
	if err != nil {
		return nil, err
	}
	dims := embedder.Dimensions()

	var index knowledge.Index
	switch cfg.Memory.Backend {
	case "memory":
		index = knowledge.NewMemoryIndex(dims)
	case "qdrant":
		q := cfg.Memory.Qdrant
		qi, err := knowledge.NewQdrantIndex(ctx, knowledge.QdrantConfig{
			Host:       q.Host,
			Port:       q.Port,
			APIKey:     q.APIKey,
			UseTLS:     q.UseTLS,
			Collection: q.Collection,
			Dims:       uint64(dims),
		}, logger.Named("qdrant"))
		if err != nil {
			return nil, err
		}
		checks["qdrant"] = qi.Healthy
		index = qi
	case "pgvector":
		pi, err := knowledge.NewPGVectorIndex(ctx, knowledge.PostgresConfig{
			DSN:   cfg.Memory.Postgres.DSN,
			Table: cfg.Memory.Postgres.Table,
			Dims:  dims,
		}, logger.Named("pgvector"))
		if err != nil {
			return nil, err
		}
		checks["pgvector"] = pi.Healthy
		index = pi
	default:
		return nil, fmt.Errorf("未知的记忆后端: %s", cfg.Memory.Backend)
	}
	return knowledge.NewService(embedder, index), nil
}

func openQueue(ctx context.Context, cfg *config.Config) (task.Queue, error) {
	switch cfg.Queue.Driver {
	case "memory":
		return task.NewMemoryQueue(cfg.Queue.Buffer), nil
	case "redis":
		return task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:   cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Key:       cfg.Queue.RedisKey,
			BlockWait: 5 * time.Second,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.Queue.RabbitMQ.URL,
			Queue:    cfg.Queue.RabbitMQ.Queue,
			Prefetch: cfg.Queue.RabbitMQ.Prefetch,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}
