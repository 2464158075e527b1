package main

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"OpenMCP-Gateway/internal/api"
	"OpenMCP-Gateway/internal/auth"
	"OpenMCP-Gateway/internal/config"
	"OpenMCP-Gateway/internal/confirm"
	xerrors "OpenMCP-Gateway/internal/errors"
	"OpenMCP-Gateway/internal/gateway"
	"OpenMCP-Gateway/internal/guard"
	"OpenMCP-Gateway/internal/journal"
	"OpenMCP-Gateway/internal/observability/alerting"
	"OpenMCP-Gateway/internal/observability/metrics"
	"OpenMCP-Gateway/internal/storage/mysql"
	"OpenMCP-Gateway/internal/storage/redis"
	"OpenMCP-Gateway/internal/toolserver"
	"OpenMCP-Gateway/internal/web3"
	"OpenMCP-Gateway/internal/web3/ethereum"
	"OpenMCP-Gateway/pkg/logger"
)

// main 是 EVM 交易网关守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("evmgatewayd 运行失败: %s", xerrors.Text(err))
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: config.SplitList(cfg.Logging.Output),
		ForceStderr: cfg.Server.Transport == config.TransportStdio,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return xerrors.Wrap(xerrors.CodeConfiguration, err, "初始化日志失败")
	}
	defer func() { _ = logger.Sync() }()
	log := logger.L()

	// 链连接与白名单任一失败都不允许启动。
	conn, err := ethereum.Connect(ctx, ethereum.Config{
		RPCURL:       cfg.Network.RPCURL,
		ChainID:      cfg.Network.ChainID,
		PrivateKey:   cfg.Network.PrivateKey,
		TokenAddress: cfg.Network.TokenAddress,
		RPCTimeout:   cfg.Network.RPCTimeout,
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	g, err := guard.FromConfig(cfg.Policy.NativeAllowList, cfg.Policy.TokenAllowList)
	if err != nil {
		return err
	}
	if g.AllowList(web3.AssetNative).Len() == 0 && g.AllowList(web3.AssetToken).Len() == 0 {
		log.Warn("白名单为空，所有转账都会被拒绝")
	}

	var book *web3.AddressBook
	if cfg.AddressBook != "" {
		if book, err = web3.LoadAddressBook(cfg.AddressBook); err != nil {
			return err
		}
		log.Info("地址簿已加载", slog.Int("entries", book.Len()))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	dispatcher, closeEvents, err := buildDispatcher(cfg)
	if err != nil {
		return err
	}
	defer closeEvents()

	journalStore, closeJournal, err := buildJournal(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeJournal()

	confirmStore, err := buildConfirmStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = confirmStore.Close() }()

	machine := confirm.NewMachine(confirmStore,
		confirm.WithJournal(journalStore),
		confirm.WithDispatcher(dispatcher),
		confirm.WithMetrics(m),
		confirm.WithTTL(cfg.Confirmation.TTL),
	)

	gw, err := gateway.New(conn, g, gateway.WithMetrics(m))
	if err != nil {
		return err
	}
	tools, err := toolserver.New(gw, machine,
		toolserver.WithAddressBook(book),
		toolserver.WithMetrics(m),
		toolserver.WithDecisionTools(cfg.Confirmation.ViaTool),
		toolserver.WithAwait(cfg.Confirmation.Await),
	)
	if err != nil {
		return err
	}

	info := gw.Context()
	log.Info("网关已就绪",
		slog.String("chain_id", info.ChainID.String()),
		slog.String("sender", info.Sender.Hex()),
		slog.Bool("token", info.HasToken),
		slog.String("token_symbol", info.TokenSymbol),
		slog.String("confirmation_store", cfg.Confirmation.Store),
		slog.String("journal", cfg.Journal.Driver),
		slog.Any("event_channels", dispatcher.Channels()),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, ctx := errgroup.WithContext(ctx)
	// 任一组件退出都触发整体关闭。
	spawn := func(fn func(context.Context) error) {
		group.Go(func() error {
			defer cancel()
			if err := fn(ctx); err != nil && !stdErrors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	spawn(machine.Run)

	if cfg.API.Address != "" {
		creds := make([]auth.Credential, 0, len(cfg.API.Tokens))
		for _, tok := range cfg.API.Tokens {
			creds = append(creds, auth.Credential{Name: tok.Name, Token: tok.Token, Role: tok.Role})
		}
		authSvc, err := auth.NewService(creds...)
		if err != nil {
			return err
		}
		if !authSvc.Enabled() {
			log.Warn("未配置 API_TOKENS，审批接口不做认证")
		}
		server := api.NewServer(cfg.API.Address, machine,
			api.WithJournal(journalStore),
			api.WithTools(tools),
			api.WithAuth(authSvc),
			api.WithMetrics(m, registry),
			api.WithHealth(gw.Ping),
		)
		spawn(server.Start)
	}

	spawn(func(ctx context.Context) error {
		return tools.Serve(ctx, cfg.Server.Transport, cfg.Server.Address())
	})

	err = group.Wait()
	log.Info("网关已停止")
	return err
}

func buildDispatcher(cfg *config.Config) (*alerting.FanoutDispatcher, func(), error) {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	closeFn := func() {}
	if cfg.Events.RabbitMQURL != "" {
		mq, err := alerting.NewRabbitMQNotifier(alerting.RabbitMQConfig{
			URL:        cfg.Events.RabbitMQURL,
			Exchange:   cfg.Events.Exchange,
			RoutingKey: cfg.Events.RoutingKey,
		})
		if err != nil {
			return nil, nil, err
		}
		notifiers = append(notifiers, mq)
		closeFn = func() {
			if err := mq.Close(); err != nil {
				logger.L().Warn("关闭 RabbitMQ 连接失败", slog.Any("error", err))
			}
		}
	}
	return alerting.NewFanout(notifiers...), closeFn, nil
}

func buildJournal(ctx context.Context, cfg *config.Config) (journal.Store, func(), error) {
	switch cfg.Journal.Driver {
	case "memory":
		return journal.NewMemoryStore(cfg.Journal.Capacity), func() {}, nil
	case "file":
		store, err := journal.NewFileStore(cfg.Journal.Dir, cfg.Journal.Capacity)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	case "mysql":
		repo, err := mysql.NewJournalRepository(ctx, mysql.Config{DSN: cfg.Journal.DSN})
		if err != nil {
			return nil, nil, err
		}
		return repo, func() { _ = repo.Close() }, nil
	default:
		return nil, nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("未知的 JOURNAL_DRIVER: %s", cfg.Journal.Driver))
	}
}

func buildConfirmStore(ctx context.Context, cfg *config.Config) (confirm.Store, error) {
	switch cfg.Confirmation.Store {
	case "memory":
		return confirm.NewMemoryStore(), nil
	case "redis":
		return redis.NewConfirmationStore(ctx, redis.Config{
			Address:  cfg.Confirmation.Redis.Address,
			Password: cfg.Confirmation.Redis.Password,
			DB:       cfg.Confirmation.Redis.DB,
			Prefix:   cfg.Confirmation.Redis.Prefix,
		})
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("未知的 CONFIRMATION_STORE: %s", cfg.Confirmation.Store))
	}
}
