package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"VaultTrader/internal/api"
	"VaultTrader/internal/auth"
	"VaultTrader/internal/config"
	xerrors "VaultTrader/internal/errors"
	"VaultTrader/internal/observability/alerting"
	"VaultTrader/internal/observability/metrics"
	"VaultTrader/internal/storage/mysql"
	"VaultTrader/internal/trader"
	"VaultTrader/internal/vault"
	"VaultTrader/internal/web3/contracts"
	"VaultTrader/internal/web3/ethereum"
	"VaultTrader/internal/web3/provider"
	"VaultTrader/pkg/logger"
)

// main 是 VaultTrader 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("vaulttraderd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(os.Getenv("VAULTTRADER_CONFIG"))
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	lg := logger.Named("vaulttraderd")

	for _, key := range cfg.Trading.ZeroMinOut() {
		lg.Warn("最小产出配置为 0，该腿没有滑点保护", slog.String("key", key))
	}

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}
	repo, err := mysql.OpenTickRepository(ctx, cfg.Storage.TickStore.Driver, mysql.Config{
		DSN: cfg.Storage.TickStore.DSN,
	}, cfg.Storage.TickStore.Path)
	if err != nil {
		return err
	}
	defer repo.Close()

	dispatcher, closeAlerts, err := buildAlerting(cfg.Alerting)
	if err != nil {
		return err
	}
	defer closeAlerts()

	plan, err := buildPlan(cfg.Trading)
	if err != nil {
		return err
	}

	var executor trader.Executor
	switch cfg.Trading.Mode {
	case config.ModePaper:
		executor, err = newPaperExecutor(cfg.Trading)
		if err != nil {
			return err
		}
	default:
		exec, closeChain, err := newChainExecutor(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeChain()
		executor = exec
	}

	locker, closeLock, err := buildLocker(ctx, cfg.Lock)
	if err != nil {
		return err
	}
	defer closeLock()

	t, err := trader.New(executor, plan, cfg.Trading.ConfirmTimeout(),
		trader.WithRepository(repo),
		trader.WithAlertDispatcher(dispatcher),
		trader.WithSubmitTimeout(cfg.Trading.SubmitTimeout()),
	)
	if err != nil {
		return err
	}
	scheduler, err := trader.NewScheduler(t, cfg.Trading.Interval(), cfg.Trading.Overlap,
		trader.WithLocker(locker),
	)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	server := api.NewServer(cfg.Server.Address, repo,
		api.WithSchedulerState(scheduler),
		api.WithAuthenticator(auth.NewAuthenticator(cfg.Server.APIToken)),
	)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(runCtx)
	}()

	if addr := cfg.Server.MetricsAddress; addr != "" {
		go func() {
			if err := metrics.StartServer(runCtx, addr); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	lg.Info("交易循环已启动",
		slog.String("mode", cfg.Trading.Mode),
		slog.String("route", plan.Route.String()),
		slog.Duration("interval", cfg.Trading.Interval()),
		slog.Duration("confirm_timeout", cfg.Trading.ConfirmTimeout()),
		slog.Duration("submit_timeout", cfg.Trading.SubmitTimeout()),
		slog.Duration("lock_ttl", cfg.Lock.TTL()),
		slog.String("overlap", cfg.Trading.Overlap),
	)

	loopErr := make(chan error, 1)
	go func() {
		loopErr <- scheduler.Run(runCtx)
	}()

	var failure error
	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			failure = fmt.Errorf("API 服务异常退出: %w", err)
		}
		cancel()
		<-loopErr
	case <-loopErr:
		cancel()
		<-serverErr
	}
	if failure != nil {
		return failure
	}
	lg.Info("交易循环已停止")
	return nil
}

func buildPlan(cfg config.TradingConfig) (trader.Plan, error) {
	amounts, err := cfg.Amounts()
	if err != nil {
		return trader.Plan{}, err
	}
	route, err := vault.ParseRoute(cfg.Route, cfg.FeeTier)
	if err != nil {
		return trader.Plan{}, xerrors.Wrap(xerrors.CodeConfig, err, "SWAP_ROUTE 配置无效")
	}
	return trader.Plan{
		Route:      route,
		TokenIn:    common.HexToAddress(cfg.TokenIn),
		TokenOut:   common.HexToAddress(cfg.TokenOut),
		BuyAmount:  amounts.Buy,
		BuyMinOut:  amounts.BuyMinOut,
		SellAmount: amounts.Sell,
		SellMinOut: amounts.SellMinOut,
	}, nil
}

func buildAlerting(cfg config.AlertingConfig) (alerting.Dispatcher, func(), error) {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Named("alert")}}
	closeFn := func() {}
	if cfg.RabbitMQ.URL != "" {
		mq, err := alerting.NewRabbitMQNotifier(alerting.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Exchange:   cfg.RabbitMQ.Exchange,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
		})
		if err != nil {
			return nil, nil, err
		}
		notifiers = append(notifiers, mq)
		closeFn = func() {
			if err := mq.Close(); err != nil {
				logger.L().Warn("关闭 RabbitMQ 告警通道失败", slog.Any("error", err))
			}
		}
	}
	return alerting.NewFanout(notifiers...), closeFn, nil
}

func buildLocker(ctx context.Context, cfg config.LockConfig) (trader.Locker, func(), error) {
	if cfg.Driver != "redis" {
		return trader.NewLocalLocker(), func() {}, nil
	}
	locker, err := trader.NewRedisLocker(ctx, trader.RedisLockConfig{
		Address:  cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Key:      cfg.Key,
		TTL:      cfg.TTL(),
	})
	if err != nil {
		return nil, nil, err
	}
	return locker, func() { _ = locker.Close() }, nil
}

// newChainExecutor 连接默认链并确认签名账户有权调用金库。
func newChainExecutor(ctx context.Context, cfg *config.Config) (*trader.ChainExecutor, func(), error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.Web3.PrivateKey), "0x"))
	if err != nil {
		return nil, nil, xerrors.New(xerrors.CodeConfig, "PRIVATE_KEY 格式错误")
	}
	signer := crypto.PubkeyToAddress(key.PublicKey)

	registry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return nil, nil, err
	}
	client, err := registry.DefaultClient()
	if err != nil {
		registry.Close()
		return nil, nil, err
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		registry.Close()
		return nil, nil, err
	}

	contract, err := contracts.NewVaultTrader(common.HexToAddress(cfg.Vault.Address), client.Backend())
	if err != nil {
		registry.Close()
		return nil, nil, err
	}
	callOpts := &bind.CallOpts{Context: ctx}
	swapper, err := contract.Swapper(callOpts)
	if err != nil {
		registry.Close()
		return nil, nil, fmt.Errorf("读取金库交易代理失败: %w", err)
	}
	owner, err := contract.Owner(callOpts)
	if err != nil {
		registry.Close()
		return nil, nil, fmt.Errorf("读取金库所有者失败: %w", err)
	}
	if signer != swapper && signer != owner {
		registry.Close()
		return nil, nil, xerrors.New(xerrors.CodeConfig,
			fmt.Sprintf("签名账户 %s 既不是交易代理也不是所有者", signer.Hex()))
	}

	opts := []trader.ChainOption{}
	if cfg.Web3.GasLimit > 0 {
		opts = append(opts, trader.WithGasLimit(cfg.Web3.GasLimit))
	}
	exec, err := trader.NewChainExecutor(contract, client, ethereum.NewNonceManager(client, signer), key, chainID, opts...)
	if err != nil {
		registry.Close()
		return nil, nil, err
	}
	logger.Named("vaulttraderd").Info("已连接金库合约",
		slog.String("chain", client.Name()),
		slog.String("chain_id", chainID.String()),
		slog.String("vault", contract.Address().Hex()),
		slog.String("signer", signer.Hex()),
	)
	return exec, registry.Close, nil
}
