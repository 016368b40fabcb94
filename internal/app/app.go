package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trade-trigger/internal/config"
	"trade-trigger/internal/exchange"
	"trade-trigger/internal/execution"
	"trade-trigger/internal/market"
	"trade-trigger/internal/monitor"
	"trade-trigger/internal/reconcile"
	"trade-trigger/internal/scheduler"
	"trade-trigger/internal/service"
	"trade-trigger/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 完成全部组件装配并运行至 ctx 取消。
// 各后台循环挂在同一个 errgroup 下，任一致命错误会带停整组。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("触发引擎已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("exchange", a.cfg.Exchange.Name),
		zap.Strings("symbols", a.cfg.Market.Symbols),
		zap.Duration("poll_interval", a.cfg.Scheduler.PollInterval),
	)

	client, err := exchange.NewClient(a.cfg.Exchange, a.logger)
	if err != nil {
		return fmt.Errorf("app: 初始化交易所客户端失败: %w", err)
	}

	instructions, err := store.NewInstructionStore(a.store, a.logger)
	if err != nil {
		return fmt.Errorf("app: 初始化指令仓储失败: %w", err)
	}
	trades, err := store.NewTradeStore(a.store, a.logger)
	if err != nil {
		return fmt.Errorf("app: 初始化交易仓储失败: %w", err)
	}

	monitorSvc, err := monitor.NewService(a.store, a.logger)
	if err != nil {
		return fmt.Errorf("app: 初始化审计服务失败: %w", err)
	}

	marketSvc, err := market.NewService(client, a.cfg.Market, a.logger)
	if err != nil {
		return fmt.Errorf("app: 初始化行情服务失败: %w", err)
	}

	executor := execution.NewExecutor(client, trades, a.logger)
	reconciler := reconcile.NewReconciler(client, trades, a.logger)
	locks := scheduler.NewLocks()

	sched, err := scheduler.New(a.cfg.Scheduler, instructions, marketSvc, executor, monitorSvc, locks, a.logger)
	if err != nil {
		return fmt.Errorf("app: 初始化调度器失败: %w", err)
	}

	svc, err := service.New(instructions, trades, reconciler, marketSvc, monitorSvc, locks, a.logger)
	if err != nil {
		return fmt.Errorf("app: 初始化应用服务失败: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return marketSvc.Run(groupCtx)
	})
	group.Go(func() error {
		return sched.Run(groupCtx)
	})
	group.Go(func() error {
		return a.runServer(groupCtx, svc, monitorSvc)
	})

	if a.cfg.Reconcile.Enabled {
		group.Go(func() error {
			return a.runReconcileLoop(groupCtx, reconciler, monitorSvc)
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}

	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}

// runReconcileLoop 周期性地对所有仍有存续交易的用户做全量对账。
func (a *App) runReconcileLoop(ctx context.Context, reconciler *reconcile.Reconciler, monitorSvc *monitor.Service) error {
	interval := a.cfg.Reconcile.SyncInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := reconciler.SweepAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("定期对账轮次失败", zap.Error(err))
				monitorSvc.RecordError(ctx, "定期对账轮次失败", err, nil)
			}
		}
	}
}
