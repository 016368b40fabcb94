package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trade-trigger/internal/config"
	"trade-trigger/internal/exchange"
	"trade-trigger/internal/store"
	"trade-trigger/internal/trade"
	"trade-trigger/internal/trigger"
)

type instructionStore interface {
	ListPending(ctx context.Context) ([]trigger.Instruction, error)
	Get(ctx context.Context, id string) (*trigger.Instruction, error)
	TouchChecked(ctx context.Context, id string, ts time.Time) error
	MarkTriggered(ctx context.Context, id, tradeID string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id, message string, at time.Time) (bool, error)
}

type priceSource interface {
	LatestPrice(symbol string) (exchange.Quote, bool)
}

type tradeExecutor interface {
	Execute(ctx context.Context, instr *trigger.Instruction, markPrice float64) (*trade.Trade, error)
}

type eventRecorder interface {
	RecordInstructionTriggered(ctx context.Context, instr trigger.Instruction, t trade.Trade)
	RecordInstructionFailed(ctx context.Context, instr trigger.Instruction, message string)
}

// Scheduler 周期性评估全部 pending 指令。
// 它是指令状态离开 pending 的唯一写入方：命中后先同步执行下单，
// 执行成功才迁移到 triggered，配合逐指令互斥实现至多一次执行。
type Scheduler struct {
	instructions instructionStore
	prices       priceSource
	executor     tradeExecutor
	monitor      eventRecorder
	locks        *Locks
	logger       *zap.Logger

	pollInterval   time.Duration
	maxConcurrency int
}

// New 创建调度器。
func New(
	cfg config.SchedulerConfig,
	instructions instructionStore,
	prices priceSource,
	executor tradeExecutor,
	monitor eventRecorder,
	locks *Locks,
	logger *zap.Logger,
) (*Scheduler, error) {
	if instructions == nil || prices == nil || executor == nil {
		return nil, errors.New("scheduler: 依赖不完整")
	}
	if locks == nil {
		locks = NewLocks()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Minute
	}
	concurrency := cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	return &Scheduler{
		instructions:   instructions,
		prices:         prices,
		executor:       executor,
		monitor:        monitor,
		locks:          locks,
		logger:         logger,
		pollInterval:   interval,
		maxConcurrency: concurrency,
	}, nil
}

// Locks 返回调度器使用的锁注册表，取消路径需要共享它。
func (s *Scheduler) Locks() *Locks {
	return s.locks
}

// Run 启动轮询循环，直到 ctx 取消。
// 单轮失败只记录日志，循环本身永不退出。
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Tick(ctx); err != nil {
		s.logger.Error("首轮评估失败", zap.Error(err))
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("调度器收到退出信号，正在停止")
			return nil
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("评估轮次失败", zap.Error(err))
			}
		}
	}
}

// Tick 执行一轮评估：加载全部 pending 指令并以受限并发逐条处理。
func (s *Scheduler) Tick(ctx context.Context) error {
	pending, err := s.instructions.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: 加载待评估指令失败: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	group := new(errgroup.Group)
	group.SetLimit(s.maxConcurrency)

	for _, instr := range pending {
		group.Go(func() error {
			// 单条指令的失败在 process 内部消化，不影响同轮其它指令。
			s.process(ctx, instr)
			return nil
		})
	}

	return group.Wait()
}

func (s *Scheduler) process(ctx context.Context, instr trigger.Instruction) {
	if ctx.Err() != nil {
		return
	}

	// 抢不到锁说明同一指令的上一次评估或一次取消还在进行中，跳过本轮。
	if !s.locks.TryAcquire(instr.ID) {
		s.logger.Debug("指令正被占用，跳过本轮", zap.String("instruction", instr.ID))
		return
	}
	defer s.locks.Release(instr.ID)

	// 拿到锁后重读：列表快照可能已经过期，指令可能被并发轮次触发或被取消。
	fresh, err := s.instructions.Get(ctx, instr.ID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Warn("重读指令失败", zap.String("instruction", instr.ID), zap.Error(err))
		return
	}
	if fresh.Status != trigger.StatusPending {
		return
	}
	instr = *fresh

	now := time.Now().UTC()

	if err := s.instructions.TouchChecked(ctx, instr.ID, now); err != nil {
		s.logger.Warn("更新指令检查时间失败", zap.String("instruction", instr.ID), zap.Error(err))
	}

	snapshot := s.snapshotFor(instr)
	verdict := trigger.Evaluate(instr, snapshot, now)
	if !verdict.Matched {
		return
	}

	s.logger.Info("指令条件命中",
		zap.String("instruction", instr.ID),
		zap.Int64("user_id", instr.UserID),
		zap.String("kind", string(instr.Condition.Kind)),
		zap.String("reason", verdict.Reason),
	)

	executed, execErr := s.executor.Execute(ctx, &instr, snapshot.Price)
	if execErr != nil {
		s.fail(ctx, instr, execErr, now)
		return
	}

	moved, err := s.instructions.MarkTriggered(ctx, instr.ID, executed.ID, now)
	if err != nil {
		s.logger.Error("标记指令触发失败", zap.String("instruction", instr.ID), zap.Error(err))
		return
	}
	if !moved {
		// 逐指令互斥下不应出现，留作状态机被破坏时的告警。
		s.logger.Error("指令状态迁移冲突，订单已提交但状态未更新",
			zap.String("instruction", instr.ID),
			zap.String("trade", executed.ID),
		)
		return
	}

	if s.monitor != nil {
		s.monitor.RecordInstructionTriggered(ctx, instr, *executed)
	}
}

func (s *Scheduler) fail(ctx context.Context, instr trigger.Instruction, execErr error, now time.Time) {
	message := execErr.Error()

	s.logger.Warn("指令执行失败，转入终态",
		zap.String("instruction", instr.ID),
		zap.Int64("user_id", instr.UserID),
		zap.String("error", message),
	)

	moved, err := s.instructions.MarkFailed(ctx, instr.ID, message, now)
	if err != nil {
		s.logger.Error("标记指令失败状态失败", zap.String("instruction", instr.ID), zap.Error(err))
		return
	}
	if moved && s.monitor != nil {
		s.monitor.RecordInstructionFailed(ctx, instr, message)
	}
}

// snapshotFor 返回该指令关心的行情快照；date 触发不依赖行情。
func (s *Scheduler) snapshotFor(instr trigger.Instruction) trigger.Snapshot {
	quote, ok := s.prices.LatestPrice(instr.Order.Symbol)
	if !ok {
		return trigger.Snapshot{}
	}
	return trigger.Snapshot{Price: quote.Price, UpdatedAt: quote.UpdatedAt}
}
