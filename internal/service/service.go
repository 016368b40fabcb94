package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trade-trigger/internal/exchange"
	"trade-trigger/internal/reconcile"
	"trade-trigger/internal/scheduler"
	"trade-trigger/internal/trade"
	"trade-trigger/internal/trigger"
)

// ErrNotPending 表示目标指令不存在或已离开 pending，不能再取消。
var ErrNotPending = errors.New("service: 指令不存在或已离开 pending 状态")

// ErrNoQuote 表示创建百分比触发时尚无可用基准行情。
var ErrNoQuote = errors.New("service: 暂无可用行情，无法确定基准价格")

type instructionStore interface {
	Create(ctx context.Context, instr *trigger.Instruction) error
	Get(ctx context.Context, id string) (*trigger.Instruction, error)
	ListByUser(ctx context.Context, userID int64) ([]trigger.Instruction, error)
	CancelPending(ctx context.Context, id string, userID int64) (bool, error)
}

type tradeStore interface {
	ListByUser(ctx context.Context, userID int64, scope trade.Scope) ([]trade.Trade, error)
}

type reconciler interface {
	Reconcile(ctx context.Context, userID int64, scope trade.Scope) (reconcile.SyncResult, error)
	CloseAll(ctx context.Context, userID int64) (int64, error)
	CancelAll(ctx context.Context, userID int64) (int64, error)
}

type priceSource interface {
	LatestPrice(symbol string) (exchange.Quote, bool)
}

type eventRecorder interface {
	RecordReconcile(ctx context.Context, userID int64, scope trade.Scope, result reconcile.SyncResult)
	RecordBulkAction(ctx context.Context, userID int64, action string, affected int64)
}

// Service 是面向 Web 层的应用入口，承载指令与交易的全部对外操作。
type Service struct {
	instructions instructionStore
	trades       tradeStore
	reconciler   reconciler
	prices       priceSource
	monitor      eventRecorder
	locks        *scheduler.Locks
	logger       *zap.Logger
}

// New 创建应用服务。
func New(
	instructions instructionStore,
	trades tradeStore,
	rec reconciler,
	prices priceSource,
	monitor eventRecorder,
	locks *scheduler.Locks,
	logger *zap.Logger,
) (*Service, error) {
	if instructions == nil || trades == nil || rec == nil || prices == nil || locks == nil {
		return nil, errors.New("service: 依赖不完整")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		instructions: instructions,
		trades:       trades,
		reconciler:   rec,
		prices:       prices,
		monitor:      monitor,
		locks:        locks,
		logger:       logger,
	}, nil
}

// CreateInstruction 创建一条计划指令。
// 百分比触发在这里完成基准价格的一次性快照，之后不再刷新。
func (s *Service) CreateInstruction(ctx context.Context, userID int64, cond trigger.Condition, order trigger.OrderTemplate) (*trigger.Instruction, error) {
	now := time.Now().UTC()

	instr := &trigger.Instruction{
		ID:        uuid.NewString(),
		UserID:    userID,
		Condition: cond,
		Order:     order,
		Status:    trigger.StatusPending,
		CreatedAt: now,
	}

	if instr.Condition.Kind == trigger.KindPricePercentage && instr.Condition.BasePrice <= 0 {
		quote, ok := s.prices.LatestPrice(order.Symbol)
		if !ok || quote.Price <= 0 {
			return nil, ErrNoQuote
		}
		instr.Condition.BasePrice = quote.Price
	}

	if err := instr.Validate(now); err != nil {
		return nil, err
	}

	if err := s.instructions.Create(ctx, instr); err != nil {
		return nil, err
	}

	s.logger.Info("创建计划指令",
		zap.String("instruction", instr.ID),
		zap.Int64("user_id", userID),
		zap.String("kind", string(cond.Kind)),
		zap.String("symbol", order.Symbol),
	)

	return instr, nil
}

// GetInstruction 查询单条指令。
func (s *Service) GetInstruction(ctx context.Context, id string) (*trigger.Instruction, error) {
	return s.instructions.Get(ctx, id)
}

// ListInstructions 返回用户的全部指令。
func (s *Service) ListInstructions(ctx context.Context, userID int64) ([]trigger.Instruction, error) {
	return s.instructions.ListByUser(ctx, userID)
}

// CancelInstruction 取消仍处于 pending 的指令。
// 先阻塞获取该指令的锁：要么等当前评估结束再取消，
// 要么先取消让后续评估读到终态直接跳过，保证取消与触发不会同时生效。
func (s *Service) CancelInstruction(ctx context.Context, userID int64, id string) error {
	if err := s.locks.Acquire(ctx, id); err != nil {
		return fmt.Errorf("service: 等待指令空闲失败: %w", err)
	}
	defer s.locks.Release(id)

	cancelled, err := s.instructions.CancelPending(ctx, id, userID)
	if err != nil {
		return err
	}
	if !cancelled {
		return ErrNotPending
	}

	s.logger.Info("取消计划指令", zap.String("instruction", id), zap.Int64("user_id", userID))
	return nil
}

// ListTrades 按范围返回用户交易。
func (s *Service) ListTrades(ctx context.Context, userID int64, scope trade.Scope) ([]trade.Trade, error) {
	return s.trades.ListByUser(ctx, userID, scope)
}

// ReconcileNow 立即对指定用户做一次对账。
func (s *Service) ReconcileNow(ctx context.Context, userID int64, scope trade.Scope) (reconcile.SyncResult, error) {
	result, err := s.reconciler.Reconcile(ctx, userID, scope)
	if err != nil {
		return result, err
	}
	if s.monitor != nil {
		s.monitor.RecordReconcile(ctx, userID, scope, result)
	}
	return result, nil
}

// CloseAll 批量平掉用户全部存续交易，返回本地回写的条数。
func (s *Service) CloseAll(ctx context.Context, userID int64) (int64, error) {
	affected, err := s.reconciler.CloseAll(ctx, userID)
	if err != nil {
		return 0, err
	}
	if s.monitor != nil {
		s.monitor.RecordBulkAction(ctx, userID, "close_all", affected)
	}
	return affected, nil
}

// CancelAll 批量撤掉用户全部未成交委托，返回本地回写的条数。
func (s *Service) CancelAll(ctx context.Context, userID int64) (int64, error) {
	affected, err := s.reconciler.CancelAll(ctx, userID)
	if err != nil {
		return 0, err
	}
	if s.monitor != nil {
		s.monitor.RecordBulkAction(ctx, userID, "cancel_all", affected)
	}
	return affected, nil
}
