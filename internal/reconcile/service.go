package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trade-trigger/internal/exchange"
	"trade-trigger/internal/store"
	"trade-trigger/internal/trade"
)

type exchangeClient interface {
	FetchTrades(ctx context.Context, userID int64, scope trade.Scope) ([]exchange.TradeRecord, error)
	CloseAll(ctx context.Context, userID int64) error
	CancelAll(ctx context.Context, userID int64) error
}

type tradeStore interface {
	Create(ctx context.Context, t *trade.Trade) error
	GetByExternalID(ctx context.Context, userID int64, externalID string) (*trade.Trade, error)
	Update(ctx context.Context, t *trade.Trade) error
	SweepClose(ctx context.Context, userID int64, ts time.Time) (int64, error)
	SweepCancel(ctx context.Context, userID int64, ts time.Time) (int64, error)
	ListUsersWithActive(ctx context.Context) ([]int64, error)
}

// Reconciler 以交易所为权威，把交易所侧状态合并进本地交易记录。
// 交易创建之后的状态迁移只允许经过这里，幂等是其核心性质：
// 对同一份交易所状态重复对账不产生额外变更。
type Reconciler struct {
	client exchangeClient
	trades tradeStore
	logger *zap.Logger
}

// NewReconciler 创建对账器。
func NewReconciler(client exchangeClient, trades tradeStore, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		client: client,
		trades: trades,
		logger: logger,
	}
}

// Reconcile 拉取交易所侧交易快照并按 external_id 做差异合并。
// 单条记录的失败只进入结果的 Errors 列表，不中断整批。
func (r *Reconciler) Reconcile(ctx context.Context, userID int64, scope trade.Scope) (SyncResult, error) {
	var result SyncResult

	records, err := r.client.FetchTrades(ctx, userID, scope)
	if err != nil {
		return result, fmt.Errorf("reconcile: 拉取交易所交易失败: %w", err)
	}

	for _, rec := range records {
		if rec.ExternalID == "" {
			result.Errors = append(result.Errors, "交易所记录缺少订单ID，已跳过")
			continue
		}

		created, updated, mergeErr := r.merge(ctx, userID, rec)
		if mergeErr != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("合并 external_id=%s 失败: %v", rec.ExternalID, mergeErr))
			continue
		}
		if created {
			result.Created++
		}
		if updated {
			result.Updated++
		}
	}

	r.logger.Info("对账完成",
		zap.Int64("user_id", userID),
		zap.String("scope", string(scope)),
		zap.Int("created", result.Created),
		zap.Int("updated", result.Updated),
		zap.Int("errors", len(result.Errors)),
	)

	return result, nil
}

func (r *Reconciler) merge(ctx context.Context, userID int64, rec exchange.TradeRecord) (created, updated bool, err error) {
	status := mapStatus(rec.Flags)

	local, err := r.trades.GetByExternalID(ctx, userID, rec.ExternalID)
	if errors.Is(err, store.ErrNotFound) {
		now := time.Now().UTC()
		t := &trade.Trade{
			ID:         uuid.NewString(),
			UserID:     userID,
			ExternalID: rec.ExternalID,
			Symbol:     rec.Symbol,
			Side:       rec.Side,
			OrderKind:  rec.Kind,
			Status:     status,
			EntryPrice: rec.EntryPrice,
			ExitPrice:  rec.ExitPrice,
			Quantity:   rec.Quantity,
			PnL:        rec.PnL,
			Fee:        rec.Fee,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if createErr := r.trades.Create(ctx, t); createErr != nil {
			return false, false, createErr
		}
		return true, false, nil
	}
	if err != nil {
		return false, false, err
	}

	changed := false

	// 终态记录只允许回填最终的平仓价与盈亏，状态本身不再改写。
	if !local.Status.IsTerminal() && local.Status != status {
		local.Status = status
		changed = true
	}
	if rec.ExitPrice > 0 && !floatEqual(local.ExitPrice, rec.ExitPrice) {
		local.ExitPrice = rec.ExitPrice
		changed = true
	}
	if !floatEqual(local.PnL, rec.PnL) && rec.PnL != 0 {
		local.PnL = rec.PnL
		changed = true
	}
	if rec.Fee > 0 && !floatEqual(local.Fee, rec.Fee) {
		local.Fee = rec.Fee
		changed = true
	}

	if !changed {
		return false, false, nil
	}

	local.UpdatedAt = time.Now().UTC()
	if updateErr := r.trades.Update(ctx, local); updateErr != nil {
		return false, false, updateErr
	}
	return false, true, nil
}

// CloseAll 对交易所发起批量平仓，成功后回写本地全部存续交易为 closed。
// 交易所调用与本地回写并非事务：回写失败由下一轮对账自愈。
func (r *Reconciler) CloseAll(ctx context.Context, userID int64) (int64, error) {
	if err := r.client.CloseAll(ctx, userID); err != nil {
		return 0, fmt.Errorf("reconcile: 交易所批量平仓失败: %w", err)
	}

	affected, err := r.trades.SweepClose(ctx, userID, time.Now().UTC())
	if err != nil {
		r.logger.Error("批量平仓本地回写失败，等待对账自愈",
			zap.Int64("user_id", userID), zap.Error(err))
		return 0, fmt.Errorf("reconcile: 批量平仓本地回写失败: %w", err)
	}
	return affected, nil
}

// CancelAll 对交易所发起批量撤单，成功后仅把本地 open 交易回写为 cancelled。
func (r *Reconciler) CancelAll(ctx context.Context, userID int64) (int64, error) {
	if err := r.client.CancelAll(ctx, userID); err != nil {
		return 0, fmt.Errorf("reconcile: 交易所批量撤单失败: %w", err)
	}

	affected, err := r.trades.SweepCancel(ctx, userID, time.Now().UTC())
	if err != nil {
		r.logger.Error("批量撤单本地回写失败，等待对账自愈",
			zap.Int64("user_id", userID), zap.Error(err))
		return 0, fmt.Errorf("reconcile: 批量撤单本地回写失败: %w", err)
	}
	return affected, nil
}

// SweepAll 对所有仍有存续交易的用户做一轮全量对账。
func (r *Reconciler) SweepAll(ctx context.Context) error {
	users, err := r.trades.ListUsersWithActive(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: 查询活跃用户失败: %w", err)
	}

	for _, userID := range users {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if _, syncErr := r.Reconcile(ctx, userID, trade.ScopeAll); syncErr != nil {
			r.logger.Warn("定期对账失败", zap.Int64("user_id", userID), zap.Error(syncErr))
		}
	}
	return nil
}

func floatEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}
