package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trade-trigger/internal/trade"
)

// TradeStore 持久化本地交易记录。
// 交易创建后的状态变更只来自对账器与批量平仓/撤单的本地回写。
type TradeStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTradeStore 创建交易仓储并初始化表结构。
func NewTradeStore(store *Store, logger *zap.Logger) (*TradeStore, error) {
	if store == nil {
		return nil, errors.New("store: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &TradeStore{db: store.DB(), logger: logger}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *TradeStore) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			external_id TEXT NOT NULL DEFAULT '',
			symbol TEXT NOT NULL,
			trade_type TEXT NOT NULL DEFAULT '',
			side TEXT NOT NULL DEFAULT '',
			order_kind TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			entry_price REAL NOT NULL DEFAULT 0,
			exit_price REAL NOT NULL DEFAULT 0,
			margin REAL NOT NULL DEFAULT 0,
			leverage INTEGER NOT NULL DEFAULT 0,
			quantity REAL NOT NULL DEFAULT 0,
			pnl REAL NOT NULL DEFAULT 0,
			fee REAL NOT NULL DEFAULT 0,
			liquidation_price REAL NOT NULL DEFAULT 0,
			take_profit REAL NOT NULL DEFAULT 0,
			stop_loss REAL NOT NULL DEFAULT 0,
			instruction_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_user_status ON trades(user_id, status);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_external ON trades(user_id, external_id) WHERE external_id != '';`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: 初始化交易表失败: %w", err)
		}
	}
	return nil
}

// Create 写入新交易。
func (s *TradeStore) Create(ctx context.Context, t *trade.Trade) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO trades (
	id, user_id, external_id, symbol, trade_type, side, order_kind, status,
	entry_price, exit_price, margin, leverage, quantity, pnl, fee,
	liquidation_price, take_profit, stop_loss, instruction_id, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.ExternalID, t.Symbol, t.TradeType, t.Side, t.OrderKind, string(t.Status),
		t.EntryPrice, t.ExitPrice, t.Margin, t.Leverage, t.Quantity, t.PnL, t.Fee,
		t.LiquidationPrice, t.TakeProfit, t.StopLoss, t.InstructionID,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: 写入交易失败: %w", err)
	}
	return nil
}

// GetByExternalID 按交易所ID查询本地交易。
func (s *TradeStore) GetByExternalID(ctx context.Context, userID int64, externalID string) (*trade.Trade, error) {
	row := s.db.QueryRowContext(ctx,
		selectTrade+` WHERE user_id = ? AND external_id = ?`, userID, externalID)
	return scanTrade(row)
}

// ListByUser 按范围返回用户交易。
func (s *TradeStore) ListByUser(ctx context.Context, userID int64, scope trade.Scope) ([]trade.Trade, error) {
	switch scope {
	case trade.ScopeOpen, trade.ScopeRunning, trade.ScopeClosed:
		return s.list(ctx, selectTrade+` WHERE user_id = ? AND status = ? ORDER BY created_at DESC`,
			userID, string(scope))
	default:
		return s.list(ctx, selectTrade+` WHERE user_id = ? ORDER BY created_at DESC`, userID)
	}
}

// ListActiveByUser 返回用户全部存续交易（open 与 running）。
func (s *TradeStore) ListActiveByUser(ctx context.Context, userID int64) ([]trade.Trade, error) {
	return s.list(ctx, selectTrade+` WHERE user_id = ? AND status IN (?, ?) ORDER BY created_at DESC`,
		userID, string(trade.StatusOpen), string(trade.StatusRunning))
}

// ListUsersWithActive 返回存在存续交易的用户列表，供定期对账使用。
func (s *TradeStore) ListUsersWithActive(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM trades WHERE status IN (?, ?)`,
		string(trade.StatusOpen), string(trade.StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("store: 查询活跃用户失败: %w", err)
	}
	defer rows.Close()

	var users []int64
	for rows.Next() {
		var id int64
		if scanErr := rows.Scan(&id); scanErr != nil {
			return nil, fmt.Errorf("store: 解析用户ID失败: %w", scanErr)
		}
		users = append(users, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 遍历活跃用户失败: %w", err)
	}
	return users, nil
}

// Update 覆盖写交易的可变字段。
func (s *TradeStore) Update(ctx context.Context, t *trade.Trade) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE trades SET
	external_id = ?, status = ?, entry_price = ?, exit_price = ?, pnl = ?, fee = ?,
	liquidation_price = ?, take_profit = ?, stop_loss = ?, updated_at = ?
WHERE id = ?`,
		t.ExternalID, string(t.Status), t.EntryPrice, t.ExitPrice, t.PnL, t.Fee,
		t.LiquidationPrice, t.TakeProfit, t.StopLoss, formatTime(t.UpdatedAt), t.ID,
	)
	if err != nil {
		return fmt.Errorf("store: 更新交易失败: %w", err)
	}
	return nil
}

// SweepClose 将用户全部存续交易批量置为 closed，返回影响行数。
func (s *TradeStore) SweepClose(ctx context.Context, userID int64, ts time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE trades SET status = ?, updated_at = ? WHERE user_id = ? AND status IN (?, ?)`,
		string(trade.StatusClosed), formatTime(ts), userID,
		string(trade.StatusOpen), string(trade.StatusRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("store: 批量平仓回写失败: %w", err)
	}
	return res.RowsAffected()
}

// SweepCancel 将用户全部 open 交易批量置为 cancelled，返回影响行数。
// running 的持仓不受撤单影响。
func (s *TradeStore) SweepCancel(ctx context.Context, userID int64, ts time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE trades SET status = ?, updated_at = ? WHERE user_id = ? AND status = ?`,
		string(trade.StatusCancelled), formatTime(ts), userID, string(trade.StatusOpen),
	)
	if err != nil {
		return 0, fmt.Errorf("store: 批量撤单回写失败: %w", err)
	}
	return res.RowsAffected()
}

const selectTrade = `
SELECT id, user_id, external_id, symbol, trade_type, side, order_kind, status,
	entry_price, exit_price, margin, leverage, quantity, pnl, fee,
	liquidation_price, take_profit, stop_loss, instruction_id, created_at, updated_at
FROM trades`

func (s *TradeStore) list(ctx context.Context, query string, args ...interface{}) ([]trade.Trade, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: 查询交易失败: %w", err)
	}
	defer rows.Close()

	var out []trade.Trade
	for rows.Next() {
		t, scanErr := scanTrade(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 遍历交易失败: %w", err)
	}
	return out, nil
}

func scanTrade(row rowScanner) (*trade.Trade, error) {
	var (
		t                    trade.Trade
		status               string
		createdAt, updatedAt string
	)

	err := row.Scan(
		&t.ID, &t.UserID, &t.ExternalID, &t.Symbol, &t.TradeType, &t.Side, &t.OrderKind, &status,
		&t.EntryPrice, &t.ExitPrice, &t.Margin, &t.Leverage, &t.Quantity, &t.PnL, &t.Fee,
		&t.LiquidationPrice, &t.TakeProfit, &t.StopLoss, &t.InstructionID, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: 解析交易失败: %w", err)
	}

	t.Status = trade.Status(status)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}
