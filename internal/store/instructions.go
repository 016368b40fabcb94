package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trade-trigger/internal/trigger"
)

// InstructionStore 持久化计划指令。
// 状态离开 pending 的所有写入都带状态条件，配合调度器的逐指令互斥，
// 保证每条指令至多发生一次状态迁移。
type InstructionStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewInstructionStore 创建指令仓储并初始化表结构。
func NewInstructionStore(store *Store, logger *zap.Logger) (*InstructionStore, error) {
	if store == nil {
		return nil, errors.New("store: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &InstructionStore{db: store.DB(), logger: logger}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *InstructionStore) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS scheduled_instructions (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			trigger_at TEXT,
			low REAL NOT NULL DEFAULT 0,
			high REAL NOT NULL DEFAULT 0,
			percent REAL NOT NULL DEFAULT 0,
			base_price REAL NOT NULL DEFAULT 0,
			symbol TEXT NOT NULL,
			trade_type TEXT NOT NULL,
			side TEXT NOT NULL,
			order_kind TEXT NOT NULL,
			margin REAL NOT NULL,
			leverage INTEGER NOT NULL,
			quantity REAL NOT NULL,
			take_profit REAL NOT NULL DEFAULT 0,
			stop_loss REAL NOT NULL DEFAULT 0,
			limit_price REAL NOT NULL DEFAULT 0,
			settlement TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_checked_at TEXT NOT NULL DEFAULT '',
			executed_at TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			executed_trade_id TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_instructions_status ON scheduled_instructions(status);`,
		`CREATE INDEX IF NOT EXISTS idx_instructions_user ON scheduled_instructions(user_id);`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: 初始化指令表失败: %w", err)
		}
	}
	return nil
}

// Create 写入新指令。
func (s *InstructionStore) Create(ctx context.Context, instr *trigger.Instruction) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO scheduled_instructions (
	id, user_id, kind, trigger_at, low, high, percent, base_price,
	symbol, trade_type, side, order_kind, margin, leverage, quantity,
	take_profit, stop_loss, limit_price, settlement,
	status, created_at, last_checked_at, executed_at, error_message, executed_trade_id
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		instr.ID, instr.UserID, string(instr.Condition.Kind), formatTime(instr.Condition.At),
		instr.Condition.Low, instr.Condition.High, instr.Condition.Percent, instr.Condition.BasePrice,
		instr.Order.Symbol, string(instr.Order.TradeType), string(instr.Order.Side), string(instr.Order.OrderKind),
		instr.Order.Margin, instr.Order.Leverage, instr.Order.Quantity,
		instr.Order.TakeProfit, instr.Order.StopLoss, instr.Order.LimitPrice, instr.Order.Settlement,
		string(instr.Status), formatTime(instr.CreatedAt), formatTime(instr.LastCheckedAt),
		formatTime(instr.ExecutedAt), instr.ErrorMessage, instr.ExecutedTradeID,
	)
	if err != nil {
		return fmt.Errorf("store: 写入指令失败: %w", err)
	}
	return nil
}

// Get 按ID查询指令。
func (s *InstructionStore) Get(ctx context.Context, id string) (*trigger.Instruction, error) {
	row := s.db.QueryRowContext(ctx, selectInstruction+` WHERE id = ?`, id)
	return scanInstruction(row)
}

// ListPending 返回全部待评估指令。
func (s *InstructionStore) ListPending(ctx context.Context) ([]trigger.Instruction, error) {
	return s.list(ctx, selectInstruction+` WHERE status = ? ORDER BY created_at`, string(trigger.StatusPending))
}

// ListByUser 返回指定用户的全部指令。
func (s *InstructionStore) ListByUser(ctx context.Context, userID int64) ([]trigger.Instruction, error) {
	return s.list(ctx, selectInstruction+` WHERE user_id = ? ORDER BY created_at DESC`, userID)
}

// TouchChecked 更新最近一次评估时间，未命中也要更新。
// 仅向前推进，保证 last_checked_at 单调不减。
func (s *InstructionStore) TouchChecked(ctx context.Context, id string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_instructions SET last_checked_at = ? WHERE id = ? AND last_checked_at < ?`,
		formatTime(ts), id, formatTime(ts),
	)
	if err != nil {
		return fmt.Errorf("store: 更新指令检查时间失败: %w", err)
	}
	return nil
}

// MarkTriggered 将指令从 pending 迁移到 triggered，返回是否迁移成功。
func (s *InstructionStore) MarkTriggered(ctx context.Context, id, tradeID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE scheduled_instructions
SET status = ?, executed_at = ?, executed_trade_id = ?
WHERE id = ? AND status = ?`,
		string(trigger.StatusTriggered), formatTime(at), tradeID, id, string(trigger.StatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("store: 标记指令触发失败: %w", err)
	}
	return affectedOne(res)
}

// MarkFailed 将指令从 pending 迁移到 failed 并记录失败原因。
func (s *InstructionStore) MarkFailed(ctx context.Context, id, message string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE scheduled_instructions
SET status = ?, error_message = ?, last_checked_at = ?
WHERE id = ? AND status = ?`,
		string(trigger.StatusFailed), message, formatTime(at), id, string(trigger.StatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("store: 标记指令失败状态失败: %w", err)
	}
	return affectedOne(res)
}

// CancelPending 将仍处于 pending 的指令迁移到 cancelled，返回是否迁移成功。
// 指令不做物理删除，终态记录保留作为审计痕迹；
// 状态条件保证取消与触发不会同时生效。
func (s *InstructionStore) CancelPending(ctx context.Context, id string, userID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE scheduled_instructions
SET status = ?
WHERE id = ? AND user_id = ? AND status = ?`,
		string(trigger.StatusCancelled), id, userID, string(trigger.StatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("store: 取消指令失败: %w", err)
	}
	return affectedOne(res)
}

const selectInstruction = `
SELECT id, user_id, kind, trigger_at, low, high, percent, base_price,
	symbol, trade_type, side, order_kind, margin, leverage, quantity,
	take_profit, stop_loss, limit_price, settlement,
	status, created_at, last_checked_at, executed_at, error_message, executed_trade_id
FROM scheduled_instructions`

func (s *InstructionStore) list(ctx context.Context, query string, args ...interface{}) ([]trigger.Instruction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: 查询指令失败: %w", err)
	}
	defer rows.Close()

	var out []trigger.Instruction
	for rows.Next() {
		instr, scanErr := scanInstruction(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, *instr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 遍历指令失败: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstruction(row rowScanner) (*trigger.Instruction, error) {
	var (
		instr                                     trigger.Instruction
		kind, tradeType, side, orderKind, status  string
		triggerAt, createdAt, checkedAt, execedAt string
	)

	err := row.Scan(
		&instr.ID, &instr.UserID, &kind, &triggerAt,
		&instr.Condition.Low, &instr.Condition.High, &instr.Condition.Percent, &instr.Condition.BasePrice,
		&instr.Order.Symbol, &tradeType, &side, &orderKind,
		&instr.Order.Margin, &instr.Order.Leverage, &instr.Order.Quantity,
		&instr.Order.TakeProfit, &instr.Order.StopLoss, &instr.Order.LimitPrice, &instr.Order.Settlement,
		&status, &createdAt, &checkedAt, &execedAt, &instr.ErrorMessage, &instr.ExecutedTradeID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: 解析指令失败: %w", err)
	}

	instr.Condition.Kind = trigger.Kind(kind)
	instr.Order.TradeType = trigger.TradeType(tradeType)
	instr.Order.Side = trigger.Side(side)
	instr.Order.OrderKind = trigger.OrderKind(orderKind)
	instr.Status = trigger.Status(status)
	instr.Condition.At = parseTime(triggerAt)
	instr.CreatedAt = parseTime(createdAt)
	instr.LastCheckedAt = parseTime(checkedAt)
	instr.ExecutedAt = parseTime(execedAt)

	return &instr, nil
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: 读取影响行数失败: %w", err)
	}
	return n > 0, nil
}

// RFC3339（秒级）在字典序下与时间序一致，TouchChecked 的单调条件依赖这一点。
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
