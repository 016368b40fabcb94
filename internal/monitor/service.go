package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trade-trigger/internal/reconcile"
	"trade-trigger/internal/store"
	"trade-trigger/internal/trade"
	"trade-trigger/internal/trigger"
)

// Service 负责持久化审计事件。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService 初始化审计服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     store.DB(),
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(event.Type), string(payload), event.Timestamp.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

// RecordInstructionTriggered 记录指令触发。
func (s *Service) RecordInstructionTriggered(ctx context.Context, instr trigger.Instruction, t trade.Trade) {
	if err := s.Record(ctx, Event{
		Type:      EventInstructionTriggered,
		Timestamp: time.Now().UTC(),
		Payload:   InstructionTriggeredPayload{Instruction: instr, Trade: t},
	}); err != nil {
		s.logger.Warn("记录指令触发事件失败", zap.Error(err))
	}
}

// RecordInstructionFailed 记录指令执行失败。
func (s *Service) RecordInstructionFailed(ctx context.Context, instr trigger.Instruction, message string) {
	if err := s.Record(ctx, Event{
		Type:      EventInstructionFailed,
		Timestamp: time.Now().UTC(),
		Payload:   InstructionFailedPayload{Instruction: instr, Error: message},
	}); err != nil {
		s.logger.Warn("记录指令失败事件失败", zap.Error(err))
	}
}

// RecordReconcile 记录对账结果。
func (s *Service) RecordReconcile(ctx context.Context, userID int64, scope trade.Scope, result reconcile.SyncResult) {
	if err := s.Record(ctx, Event{
		Type:      EventReconcile,
		Timestamp: time.Now().UTC(),
		Payload:   ReconcilePayload{UserID: userID, Scope: string(scope), Result: result},
	}); err != nil {
		s.logger.Warn("记录对账事件失败", zap.Error(err))
	}
}

// RecordBulkAction 记录批量平仓/撤单。
func (s *Service) RecordBulkAction(ctx context.Context, userID int64, action string, affected int64) {
	if err := s.Record(ctx, Event{
		Type:      EventBulkAction,
		Timestamp: time.Now().UTC(),
		Payload:   BulkActionPayload{UserID: userID, Action: action, Affected: affected},
	}); err != nil {
		s.logger.Warn("记录批量操作事件失败", zap.Error(err))
	}
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{
		Message: msg,
		Error:   err.Error(),
		Context: ctxMap,
	}
	if recErr := s.Record(ctx, Event{
		Type:      EventError,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}); recErr != nil {
		s.logger.Warn("记录异常事件失败", zap.Error(recErr))
	}
}

// ListEvents 按类型检索最近事件。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_type, payload, created_at FROM monitor_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			typ     string
			payload string
			created string
		)
		if scanErr := rows.Scan(&typ, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339, created)
		if parseErr != nil {
			ts = time.Now().UTC()
		}

		events = append(events, Event{
			Type:      EventType(typ),
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 遍历事件失败: %w", err)
	}

	return events, nil
}
