package monitor

import (
	"time"

	"trade-trigger/internal/reconcile"
	"trade-trigger/internal/trade"
	"trade-trigger/internal/trigger"
)

// EventType 表示审计事件类型。
type EventType string

const (
	EventInstructionTriggered EventType = "instruction_triggered"
	EventInstructionFailed    EventType = "instruction_failed"
	EventReconcile            EventType = "reconcile"
	EventBulkAction           EventType = "bulk_action"
	EventError                EventType = "error"
)

// Event 封装通用审计事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// InstructionTriggeredPayload 记录指令触发及其产生的交易。
type InstructionTriggeredPayload struct {
	Instruction trigger.Instruction `json:"instruction"`
	Trade       trade.Trade         `json:"trade"`
}

// InstructionFailedPayload 记录指令执行失败。
type InstructionFailedPayload struct {
	Instruction trigger.Instruction `json:"instruction"`
	Error       string              `json:"error"`
}

// ReconcilePayload 记录一次对账结果。
type ReconcilePayload struct {
	UserID int64                `json:"user_id"`
	Scope  string               `json:"scope"`
	Result reconcile.SyncResult `json:"result"`
}

// BulkActionPayload 记录批量平仓/撤单。
type BulkActionPayload struct {
	UserID   int64  `json:"user_id"`
	Action   string `json:"action"`
	Affected int64  `json:"affected"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
