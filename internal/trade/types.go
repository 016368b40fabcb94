package trade

import "time"

// Status 为本地交易的规范状态，与交易所侧的标志位模型解耦。
// open 表示尚未成交的挂单，running 表示已成交的持仓，
// closed 与 cancelled 为终态。
type Status string

const (
	StatusOpen      Status = "open"
	StatusRunning   Status = "running"
	StatusClosed    Status = "closed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal 判断状态是否为终态。
func (s Status) IsTerminal() bool {
	return s == StatusClosed || s == StatusCancelled
}

// IsActive 判断交易是否仍然存续。
func (s Status) IsActive() bool {
	return s == StatusOpen || s == StatusRunning
}

// Scope 限定一次查询或对账覆盖的交易范围。
type Scope string

const (
	ScopeOpen    Scope = "open"
	ScopeRunning Scope = "running"
	ScopeClosed  Scope = "closed"
	ScopeAll     Scope = "all"
)

// ParseScope 归一化范围参数，空值按 all 处理。
func ParseScope(raw string) (Scope, bool) {
	switch Scope(raw) {
	case ScopeOpen, ScopeRunning, ScopeClosed, ScopeAll:
		return Scope(raw), true
	case "":
		return ScopeAll, true
	default:
		return "", false
	}
}

// Trade 为本地交易记录。
// ExternalID 在交易所确认前为空；终态后的财务字段不可变，
// 仅允许对账回填最终的 pnl 与平仓价。
type Trade struct {
	ID         string `json:"id"`
	UserID     int64  `json:"user_id"`
	ExternalID string `json:"external_id"`

	Symbol    string `json:"symbol"`
	TradeType string `json:"trade_type"`
	Side      string `json:"side"`
	OrderKind string `json:"order_kind"`

	Status Status `json:"status"`

	EntryPrice       float64 `json:"entry_price"`
	ExitPrice        float64 `json:"exit_price"`
	Margin           float64 `json:"margin"`
	Leverage         int     `json:"leverage"`
	Quantity         float64 `json:"quantity"`
	PnL              float64 `json:"pnl"`
	Fee              float64 `json:"fee"`
	LiquidationPrice float64 `json:"liquidation_price"`
	TakeProfit       float64 `json:"take_profit"`
	StopLoss         float64 `json:"stop_loss"`

	InstructionID string `json:"instruction_id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
