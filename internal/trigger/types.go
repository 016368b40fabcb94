package trigger

import "time"

// Kind 表示触发条件类型。
type Kind string

const (
	KindDate            Kind = "date"
	KindPriceRange      Kind = "price_range"
	KindPricePercentage Kind = "price_percentage"
)

// Status 表示计划指令的生命周期状态。
// pending 为唯一非终态，离开 pending 后不可回退。
type Status string

const (
	StatusPending   Status = "pending"
	StatusTriggered Status = "triggered"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// TradeType 表示衍生品类别。
type TradeType string

const (
	TradeTypeFutures TradeType = "futures"
	TradeTypeOptions TradeType = "options"
)

// Side 表示下单方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderKind 表示委托类型。
type OrderKind string

const (
	OrderKindMarket OrderKind = "market"
	OrderKindLimit  OrderKind = "limit"
)

// Condition 为触发条件的带标签变体，Kind 决定哪些字段有效。
type Condition struct {
	Kind Kind `json:"kind"`

	// date
	At time.Time `json:"at,omitempty"`

	// price_range，双边闭区间
	Low  float64 `json:"low,omitempty"`
	High float64 `json:"high,omitempty"`

	// price_percentage，BasePrice 为创建时刻的一次性快照，之后不再刷新
	Percent   float64 `json:"percent,omitempty"`
	BasePrice float64 `json:"base_price,omitempty"`
}

// OrderTemplate 描述触发后要提交的订单模板。
type OrderTemplate struct {
	Symbol     string    `json:"symbol"`
	TradeType  TradeType `json:"trade_type"`
	Side       Side      `json:"side"`
	OrderKind  OrderKind `json:"order_kind"`
	Margin     float64   `json:"margin"`
	Leverage   int       `json:"leverage"`
	Quantity   float64   `json:"quantity"`
	TakeProfit float64   `json:"take_profit,omitempty"`
	StopLoss   float64   `json:"stop_loss,omitempty"`
	LimitPrice float64   `json:"limit_price,omitempty"`
	Settlement string    `json:"settlement,omitempty"`
}

// Instruction 为用户创建的条件交易指令。
type Instruction struct {
	ID        string        `json:"id"`
	UserID    int64         `json:"user_id"`
	Condition Condition     `json:"condition"`
	Order     OrderTemplate `json:"order"`

	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	LastCheckedAt   time.Time `json:"last_checked_at,omitempty"`
	ExecutedAt      time.Time `json:"executed_at,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	ExecutedTradeID string    `json:"executed_trade_id,omitempty"`
}

// Snapshot 为评估时使用的最新行情快照，Price 为0表示尚无可用报价。
type Snapshot struct {
	Price     float64
	UpdatedAt time.Time
}

// Verdict 为一次评估的结论。
type Verdict struct {
	Matched bool
	Reason  string
}
