package exchange

import "time"

// OrderRequest 为一次委托提交的参数。
type OrderRequest struct {
	Symbol        string
	TradeType     string // futures | options
	Side          string // buy | sell
	Kind          string // market | limit
	Quantity      float64
	LimitPrice    float64
	Margin        float64
	Leverage      int
	TakeProfit    float64
	StopLoss      float64
	Settlement    string
	ClientOrderID string
}

// OrderAck 为交易所对委托的确认。
type OrderAck struct {
	ExternalID string
	AvgPrice   float64
	Status     string
}

// StatusFlags 为交易所侧的状态标志位，可能同时置位，
// 由对账器按固定优先级折算成规范状态。
type StatusFlags struct {
	Closed   bool
	Running  bool
	Open     bool
	Canceled bool
}

// TradeRecord 为交易所返回的单条交易快照。
type TradeRecord struct {
	ExternalID string
	Symbol     string
	Side       string
	Kind       string
	Quantity   float64
	EntryPrice float64
	ExitPrice  float64
	PnL        float64
	Fee        float64
	Flags      StatusFlags
	Timestamp  time.Time
}

// Quote 为单个交易对的最新报价。
type Quote struct {
	Symbol    string
	Price     float64
	UpdatedAt time.Time
}
