package reconcile

import (
	"trade-trigger/internal/exchange"
	"trade-trigger/internal/trade"
)

// SyncResult 汇总一次对账的变更情况。
type SyncResult struct {
	Created int      `json:"created"`
	Updated int      `json:"updated"`
	Errors  []string `json:"errors,omitempty"`
}

// mapStatus 将交易所标志位按固定优先级折算为规范状态：
// closed > running > open > canceled；全部未置位时保守地视为 open，
// 宁可把未知记录当作仍然存续，也不静默丢弃。
func mapStatus(f exchange.StatusFlags) trade.Status {
	switch {
	case f.Closed:
		return trade.StatusClosed
	case f.Running:
		return trade.StatusRunning
	case f.Open:
		return trade.StatusOpen
	case f.Canceled:
		return trade.StatusCancelled
	default:
		return trade.StatusOpen
	}
}
