package execution

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trade-trigger/internal/exchange"
	"trade-trigger/internal/trade"
	"trade-trigger/internal/trigger"
)

type orderClient interface {
	SubmitOrder(ctx context.Context, userID int64, req exchange.OrderRequest) (exchange.OrderAck, error)
}

type tradeCreator interface {
	Create(ctx context.Context, t *trade.Trade) error
}

// Executor 将命中的指令转化为真实委托并落地本地交易记录。
// 这是指令产生交易所敞口的唯一路径，调度器保证对同一指令至多调用一次。
type Executor struct {
	client orderClient
	trades tradeCreator
	logger *zap.Logger
}

// NewExecutor 创建执行器。
func NewExecutor(client orderClient, trades tradeCreator, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		client: client,
		trades: trades,
		logger: logger,
	}
}

// Execute 提交订单并创建本地交易，要么全部成功要么不留任何记录。
// markPrice 为评估时刻的行情价，市价单以其作为入场价的回退值。
func (e *Executor) Execute(ctx context.Context, instr *trigger.Instruction, markPrice float64) (*trade.Trade, error) {
	req := buildOrderRequest(instr)

	ack, err := e.client.SubmitOrder(ctx, instr.UserID, req)
	if err != nil {
		return nil, newExecError(err.Error(), err)
	}

	now := time.Now().UTC()
	entryPrice := ack.AvgPrice
	if entryPrice <= 0 {
		if instr.Order.OrderKind == trigger.OrderKindLimit {
			entryPrice = instr.Order.LimitPrice
		} else {
			entryPrice = markPrice
		}
	}

	// 挂单尚未成交记为 open，市价单视为立即成交记为 running。
	status := trade.StatusRunning
	if instr.Order.OrderKind == trigger.OrderKindLimit {
		status = trade.StatusOpen
	}

	t := &trade.Trade{
		ID:            uuid.NewString(),
		UserID:        instr.UserID,
		ExternalID:    ack.ExternalID,
		Symbol:        instr.Order.Symbol,
		TradeType:     string(instr.Order.TradeType),
		Side:          string(instr.Order.Side),
		OrderKind:     string(instr.Order.OrderKind),
		Status:        status,
		EntryPrice:    entryPrice,
		Margin:        instr.Order.Margin,
		Leverage:      instr.Order.Leverage,
		Quantity:      instr.Order.Quantity,
		TakeProfit:    instr.Order.TakeProfit,
		StopLoss:      instr.Order.StopLoss,
		InstructionID: instr.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := e.trades.Create(ctx, t); err != nil {
		// 委托已到达交易所，本地落库失败依赖下一轮对账按 external_id 补回。
		e.logger.Error("本地交易落库失败，等待对账自愈",
			zap.String("instruction", instr.ID),
			zap.String("external_id", ack.ExternalID),
			zap.Error(err),
		)
		return nil, newExecError("本地交易记录创建失败", err)
	}

	e.logger.Info("指令执行成功",
		zap.String("instruction", instr.ID),
		zap.String("trade", t.ID),
		zap.String("external_id", ack.ExternalID),
		zap.String("symbol", t.Symbol),
		zap.String("status", string(t.Status)),
	)

	return t, nil
}

func buildOrderRequest(instr *trigger.Instruction) exchange.OrderRequest {
	return exchange.OrderRequest{
		Symbol:        instr.Order.Symbol,
		TradeType:     string(instr.Order.TradeType),
		Side:          string(instr.Order.Side),
		Kind:          string(instr.Order.OrderKind),
		Quantity:      instr.Order.Quantity,
		LimitPrice:    instr.Order.LimitPrice,
		Margin:        instr.Order.Margin,
		Leverage:      instr.Order.Leverage,
		TakeProfit:    instr.Order.TakeProfit,
		StopLoss:      instr.Order.StopLoss,
		Settlement:    instr.Order.Settlement,
		ClientOrderID: uuid.NewString(),
	}
}
