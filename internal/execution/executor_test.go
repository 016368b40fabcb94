package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"trade-trigger/internal/exchange"
	"trade-trigger/internal/trade"
	"trade-trigger/internal/trigger"
)

func makeInstruction(kind trigger.OrderKind) *trigger.Instruction {
	return &trigger.Instruction{
		ID:     "instr-1",
		UserID: 7,
		Condition: trigger.Condition{
			Kind: trigger.KindPriceRange,
			Low:  40000,
			High: 42000,
		},
		Order: trigger.OrderTemplate{
			Symbol:     "BTC/USD:BTC",
			TradeType:  trigger.TradeTypeFutures,
			Side:       trigger.SideBuy,
			OrderKind:  kind,
			Margin:     100,
			Leverage:   5,
			Quantity:   0.1,
			TakeProfit: 45000,
			StopLoss:   38000,
			LimitPrice: 40500,
		},
		Status:    trigger.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

func TestExecute_MarketOrderCreatesRunningTrade(t *testing.T) {
	client := &mockOrderClient{ack: exchange.OrderAck{ExternalID: "EX-100", AvgPrice: 41023.5}}
	trades := &mockTradeCreator{}
	exec := NewExecutor(client, trades, nil)

	instr := makeInstruction(trigger.OrderKindMarket)
	result, err := exec.Execute(context.Background(), instr, 41000)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	if result.Status != trade.StatusRunning {
		t.Errorf("expected status running, got %s", result.Status)
	}
	if result.ExternalID != "EX-100" {
		t.Errorf("expected external id EX-100, got %s", result.ExternalID)
	}
	if result.EntryPrice != 41023.5 {
		t.Errorf("expected entry price from ack, got %v", result.EntryPrice)
	}
	if result.InstructionID != instr.ID {
		t.Errorf("expected instruction link, got %q", result.InstructionID)
	}
	if len(trades.created) != 1 {
		t.Fatalf("expected one trade persisted, got %d", len(trades.created))
	}
	if client.lastUserID != instr.UserID {
		t.Errorf("order submitted for wrong user: %d", client.lastUserID)
	}
	if client.lastReq.ClientOrderID == "" {
		t.Errorf("expected client order id to be set")
	}
}

func TestExecute_LimitOrderCreatesOpenTrade(t *testing.T) {
	// 交易所未返回成交均价时，限价单以限价作为入场价。
	client := &mockOrderClient{ack: exchange.OrderAck{ExternalID: "EX-101"}}
	trades := &mockTradeCreator{}
	exec := NewExecutor(client, trades, nil)

	result, err := exec.Execute(context.Background(), makeInstruction(trigger.OrderKindLimit), 41000)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	if result.Status != trade.StatusOpen {
		t.Errorf("expected status open, got %s", result.Status)
	}
	if result.EntryPrice != 40500 {
		t.Errorf("expected entry price from limit price, got %v", result.EntryPrice)
	}
}

func TestExecute_MarketOrderFallsBackToMarkPrice(t *testing.T) {
	client := &mockOrderClient{ack: exchange.OrderAck{ExternalID: "EX-102"}}
	trades := &mockTradeCreator{}
	exec := NewExecutor(client, trades, nil)

	result, err := exec.Execute(context.Background(), makeInstruction(trigger.OrderKindMarket), 41000)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.EntryPrice != 41000 {
		t.Errorf("expected entry price from mark price, got %v", result.EntryPrice)
	}
}

func TestExecute_SubmitFailureReturnsExecError(t *testing.T) {
	client := &mockOrderClient{err: errors.New("insufficient margin")}
	trades := &mockTradeCreator{}
	exec := NewExecutor(client, trades, nil)

	_, err := exec.Execute(context.Background(), makeInstruction(trigger.OrderKindMarket), 41000)
	if err == nil {
		t.Fatalf("expected error")
	}

	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecError, got %T", err)
	}
	if len(trades.created) != 0 {
		t.Fatalf("no trade should be persisted on submit failure, got %d", len(trades.created))
	}
}

func TestExecute_StoreFailureReturnsExecError(t *testing.T) {
	client := &mockOrderClient{ack: exchange.OrderAck{ExternalID: "EX-103"}}
	trades := &mockTradeCreator{err: errors.New("database is locked")}
	exec := NewExecutor(client, trades, nil)

	_, err := exec.Execute(context.Background(), makeInstruction(trigger.OrderKindMarket), 41000)
	if err == nil {
		t.Fatalf("expected error when trade persistence fails")
	}
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecError, got %T", err)
	}
}

type mockOrderClient struct {
	ack        exchange.OrderAck
	err        error
	lastUserID int64
	lastReq    exchange.OrderRequest
}

func (m *mockOrderClient) SubmitOrder(ctx context.Context, userID int64, req exchange.OrderRequest) (exchange.OrderAck, error) {
	m.lastUserID = userID
	m.lastReq = req
	if m.err != nil {
		return exchange.OrderAck{}, m.err
	}
	return m.ack, nil
}

type mockTradeCreator struct {
	created []trade.Trade
	err     error
}

func (m *mockTradeCreator) Create(ctx context.Context, t *trade.Trade) error {
	if m.err != nil {
		return m.err
	}
	m.created = append(m.created, *t)
	return nil
}
