package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"trade-trigger/internal/trade"
)

func newTestTradeStore(t *testing.T) *TradeStore {
	t.Helper()
	s, err := NewTradeStore(newTestStore(t), nil)
	if err != nil {
		t.Fatalf("NewTradeStore returned error: %v", err)
	}
	return s
}

func sampleTrade(id string, userID int64, externalID string, status trade.Status) *trade.Trade {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &trade.Trade{
		ID:         id,
		UserID:     userID,
		ExternalID: externalID,
		Symbol:     "BTC/USD:BTC",
		TradeType:  "futures",
		Side:       "buy",
		OrderKind:  "market",
		Status:     status,
		EntryPrice: 41000,
		Margin:     100,
		Leverage:   5,
		Quantity:   0.1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestTradeStore_GetByExternalID(t *testing.T) {
	s := newTestTradeStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, sampleTrade("t-1", 7, "EX-1", trade.StatusRunning)); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	got, err := s.GetByExternalID(ctx, 7, "EX-1")
	if err != nil {
		t.Fatalf("GetByExternalID returned error: %v", err)
	}
	if got.ID != "t-1" || got.Status != trade.StatusRunning {
		t.Errorf("roundtrip mismatch: %+v", got)
	}

	if _, err := s.GetByExternalID(ctx, 8, "EX-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for other user, got %v", err)
	}
}

func TestTradeStore_DuplicateExternalIDRejected(t *testing.T) {
	s := newTestTradeStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, sampleTrade("t-1", 7, "EX-1", trade.StatusRunning)); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := s.Create(ctx, sampleTrade("t-2", 7, "EX-1", trade.StatusRunning)); err == nil {
		t.Fatalf("duplicate external id must be rejected")
	}

	// 不同用户可以出现相同的交易所订单ID。
	if err := s.Create(ctx, sampleTrade("t-3", 8, "EX-1", trade.StatusRunning)); err != nil {
		t.Fatalf("same external id under another user should be allowed: %v", err)
	}
}

func TestTradeStore_ListByUserScopes(t *testing.T) {
	s := newTestTradeStore(t)
	ctx := context.Background()

	seed := []*trade.Trade{
		sampleTrade("t-1", 7, "EX-1", trade.StatusOpen),
		sampleTrade("t-2", 7, "EX-2", trade.StatusRunning),
		sampleTrade("t-3", 7, "EX-3", trade.StatusClosed),
		sampleTrade("t-4", 8, "EX-4", trade.StatusOpen),
	}
	for _, tr := range seed {
		if err := s.Create(ctx, tr); err != nil {
			t.Fatalf("Create returned error: %v", err)
		}
	}

	cases := []struct {
		scope trade.Scope
		want  int
	}{
		{trade.ScopeOpen, 1},
		{trade.ScopeRunning, 1},
		{trade.ScopeClosed, 1},
		{trade.ScopeAll, 3},
	}
	for _, tc := range cases {
		got, err := s.ListByUser(ctx, 7, tc.scope)
		if err != nil {
			t.Fatalf("ListByUser(%s) returned error: %v", tc.scope, err)
		}
		if len(got) != tc.want {
			t.Errorf("ListByUser(%s)=%d want %d", tc.scope, len(got), tc.want)
		}
	}

	users, err := s.ListUsersWithActive(ctx)
	if err != nil {
		t.Fatalf("ListUsersWithActive returned error: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 users with active trades, got %v", users)
	}
}

func TestTradeStore_SweepCloseAndCancel(t *testing.T) {
	s := newTestTradeStore(t)
	ctx := context.Background()

	seed := []*trade.Trade{
		sampleTrade("t-1", 7, "EX-1", trade.StatusOpen),
		sampleTrade("t-2", 7, "EX-2", trade.StatusOpen),
		sampleTrade("t-3", 7, "EX-3", trade.StatusRunning),
		sampleTrade("t-4", 7, "EX-4", trade.StatusClosed),
	}
	for _, tr := range seed {
		if err := s.Create(ctx, tr); err != nil {
			t.Fatalf("Create returned error: %v", err)
		}
	}

	now := time.Now().UTC()

	// 撤单只影响 open，持仓保持 running。
	cancelled, err := s.SweepCancel(ctx, 7, now)
	if err != nil {
		t.Fatalf("SweepCancel returned error: %v", err)
	}
	if cancelled != 2 {
		t.Fatalf("expected 2 cancelled, got %d", cancelled)
	}
	running, err := s.GetByExternalID(ctx, 7, "EX-3")
	if err != nil {
		t.Fatalf("GetByExternalID returned error: %v", err)
	}
	if running.Status != trade.StatusRunning {
		t.Fatalf("running trade must survive cancel-all, got %s", running.Status)
	}

	// 平仓覆盖剩余的 running。
	closed, err := s.SweepClose(ctx, 7, now)
	if err != nil {
		t.Fatalf("SweepClose returned error: %v", err)
	}
	if closed != 1 {
		t.Fatalf("expected 1 closed, got %d", closed)
	}

	// 再次执行为幂等空操作。
	closed, err = s.SweepClose(ctx, 7, now)
	if err != nil {
		t.Fatalf("second SweepClose returned error: %v", err)
	}
	if closed != 0 {
		t.Fatalf("second sweep must be a no-op, got %d", closed)
	}
}

func TestTradeStore_UpdateBackfillsFinancials(t *testing.T) {
	s := newTestTradeStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, sampleTrade("t-1", 7, "EX-1", trade.StatusRunning)); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	got, err := s.GetByExternalID(ctx, 7, "EX-1")
	if err != nil {
		t.Fatalf("GetByExternalID returned error: %v", err)
	}
	got.Status = trade.StatusClosed
	got.ExitPrice = 42000
	got.PnL = 100
	got.Fee = 1.5
	got.UpdatedAt = time.Now().UTC()

	if err := s.Update(ctx, got); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}

	again, err := s.GetByExternalID(ctx, 7, "EX-1")
	if err != nil {
		t.Fatalf("GetByExternalID returned error: %v", err)
	}
	if again.Status != trade.StatusClosed || again.ExitPrice != 42000 || again.PnL != 100 || again.Fee != 1.5 {
		t.Fatalf("financial backfill lost: %+v", again)
	}
}
