package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"trade-trigger/internal/exchange"
	"trade-trigger/internal/store"
	"trade-trigger/internal/trade"
)

func TestMapStatus_Precedence(t *testing.T) {
	cases := []struct {
		name  string
		flags exchange.StatusFlags
		want  trade.Status
	}{
		{"closed wins over everything", exchange.StatusFlags{Closed: true, Running: true, Open: true, Canceled: true}, trade.StatusClosed},
		{"running wins over open and canceled", exchange.StatusFlags{Running: true, Open: true, Canceled: true}, trade.StatusRunning},
		{"open wins over canceled", exchange.StatusFlags{Open: true, Canceled: true}, trade.StatusOpen},
		{"canceled alone", exchange.StatusFlags{Canceled: true}, trade.StatusCancelled},
		{"no flags defaults to open", exchange.StatusFlags{}, trade.StatusOpen},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := mapStatus(tc.flags); got != tc.want {
				t.Fatalf("mapStatus(%+v)=%s want %s", tc.flags, got, tc.want)
			}
		})
	}
}

func TestReconcile_CreatesUnknownTrades(t *testing.T) {
	client := &mockExchangeClient{records: []exchange.TradeRecord{
		{ExternalID: "EX-1", Symbol: "BTC/USD:BTC", Side: "buy", Kind: "market",
			Quantity: 0.1, EntryPrice: 41000, Flags: exchange.StatusFlags{Running: true}},
	}}
	trades := newMockTradeStore()
	r := NewReconciler(client, trades, nil)

	result, err := r.Reconcile(context.Background(), 7, trade.ScopeAll)
	if err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if result.Created != 1 || result.Updated != 0 {
		t.Fatalf("unexpected result %+v", result)
	}

	created := trades.byExternal["EX-1"]
	if created == nil {
		t.Fatalf("expected trade to be created")
	}
	if created.Status != trade.StatusRunning {
		t.Errorf("expected status running, got %s", created.Status)
	}
	if created.UserID != 7 {
		t.Errorf("expected user 7, got %d", created.UserID)
	}
}

func TestReconcile_IsIdempotent(t *testing.T) {
	client := &mockExchangeClient{records: []exchange.TradeRecord{
		{ExternalID: "EX-1", Symbol: "BTC/USD:BTC", Quantity: 0.1,
			EntryPrice: 41000, ExitPrice: 42000, PnL: 100, Fee: 1.5,
			Flags: exchange.StatusFlags{Closed: true}},
	}}
	trades := newMockTradeStore(&trade.Trade{
		ID: "t-1", UserID: 7, ExternalID: "EX-1", Symbol: "BTC/USD:BTC",
		Status: trade.StatusRunning, EntryPrice: 41000, Quantity: 0.1,
	})
	r := NewReconciler(client, trades, nil)

	first, err := r.Reconcile(context.Background(), 7, trade.ScopeAll)
	if err != nil {
		t.Fatalf("first Reconcile returned error: %v", err)
	}
	if first.Updated != 1 {
		t.Fatalf("expected one update on first pass, got %+v", first)
	}

	local := trades.byExternal["EX-1"]
	if local.Status != trade.StatusClosed {
		t.Errorf("expected status closed, got %s", local.Status)
	}
	if local.ExitPrice != 42000 || local.PnL != 100 || local.Fee != 1.5 {
		t.Errorf("financial fields not backfilled: %+v", local)
	}

	second, err := r.Reconcile(context.Background(), 7, trade.ScopeAll)
	if err != nil {
		t.Fatalf("second Reconcile returned error: %v", err)
	}
	if second.Created != 0 || second.Updated != 0 {
		t.Fatalf("second pass must be a no-op, got %+v", second)
	}
}

func TestReconcile_TerminalStatusIsImmutable(t *testing.T) {
	// 终态交易不允许被交易所侧重新拉回存续状态。
	client := &mockExchangeClient{records: []exchange.TradeRecord{
		{ExternalID: "EX-1", Flags: exchange.StatusFlags{Running: true}},
	}}
	trades := newMockTradeStore(&trade.Trade{
		ID: "t-1", UserID: 7, ExternalID: "EX-1", Status: trade.StatusClosed,
	})
	r := NewReconciler(client, trades, nil)

	if _, err := r.Reconcile(context.Background(), 7, trade.ScopeAll); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if got := trades.byExternal["EX-1"].Status; got != trade.StatusClosed {
		t.Fatalf("terminal status was overwritten to %s", got)
	}
}

func TestReconcile_PerRecordErrorsDoNotAbortBatch(t *testing.T) {
	client := &mockExchangeClient{records: []exchange.TradeRecord{
		{ExternalID: "", Flags: exchange.StatusFlags{Open: true}},
		{ExternalID: "EX-2", Flags: exchange.StatusFlags{Open: true}},
	}}
	trades := newMockTradeStore()
	r := NewReconciler(client, trades, nil)

	result, err := r.Reconcile(context.Background(), 7, trade.ScopeAll)
	if err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected one record error, got %v", result.Errors)
	}
	if result.Created != 1 {
		t.Fatalf("valid record should still be merged, got %+v", result)
	}
}

func TestCloseAll_SweepsActiveTrades(t *testing.T) {
	client := &mockExchangeClient{}
	trades := newMockTradeStore(
		&trade.Trade{ID: "t-1", UserID: 7, ExternalID: "EX-1", Status: trade.StatusOpen},
		&trade.Trade{ID: "t-2", UserID: 7, ExternalID: "EX-2", Status: trade.StatusRunning},
		&trade.Trade{ID: "t-3", UserID: 7, ExternalID: "EX-3", Status: trade.StatusClosed},
	)
	r := NewReconciler(client, trades, nil)

	affected, err := r.CloseAll(context.Background(), 7)
	if err != nil {
		t.Fatalf("CloseAll returned error: %v", err)
	}
	if affected != 2 {
		t.Fatalf("expected 2 trades closed, got %d", affected)
	}
	if !client.closeAllCalled {
		t.Fatalf("exchange CloseAll was not invoked")
	}
	for _, id := range []string{"EX-1", "EX-2"} {
		if got := trades.byExternal[id].Status; got != trade.StatusClosed {
			t.Errorf("trade %s status=%s want closed", id, got)
		}
	}
}

func TestCancelAll_OnlyAffectsOpenTrades(t *testing.T) {
	client := &mockExchangeClient{}
	trades := newMockTradeStore(
		&trade.Trade{ID: "t-1", UserID: 7, ExternalID: "EX-1", Status: trade.StatusOpen},
		&trade.Trade{ID: "t-2", UserID: 7, ExternalID: "EX-2", Status: trade.StatusOpen},
		&trade.Trade{ID: "t-3", UserID: 7, ExternalID: "EX-3", Status: trade.StatusRunning},
		&trade.Trade{ID: "t-4", UserID: 7, ExternalID: "EX-4", Status: trade.StatusClosed},
	)
	r := NewReconciler(client, trades, nil)

	affected, err := r.CancelAll(context.Background(), 7)
	if err != nil {
		t.Fatalf("CancelAll returned error: %v", err)
	}
	if affected != 2 {
		t.Fatalf("expected 2 trades cancelled, got %d", affected)
	}
	if got := trades.byExternal["EX-3"].Status; got != trade.StatusRunning {
		t.Errorf("running position must not be cancelled, got %s", got)
	}
	if got := trades.byExternal["EX-4"].Status; got != trade.StatusClosed {
		t.Errorf("closed trade must stay closed, got %s", got)
	}
}

func TestCloseAll_ExchangeFailureSkipsLocalSweep(t *testing.T) {
	client := &mockExchangeClient{closeAllErr: errors.New("exchange unavailable")}
	trades := newMockTradeStore(
		&trade.Trade{ID: "t-1", UserID: 7, ExternalID: "EX-1", Status: trade.StatusOpen},
	)
	r := NewReconciler(client, trades, nil)

	if _, err := r.CloseAll(context.Background(), 7); err == nil {
		t.Fatalf("expected error from exchange failure")
	}
	if got := trades.byExternal["EX-1"].Status; got != trade.StatusOpen {
		t.Fatalf("local trade must stay open when exchange call fails, got %s", got)
	}
}

type mockExchangeClient struct {
	records        []exchange.TradeRecord
	fetchErr       error
	closeAllErr    error
	cancelAllErr   error
	closeAllCalled bool
}

func (m *mockExchangeClient) FetchTrades(ctx context.Context, userID int64, scope trade.Scope) ([]exchange.TradeRecord, error) {
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return m.records, nil
}

func (m *mockExchangeClient) CloseAll(ctx context.Context, userID int64) error {
	m.closeAllCalled = true
	return m.closeAllErr
}

func (m *mockExchangeClient) CancelAll(ctx context.Context, userID int64) error {
	return m.cancelAllErr
}

type mockTradeStore struct {
	byExternal map[string]*trade.Trade
}

func newMockTradeStore(trades ...*trade.Trade) *mockTradeStore {
	s := &mockTradeStore{byExternal: make(map[string]*trade.Trade)}
	for _, t := range trades {
		s.byExternal[t.ExternalID] = t
	}
	return s
}

func (m *mockTradeStore) Create(ctx context.Context, t *trade.Trade) error {
	copied := *t
	m.byExternal[t.ExternalID] = &copied
	return nil
}

func (m *mockTradeStore) GetByExternalID(ctx context.Context, userID int64, externalID string) (*trade.Trade, error) {
	t, ok := m.byExternal[externalID]
	if !ok || t.UserID != userID {
		return nil, store.ErrNotFound
	}
	copied := *t
	return &copied, nil
}

func (m *mockTradeStore) Update(ctx context.Context, t *trade.Trade) error {
	m.byExternal[t.ExternalID] = t
	return nil
}

func (m *mockTradeStore) SweepClose(ctx context.Context, userID int64, ts time.Time) (int64, error) {
	var n int64
	for _, t := range m.byExternal {
		if t.UserID == userID && t.Status.IsActive() {
			t.Status = trade.StatusClosed
			t.UpdatedAt = ts
			n++
		}
	}
	return n, nil
}

func (m *mockTradeStore) SweepCancel(ctx context.Context, userID int64, ts time.Time) (int64, error) {
	var n int64
	for _, t := range m.byExternal {
		if t.UserID == userID && t.Status == trade.StatusOpen {
			t.Status = trade.StatusCancelled
			t.UpdatedAt = ts
			n++
		}
	}
	return n, nil
}

func (m *mockTradeStore) ListUsersWithActive(ctx context.Context) ([]int64, error) {
	seen := make(map[int64]bool)
	var users []int64
	for _, t := range m.byExternal {
		if t.Status.IsActive() && !seen[t.UserID] {
			seen[t.UserID] = true
			users = append(users, t.UserID)
		}
	}
	return users, nil
}
