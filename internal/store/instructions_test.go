package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"trade-trigger/internal/config"
	"trade-trigger/internal/trigger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	// 内存库只允许一个连接，多个连接会各自得到独立的库。
	s, err := NewSQLite(config.DatabaseConfig{
		InMemory:     true,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestInstructionStore(t *testing.T) *InstructionStore {
	t.Helper()
	s, err := NewInstructionStore(newTestStore(t), nil)
	if err != nil {
		t.Fatalf("NewInstructionStore returned error: %v", err)
	}
	return s
}

func sampleInstruction(id string, userID int64) *trigger.Instruction {
	return &trigger.Instruction{
		ID:     id,
		UserID: userID,
		Condition: trigger.Condition{
			Kind: trigger.KindPriceRange,
			Low:  40000,
			High: 42000,
		},
		Order: trigger.OrderTemplate{
			Symbol:    "BTC/USD:BTC",
			TradeType: trigger.TradeTypeFutures,
			Side:      trigger.SideBuy,
			OrderKind: trigger.OrderKindMarket,
			Margin:    100,
			Leverage:  5,
			Quantity:  0.1,
		},
		Status:    trigger.StatusPending,
		CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestInstructionStore_CreateAndGet(t *testing.T) {
	s := newTestInstructionStore(t)
	ctx := context.Background()

	instr := sampleInstruction("instr-1", 7)
	if err := s.Create(ctx, instr); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	got, err := s.Get(ctx, "instr-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.UserID != 7 || got.Condition.Kind != trigger.KindPriceRange {
		t.Errorf("roundtrip mismatch: %+v", got)
	}
	if got.Condition.Low != 40000 || got.Condition.High != 42000 {
		t.Errorf("range bounds mismatch: %+v", got.Condition)
	}
	if got.Status != trigger.StatusPending {
		t.Errorf("expected pending, got %s", got.Status)
	}
	if !got.CreatedAt.Equal(instr.CreatedAt) {
		t.Errorf("created_at mismatch: got %v want %v", got.CreatedAt, instr.CreatedAt)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInstructionStore_MarkTriggeredIsOneShot(t *testing.T) {
	s := newTestInstructionStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, sampleInstruction("instr-1", 7)); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	now := time.Now().UTC()
	moved, err := s.MarkTriggered(ctx, "instr-1", "trade-1", now)
	if err != nil {
		t.Fatalf("MarkTriggered returned error: %v", err)
	}
	if !moved {
		t.Fatalf("first MarkTriggered should succeed")
	}

	moved, err = s.MarkTriggered(ctx, "instr-1", "trade-2", now)
	if err != nil {
		t.Fatalf("second MarkTriggered returned error: %v", err)
	}
	if moved {
		t.Fatalf("second MarkTriggered must be a no-op")
	}

	got, err := s.Get(ctx, "instr-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.ExecutedTradeID != "trade-1" {
		t.Fatalf("expected trade-1 to stay linked, got %s", got.ExecutedTradeID)
	}

	// 已触发的指令也不能再迁移到 failed。
	moved, err = s.MarkFailed(ctx, "instr-1", "boom", now)
	if err != nil {
		t.Fatalf("MarkFailed returned error: %v", err)
	}
	if moved {
		t.Fatalf("MarkFailed must not apply to a triggered instruction")
	}
}

func TestInstructionStore_CancelPendingOnly(t *testing.T) {
	s := newTestInstructionStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, sampleInstruction("instr-1", 7)); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	// 其他用户不能取消这条指令。
	cancelled, err := s.CancelPending(ctx, "instr-1", 8)
	if err != nil {
		t.Fatalf("CancelPending returned error: %v", err)
	}
	if cancelled {
		t.Fatalf("instruction cancelled by wrong user")
	}

	if _, err := s.MarkTriggered(ctx, "instr-1", "trade-1", time.Now().UTC()); err != nil {
		t.Fatalf("MarkTriggered returned error: %v", err)
	}

	cancelled, err = s.CancelPending(ctx, "instr-1", 7)
	if err != nil {
		t.Fatalf("CancelPending returned error: %v", err)
	}
	if cancelled {
		t.Fatalf("triggered instruction must not be cancellable")
	}
}

func TestInstructionStore_CancelPendingKeepsRecord(t *testing.T) {
	s := newTestInstructionStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, sampleInstruction("instr-1", 7)); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	cancelled, err := s.CancelPending(ctx, "instr-1", 7)
	if err != nil {
		t.Fatalf("CancelPending returned error: %v", err)
	}
	if !cancelled {
		t.Fatalf("pending instruction should be cancellable by its owner")
	}

	got, err := s.Get(ctx, "instr-1")
	if err != nil {
		t.Fatalf("cancelled instruction must stay queryable: %v", err)
	}
	if got.Status != trigger.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
}

func TestInstructionStore_TouchCheckedIsMonotonic(t *testing.T) {
	s := newTestInstructionStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, sampleInstruction("instr-1", 7)); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	later := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Hour)

	if err := s.TouchChecked(ctx, "instr-1", later); err != nil {
		t.Fatalf("TouchChecked returned error: %v", err)
	}
	if err := s.TouchChecked(ctx, "instr-1", earlier); err != nil {
		t.Fatalf("TouchChecked returned error: %v", err)
	}

	got, err := s.Get(ctx, "instr-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if !got.LastCheckedAt.Equal(later) {
		t.Fatalf("last_checked_at moved backwards: got %v want %v", got.LastCheckedAt, later)
	}
}

func TestInstructionStore_ListPending(t *testing.T) {
	s := newTestInstructionStore(t)
	ctx := context.Background()

	for _, id := range []string{"instr-1", "instr-2", "instr-3"} {
		if err := s.Create(ctx, sampleInstruction(id, 7)); err != nil {
			t.Fatalf("Create returned error: %v", err)
		}
	}
	if _, err := s.MarkTriggered(ctx, "instr-2", "trade-1", time.Now().UTC()); err != nil {
		t.Fatalf("MarkTriggered returned error: %v", err)
	}

	pending, err := s.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending returned error: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending instructions, got %d", len(pending))
	}
	for _, instr := range pending {
		if instr.ID == "instr-2" {
			t.Fatalf("triggered instruction must not be listed as pending")
		}
	}
}
