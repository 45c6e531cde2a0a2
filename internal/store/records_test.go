package store

import (
	"context"
	"testing"

	"autotrader/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	st, err := NewSQLite(config.DatabaseConfig{InMemory: true})
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSettingsRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	got, err := st.GetSettings(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if got != nil {
		t.Fatal("未知用户的设置应为 nil")
	}

	settings := Settings{
		UserID:          "user-1",
		Status:          StatusActive,
		Balance:         10000,
		MaxPosition:     1,
		PerTradeRiskPct: 1,
		MaxDailyLossPct: 5,
		MaxDrawdownPct:  10,
		MinAccuracy:     0.7,
		AutoTrade:       true,
		Strategy:        "signal_follow",
	}
	if err := st.SaveSettings(ctx, settings); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}

	got, err = st.GetSettings(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if got == nil {
		t.Fatal("保存后应能读回设置")
	}
	if got.Balance != 10000 || got.Strategy != "signal_follow" || !got.AutoTrade {
		t.Fatalf("读回的设置不一致: %+v", got)
	}

	// upsert 覆盖
	settings.Balance = 9000
	settings.AutoTrade = false
	if err := st.SaveSettings(ctx, settings); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
	got, err = st.GetSettings(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if got.Balance != 9000 || got.AutoTrade {
		t.Fatalf("覆盖保存未生效: %+v", got)
	}
}

func TestUpdateStatus(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.UpdateStatus(ctx, "ghost", StatusPausedRisk, "x"); err == nil {
		t.Fatal("更新不存在的用户应报错")
	}

	if err := st.SaveSettings(ctx, Settings{UserID: "user-1", Status: StatusActive, Balance: 100}); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
	if err := st.UpdateStatus(ctx, "user-1", StatusPausedRisk, "Daily loss limit exceeded"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	got, err := st.GetSettings(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if got.Status != StatusPausedRisk {
		t.Fatalf("状态应为 %s, got %s", StatusPausedRisk, got.Status)
	}
	if got.StatusReason != "Daily loss limit exceeded" {
		t.Fatalf("状态原因未保存, got %q", got.StatusReason)
	}
}

func TestExecutionLogList(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	entries := []ExecutionLog{
		{UserID: "user-1", Symbol: "BTC/USDT", Action: "SKIPPED", Reason: "Auto-trade disabled", Accuracy: 0.9},
		{UserID: "user-1", Symbol: "BTC/USDT", Action: "BUY", Reason: "", Accuracy: 0.92, LatencyMs: 12.5, Slippage: 0.0004, Strategy: "signal_follow"},
		{UserID: "user-2", Symbol: "ETH/USDT", Action: "SELL", Accuracy: 0.8},
	}
	for _, entry := range entries {
		if err := st.SaveExecutionLog(ctx, entry); err != nil {
			t.Fatalf("SaveExecutionLog: %v", err)
		}
	}

	logs, err := st.ListExecutionLogs(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("ListExecutionLogs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("user-1 应有 2 条日志, got %d", len(logs))
	}
	for _, entry := range logs {
		if entry.UserID != "user-1" {
			t.Fatalf("日志串号: %+v", entry)
		}
	}
}

func TestTradeCounters(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := st.IncrementUserTrades(ctx, "user-1"); err != nil {
			t.Fatalf("IncrementUserTrades: %v", err)
		}
		if err := st.IncrementGlobalTrades(ctx); err != nil {
			t.Fatalf("IncrementGlobalTrades: %v", err)
		}
	}
	if err := st.IncrementUserTrades(ctx, "user-2"); err != nil {
		t.Fatalf("IncrementUserTrades: %v", err)
	}
	if err := st.IncrementGlobalTrades(ctx); err != nil {
		t.Fatalf("IncrementGlobalTrades: %v", err)
	}

	userStats, err := st.GetUserStats(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetUserStats: %v", err)
	}
	if userStats.TotalTrades != 3 {
		t.Fatalf("user-1 计数应为 3, got %d", userStats.TotalTrades)
	}

	globalStats, err := st.GetGlobalStats(ctx)
	if err != nil {
		t.Fatalf("GetGlobalStats: %v", err)
	}
	if globalStats.TotalTrades != 4 {
		t.Fatalf("全局计数应为 4, got %d", globalStats.TotalTrades)
	}
}

func TestSaveTradeAssignsID(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.SaveTrade(ctx, TradeRecord{
		UserID:   "user-1",
		Symbol:   "BTC/USDT",
		Side:     "buy",
		Quantity: 0.01,
		Price:    50000,
		AvgPrice: 50002,
		Strategy: "signal_follow",
	})
	if err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}
	if id <= 0 {
		t.Fatalf("成交记录应分配正的主键, got %d", id)
	}
}
