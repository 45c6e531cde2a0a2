package risk

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"autotrader/internal/config"
	"autotrader/internal/order"
	"autotrader/internal/store"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		FailureThreshold:   3,
		PauseCooldown:      5 * time.Minute,
		DefaultAdverseMove: 0.01,
		FlatRiskNotional:   100,
	}
}

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()

	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true})
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	manager, err := NewManager(testRiskConfig(), st, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return manager, st
}

func seedUser(t *testing.T, st *store.Store, mutate func(*store.Settings)) {
	t.Helper()

	settings := store.Settings{
		UserID:          "user-1",
		Status:          store.StatusActive,
		Balance:         10000,
		MaxPosition:     1,
		PerTradeRiskPct: 1,
		MaxDailyLossPct: 5,
		MaxDrawdownPct:  10,
		MinAccuracy:     0.7,
		AutoTrade:       true,
		Strategy:        "signal_follow",
	}
	if mutate != nil {
		mutate(&settings)
	}
	if err := st.SaveSettings(context.Background(), settings); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
}

func standardRequest() CheckRequest {
	return CheckRequest{
		UserID:      "user-1",
		Symbol:      "BTC/USDT",
		TradeSize:   0.01,
		MidPrice:    50000,
		AdverseMove: 0.01,
	}
}

func TestCanTradeAllowsWithinLimits(t *testing.T) {
	manager, st := newTestManager(t)
	seedUser(t, st, nil)

	// 预估风险 0.01 * 50000 * 0.01 = 5，低于单笔上限 10000 * 1% = 100。
	result, err := manager.CanTrade(context.Background(), standardRequest())
	if err != nil {
		t.Fatalf("CanTrade: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("限额内应放行, reason=%q", result.Reason)
	}
}

func TestCanTradeDeniesExcessivePerTradeRisk(t *testing.T) {
	manager, st := newTestManager(t)
	seedUser(t, st, nil)

	req := standardRequest()
	req.TradeSize = 0.5 // 风险 250，超过上限 100

	result, err := manager.CanTrade(context.Background(), req)
	if err != nil {
		t.Fatalf("CanTrade: %v", err)
	}
	if result.Allowed {
		t.Fatal("超出单笔风险上限应拒绝")
	}
	if !strings.Contains(result.Reason, "per-trade limit") {
		t.Fatalf("拒绝原因应说明单笔限额, got %q", result.Reason)
	}
}

func TestCanTradeUsesFlatRiskWithoutPrice(t *testing.T) {
	manager, st := newTestManager(t)
	seedUser(t, st, nil)

	req := CheckRequest{UserID: "user-1", Symbol: "BTC/USDT", TradeSize: 0.5}

	// 无价格时风险按固定名义估算：0.5 * 100 = 50 ≤ 100。
	result, err := manager.CanTrade(context.Background(), req)
	if err != nil {
		t.Fatalf("CanTrade: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("固定名义估算应放行, reason=%q", result.Reason)
	}

	req.TradeSize = 2 // 200 > 100
	result, err = manager.CanTrade(context.Background(), req)
	if err != nil {
		t.Fatalf("CanTrade: %v", err)
	}
	if result.Allowed {
		t.Fatal("固定名义估算超限应拒绝")
	}
}

func TestCanTradeDeniesOnDailyLossLimit(t *testing.T) {
	manager, st := newTestManager(t)
	seedUser(t, st, nil)
	ctx := context.Background()

	// 当日亏损 600，超过余额 5% 的限额。
	if err := manager.RecordTradeResult(ctx, "user-1", -600, true); err != nil {
		t.Fatalf("RecordTradeResult: %v", err)
	}

	result, err := manager.CanTrade(ctx, standardRequest())
	if err != nil {
		t.Fatalf("CanTrade: %v", err)
	}
	if result.Allowed {
		t.Fatal("超出当日亏损限额应拒绝")
	}
	if !strings.Contains(result.Reason, "Daily loss limit exceeded") {
		t.Fatalf("拒绝原因应说明当日亏损限额, got %q", result.Reason)
	}

	// 风控暂停必须持久化，重启后依然生效。
	settings, err := st.GetSettings(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if settings.Status != store.StatusPausedRisk {
		t.Fatalf("状态应为 %s, got %s", store.StatusPausedRisk, settings.Status)
	}
}

func TestDailyLossResetsNextDay(t *testing.T) {
	manager, st := newTestManager(t)
	seedUser(t, st, nil)
	ctx := context.Background()

	current := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	manager.now = func() time.Time { return current }

	if err := manager.RecordTradeResult(ctx, "user-1", -600, true); err != nil {
		t.Fatalf("RecordTradeResult: %v", err)
	}
	if snapshot := manager.GetState("user-1"); snapshot.DailyLoss != -600 {
		t.Fatalf("当日亏损应为 -600, got %v", snapshot.DailyLoss)
	}

	// 跨自然日后日度状态结转，亏损额度重新开始计算。
	current = current.Add(24 * time.Hour)

	result, err := manager.CanTrade(ctx, standardRequest())
	if err != nil {
		t.Fatalf("CanTrade: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("新交易日应重新放行, reason=%q", result.Reason)
	}
	if snapshot := manager.GetState("user-1"); snapshot.DailyLoss != 0 {
		t.Fatalf("新交易日亏损应清零, got %v", snapshot.DailyLoss)
	}
}

func TestCanTradeDeniesOnDrawdown(t *testing.T) {
	manager, st := newTestManager(t)
	seedUser(t, st, func(s *store.Settings) {
		s.MaxDailyLossPct = 50 // 避免当日亏损检查先触发
		s.MaxDrawdownPct = 5
	})
	ctx := context.Background()

	// 余额从峰值 10000 回撤 600，超过 5% 的 500。
	if err := manager.RecordTradeResult(ctx, "user-1", -600, true); err != nil {
		t.Fatalf("RecordTradeResult: %v", err)
	}

	result, err := manager.CanTrade(ctx, standardRequest())
	if err != nil {
		t.Fatalf("CanTrade: %v", err)
	}
	if result.Allowed {
		t.Fatal("超出最大回撤应拒绝")
	}
	if !strings.Contains(result.Reason, "Max drawdown exceeded") {
		t.Fatalf("拒绝原因应说明最大回撤, got %q", result.Reason)
	}
}

func TestConsecutiveFailuresPauseAndReset(t *testing.T) {
	manager, st := newTestManager(t)
	seedUser(t, st, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := manager.RecordTradeResult(ctx, "user-1", 0, false); err != nil {
			t.Fatalf("RecordTradeResult: %v", err)
		}
	}

	result, err := manager.CanTrade(ctx, standardRequest())
	if err != nil {
		t.Fatalf("CanTrade: %v", err)
	}
	if result.Allowed {
		t.Fatal("连续失败达到阈值应拒绝")
	}
	if !strings.Contains(result.Reason, "consecutive failures (3)") {
		t.Fatalf("拒绝原因应包含失败次数, got %q", result.Reason)
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	manager, st := newTestManager(t)
	seedUser(t, st, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := manager.RecordTradeResult(ctx, "user-1", 0, false); err != nil {
			t.Fatalf("RecordTradeResult: %v", err)
		}
	}
	if err := manager.RecordTradeResult(ctx, "user-1", 10, true); err != nil {
		t.Fatalf("RecordTradeResult: %v", err)
	}

	if snapshot := manager.GetState("user-1"); snapshot.ConsecutiveFailures != 0 {
		t.Fatalf("成功应清零连续失败计数, got %d", snapshot.ConsecutiveFailures)
	}

	result, err := manager.CanTrade(ctx, standardRequest())
	if err != nil {
		t.Fatalf("CanTrade: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("失败计数清零后应放行, reason=%q", result.Reason)
	}
}

type stubPositions struct {
	net float64
}

func (s *stubPositions) OpenPositions(_ context.Context, _, symbol string) ([]order.Position, error) {
	return []order.Position{{Symbol: symbol, Side: order.SideBuy, Quantity: s.net}}, nil
}

func TestCanTradeDeniesOnPositionLimit(t *testing.T) {
	manager, st := newTestManager(t)
	seedUser(t, st, nil)
	manager.SetPositionReader(&stubPositions{net: 0.995})

	result, err := manager.CanTrade(context.Background(), standardRequest())
	if err != nil {
		t.Fatalf("CanTrade: %v", err)
	}
	if result.Allowed {
		t.Fatal("持仓触顶应拒绝")
	}
	if !strings.Contains(result.Reason, "Position limit exceeded") {
		t.Fatalf("拒绝原因应说明仓位限额, got %q", result.Reason)
	}
}

func TestCanTradeErrorsWithoutSettings(t *testing.T) {
	manager, _ := newTestManager(t)

	req := standardRequest()
	req.UserID = "ghost"

	if _, err := manager.CanTrade(context.Background(), req); err == nil {
		t.Fatal("缺少用户设置应返回 error，调用方按拒绝处理")
	}
}

func TestPauseAndResumeEngine(t *testing.T) {
	manager, st := newTestManager(t)
	seedUser(t, st, nil)
	ctx := context.Background()

	if err := manager.PauseEngine(ctx, "user-1", "manual maintenance"); err != nil {
		t.Fatalf("PauseEngine: %v", err)
	}

	result, err := manager.CanTrade(ctx, standardRequest())
	if err != nil {
		t.Fatalf("CanTrade: %v", err)
	}
	if result.Allowed {
		t.Fatal("手动暂停后应拒绝")
	}

	settings, err := st.GetSettings(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if settings.Status != store.StatusPausedUser {
		t.Fatalf("状态应为 %s, got %s", store.StatusPausedUser, settings.Status)
	}

	if err := manager.ResumeEngine(ctx, "user-1"); err != nil {
		t.Fatalf("ResumeEngine: %v", err)
	}
	result, err = manager.CanTrade(ctx, standardRequest())
	if err != nil {
		t.Fatalf("CanTrade: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("恢复后应放行, reason=%q", result.Reason)
	}
}

type stubStopper struct {
	mu      sync.Mutex
	stopped []string
	done    chan struct{}
}

func (s *stubStopper) StopEngines(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, userID)
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return nil
}

func TestRiskPauseStopsEngines(t *testing.T) {
	manager, st := newTestManager(t)
	seedUser(t, st, nil)
	ctx := context.Background()

	stopper := &stubStopper{done: make(chan struct{})}
	manager.SetEngineStopper(stopper)

	if err := manager.RecordTradeResult(ctx, "user-1", -600, true); err != nil {
		t.Fatalf("RecordTradeResult: %v", err)
	}
	if _, err := manager.CanTrade(ctx, standardRequest()); err != nil {
		t.Fatalf("CanTrade: %v", err)
	}

	// 引擎停止是异步的，等待回调完成。
	select {
	case <-stopper.done:
	case <-time.After(2 * time.Second):
		t.Fatal("风控暂停应触发引擎停止")
	}

	stopper.mu.Lock()
	defer stopper.mu.Unlock()
	if len(stopper.stopped) == 0 || stopper.stopped[0] != "user-1" {
		t.Fatalf("应停止 user-1 的引擎, got %v", stopper.stopped)
	}
}

func TestRecordTradeResultUpdatesBalance(t *testing.T) {
	manager, st := newTestManager(t)
	seedUser(t, st, nil)
	ctx := context.Background()

	if err := manager.RecordTradeResult(ctx, "user-1", 250, true); err != nil {
		t.Fatalf("RecordTradeResult: %v", err)
	}

	settings, err := st.GetSettings(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if settings.Balance != 10250 {
		t.Fatalf("余额应更新为 10250, got %v", settings.Balance)
	}

	if snapshot := manager.GetState("user-1"); snapshot.PeakBalance != 10250 {
		t.Fatalf("峰值余额应更新, got %v", snapshot.PeakBalance)
	}
}
