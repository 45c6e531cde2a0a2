package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"autotrader/internal/broadcast"
	"autotrader/internal/config"
	"autotrader/internal/market"
	"autotrader/internal/order"
	"autotrader/internal/research"
	"autotrader/internal/risk"
	"autotrader/internal/store"
	"autotrader/internal/strategy"
)

type stubResearcher struct {
	result research.Result
}

func (s *stubResearcher) Research(_ context.Context, symbol string) (research.Result, error) {
	out := s.result
	out.Symbol = symbol
	out.GeneratedAt = time.Now()
	return out, nil
}

type stubGate struct {
	mu      sync.Mutex
	allowed bool
	reason  string
	results []bool
}

func (g *stubGate) CanTrade(_ context.Context, _ risk.CheckRequest) (risk.CheckResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return risk.CheckResult{Allowed: g.allowed, Reason: g.reason}, nil
}

func (g *stubGate) RecordTradeResult(_ context.Context, _ string, _ float64, success bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.results = append(g.results, success)
	return nil
}

type stubSource struct{}

func (stubSource) FetchOrderBook(_ context.Context, symbol string, _ int) (market.OrderBook, error) {
	return market.OrderBook{
		Symbol:    symbol,
		Bids:      []market.Level{{Price: 49990, Amount: 1}},
		Asks:      []market.Level{{Price: 50010, Amount: 1}},
		Timestamp: time.Now(),
	}, nil
}

type recordingPlacer struct {
	mu     sync.Mutex
	placed []order.Request
}

func (p *recordingPlacer) PlaceOrder(_ context.Context, _ string, req order.Request) (order.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.placed = append(p.placed, req)
	return order.Order{ID: "ord-1", Symbol: req.Symbol, Side: req.Side, Quantity: req.Quantity, Price: req.Price, AvgPrice: req.Price}, nil
}

func (p *recordingPlacer) CancelOrder(context.Context, string) error { return nil }

func (p *recordingPlacer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.placed)
}

type recordingSink struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (s *recordingSink) Broadcast(event broadcast.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) byType(eventType broadcast.EventType) []broadcast.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []broadcast.Event
	for _, event := range s.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

type fixture struct {
	engine *Engine
	store  *store.Store
	placer *recordingPlacer
	gate   *stubGate
	sink   *recordingSink
}

func newFixture(t *testing.T, settings store.Settings, result research.Result) *fixture {
	t.Helper()

	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true})
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	settings.UserID = "user-1"
	if err := st.SaveSettings(context.Background(), settings); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}

	gate := &stubGate{allowed: true}
	placer := &recordingPlacer{}
	sink := &recordingSink{}
	engine, err := NewEngine(
		Config{
			UserID:             "user-1",
			Symbol:             "BTC/USDT",
			TradeSize:          0.01,
			AssumedAdverseMove: 0.01,
			Interval:           time.Hour, // 只跑启动时的首个周期
			ExitCheckInterval:  time.Hour,
		},
		&stubResearcher{result: result},
		st,
		gate,
		strategy.NewRegistry(nil),
		stubSource{},
		placer,
		sink,
		nil,
		nil,
	)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	return &fixture{engine: engine, store: st, placer: placer, gate: gate, sink: sink}
}

func activeSettings() store.Settings {
	return store.Settings{
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
}

func buySignal(accuracy float64) research.Result {
	return research.Result{
		Signal:            research.SignalBuy,
		Accuracy:          accuracy,
		RecommendedAction: "OPEN_LONG",
	}
}

func runOneCycle(t *testing.T, f *fixture) {
	t.Helper()
	if err := f.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	f.engine.Stop()
}

func lastLog(t *testing.T, f *fixture) store.ExecutionLog {
	t.Helper()
	logs, err := f.store.ListExecutionLogs(context.Background(), "user-1", 1)
	if err != nil {
		t.Fatalf("ListExecutionLogs: %v", err)
	}
	if len(logs) == 0 {
		t.Fatal("未产生执行日志")
	}
	return logs[0]
}

func TestCycleExecutesOnStrongSignal(t *testing.T) {
	f := newFixture(t, activeSettings(), buySignal(0.9))
	runOneCycle(t, f)

	if f.placer.count() != 1 {
		t.Fatalf("应当下单一次, got %d", f.placer.count())
	}

	entry := lastLog(t, f)
	if entry.Action != "BUY" {
		t.Fatalf("执行日志动作应为 BUY, got %s", entry.Action)
	}
	if entry.Accuracy != 0.9 {
		t.Fatalf("执行日志应记录准确率, got %v", entry.Accuracy)
	}
	if entry.Strategy != "signal_follow" {
		t.Fatalf("执行日志应记录策略名, got %s", entry.Strategy)
	}

	f.gate.mu.Lock()
	defer f.gate.mu.Unlock()
	if len(f.gate.results) != 1 || !f.gate.results[0] {
		t.Fatalf("应记录一次成功交易结果, got %v", f.gate.results)
	}
}

func TestCycleSkipsWhenAutoTradeDisabled(t *testing.T) {
	settings := activeSettings()
	settings.AutoTrade = false

	f := newFixture(t, settings, buySignal(0.9))
	runOneCycle(t, f)

	if f.placer.count() != 0 {
		t.Fatalf("自动交易关闭时不应下单, got %d", f.placer.count())
	}

	entry := lastLog(t, f)
	if entry.Action != "SKIPPED" {
		t.Fatalf("执行日志动作应为 SKIPPED, got %s", entry.Action)
	}
	if entry.Reason != "Auto-trade disabled" {
		t.Fatalf("跳过原因不符, got %q", entry.Reason)
	}
}

func TestCycleSkipsBelowAccuracyThreshold(t *testing.T) {
	f := newFixture(t, activeSettings(), buySignal(0.5))
	runOneCycle(t, f)

	if f.placer.count() != 0 {
		t.Fatalf("准确率不足时不应下单, got %d", f.placer.count())
	}

	entry := lastLog(t, f)
	if entry.Action != "SKIPPED" {
		t.Fatalf("执行日志动作应为 SKIPPED, got %s", entry.Action)
	}
	if !strings.Contains(entry.Reason, "below threshold") {
		t.Fatalf("跳过原因应说明准确率不足, got %q", entry.Reason)
	}
}

func TestCycleSkipsOnHoldSignal(t *testing.T) {
	result := research.Result{Signal: research.SignalHold, Accuracy: 0.95}

	f := newFixture(t, activeSettings(), result)
	runOneCycle(t, f)

	if f.placer.count() != 0 {
		t.Fatalf("HOLD 信号不应下单, got %d", f.placer.count())
	}
	if entry := lastLog(t, f); entry.Action != "SKIPPED" {
		t.Fatalf("执行日志动作应为 SKIPPED, got %s", entry.Action)
	}
}

func TestCycleSkipsOnRiskDenial(t *testing.T) {
	f := newFixture(t, activeSettings(), buySignal(0.9))
	f.gate.allowed = false
	f.gate.reason = "Daily loss limit exceeded: 600.00 beyond limit 500.00"
	runOneCycle(t, f)

	if f.placer.count() != 0 {
		t.Fatalf("风控拒绝时不应下单, got %d", f.placer.count())
	}

	entry := lastLog(t, f)
	if entry.Action != "SKIPPED" {
		t.Fatalf("执行日志动作应为 SKIPPED, got %s", entry.Action)
	}
	if !strings.Contains(entry.Reason, "Daily loss limit exceeded") {
		t.Fatalf("跳过原因应透传风控理由, got %q", entry.Reason)
	}
}

func TestCycleRejectsReservedStrategy(t *testing.T) {
	settings := activeSettings()
	settings.Strategy = strategy.NameMarketMaking

	f := newFixture(t, settings, buySignal(0.9))
	runOneCycle(t, f)

	if f.placer.count() != 0 {
		t.Fatalf("保留策略不应被执行引擎运行, got %d", f.placer.count())
	}

	entry := lastLog(t, f)
	if entry.Action != "SKIPPED" {
		t.Fatalf("执行日志动作应为 SKIPPED, got %s", entry.Action)
	}
	if !strings.Contains(entry.Reason, "reserved") {
		t.Fatalf("跳过原因应说明策略被保留, got %q", entry.Reason)
	}
}

func TestCycleBroadcastsAdminNotification(t *testing.T) {
	f := newFixture(t, activeSettings(), buySignal(0.9))
	runOneCycle(t, f)

	admin := f.sink.byType(broadcast.EventAdmin)
	if len(admin) != 1 {
		t.Fatalf("成交后应广播一条管理通知, got %d", len(admin))
	}
	payload, ok := admin[0].Payload.(map[string]interface{})
	if !ok {
		t.Fatalf("管理通知载荷类型不符: %T", admin[0].Payload)
	}
	if payload["order_id"] != "ord-1" {
		t.Fatalf("管理通知应携带订单ID, got %v", payload["order_id"])
	}
	if msg, _ := payload["message"].(string); !strings.Contains(msg, "BTC/USDT") {
		t.Fatalf("管理通知应包含交易对, got %q", msg)
	}
}

type exitPlacer struct {
	recordingPlacer
	posMu     sync.Mutex
	positions []order.Position
	closed    []string
}

func (p *exitPlacer) OpenPositions(_ context.Context, _, _ string) ([]order.Position, error) {
	p.posMu.Lock()
	defer p.posMu.Unlock()
	out := make([]order.Position, len(p.positions))
	copy(out, p.positions)
	return out, nil
}

func (p *exitPlacer) ClosePosition(_ context.Context, _, _, positionID string) error {
	p.posMu.Lock()
	defer p.posMu.Unlock()
	p.closed = append(p.closed, positionID)
	return nil
}

func TestExitReasonStopLossBeatsTakeProfit(t *testing.T) {
	// 止损与止盈同时越界时，止损优先。
	pos := order.Position{
		Side:       order.SideBuy,
		EntryPrice: 100,
		StopLoss:   96,
		TakeProfit: 90,
	}
	if got := exitReason(pos, 95, time.Now()); got != "stop_loss" {
		t.Fatalf("双越界时应优先止损, got %q", got)
	}
}

func TestExitReasonShortSide(t *testing.T) {
	now := time.Now()

	short := order.Position{Side: order.SideSell, EntryPrice: 100, StopLoss: 105, TakeProfit: 95}
	if got := exitReason(short, 106, now); got != "stop_loss" {
		t.Fatalf("空头价格上穿止损应平仓, got %q", got)
	}
	if got := exitReason(short, 94, now); got != "take_profit" {
		t.Fatalf("空头价格下穿止盈应平仓, got %q", got)
	}
	if got := exitReason(short, 100, now); got != "" {
		t.Fatalf("区间内不应触发退出, got %q", got)
	}
}

func TestExitReasonTTLBoundary(t *testing.T) {
	now := time.Now()
	pos := order.Position{
		Side:       order.SideBuy,
		EntryPrice: 100,
		OpenedAt:   now.Add(-5 * time.Second),
		TimeToLive: 5 * time.Second,
	}

	if got := exitReason(pos, 100, now); got != "ttl_expired" {
		t.Fatalf("恰好到达存活时间应视为过期, got %q", got)
	}

	pos.OpenedAt = now.Add(-4 * time.Second)
	if got := exitReason(pos, 100, now); got != "" {
		t.Fatalf("未到存活时间不应退出, got %q", got)
	}
}

func TestCheckExitsClosesExpiredPosition(t *testing.T) {
	f := newFixture(t, activeSettings(), buySignal(0.9))

	placer := &exitPlacer{positions: []order.Position{
		{
			ID:         "pos-1",
			Symbol:     "BTC/USDT",
			Side:       order.SideBuy,
			Quantity:   0.01,
			EntryPrice: 50000,
			OpenedAt:   time.Now().Add(-10 * time.Minute),
			TimeToLive: 5 * time.Minute,
		},
	}}
	f.engine.orders = placer

	f.engine.checkExits(context.Background())

	placer.posMu.Lock()
	closed := append([]string(nil), placer.closed...)
	placer.posMu.Unlock()
	if len(closed) != 1 || closed[0] != "pos-1" {
		t.Fatalf("过期持仓应被平掉, got %v", closed)
	}

	events := f.sink.byType(broadcast.EventPositionClosed)
	if len(events) != 1 {
		t.Fatalf("平仓后应广播事件, got %d", len(events))
	}
	payload, ok := events[0].Payload.(map[string]interface{})
	if !ok {
		t.Fatalf("平仓事件载荷类型不符: %T", events[0].Payload)
	}
	if payload["reason"] != "ttl_expired" {
		t.Fatalf("平仓原因应为 ttl_expired, got %v", payload["reason"])
	}
}

func TestCheckExitsSkipsWithoutPositionCapabilities(t *testing.T) {
	f := newFixture(t, activeSettings(), buySignal(0.9))

	// recordingPlacer 不具备持仓读取与平仓能力，应静默跳过。
	f.engine.checkExits(context.Background())

	if f.placer.count() != 0 {
		t.Fatalf("无持仓能力时不应产生任何委托, got %d", f.placer.count())
	}
	if events := f.sink.byType(broadcast.EventPositionClosed); len(events) != 0 {
		t.Fatalf("无持仓能力时不应广播平仓事件, got %d", len(events))
	}
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t, activeSettings(), buySignal(0.9))

	if err := f.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.engine.Start(context.Background()); err != ErrAlreadyRunning {
		t.Fatalf("重复启动应返回 ErrAlreadyRunning, got %v", err)
	}

	f.engine.Stop()
	f.engine.Stop()

	if running, _ := f.engine.Status(); running {
		t.Fatal("停止后状态应为未运行")
	}
}
