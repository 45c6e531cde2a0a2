package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"autotrader/internal/market"
	"autotrader/internal/research"
)

func testBook() market.OrderBook {
	return market.OrderBook{
		Symbol:    "BTC/USDT",
		Bids:      []market.Level{{Price: 49990, Amount: 1}},
		Asks:      []market.Level{{Price: 50010, Amount: 1}},
		Timestamp: time.Now(),
	}
}

func TestRegistryInitializeAndExecute(t *testing.T) {
	registry := NewRegistry(nil)
	cfg := Config{Symbol: "BTC/USDT", TradeSize: 0.01}

	if err := registry.Initialize("user-1", "signal_follow", cfg, nil, nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := registry.Initialize("user-1", "signal_follow", cfg, nil, nil); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("重复初始化应返回 ErrAlreadyInitialized, got %v", err)
	}

	result := research.Result{Signal: research.SignalBuy, Accuracy: 0.9}
	decision, err := registry.Execute(context.Background(), "user-1", "signal_follow", result, testBook())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if decision.Action != ActionBuy {
		t.Fatalf("BUY 信号应产出买入决策, got %s", decision.Action)
	}
	if decision.Quantity != 0.01 {
		t.Fatalf("决策数量应取配置的 trade_size, got %v", decision.Quantity)
	}
	if decision.Price != 50000 {
		t.Fatalf("限价应挂在中间价, got %v", decision.Price)
	}
}

func TestRegistryUnknownStrategy(t *testing.T) {
	registry := NewRegistry(nil)

	err := registry.Initialize("user-1", "does_not_exist", Config{TradeSize: 0.01}, nil, nil)
	if !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("未注册策略应返回 ErrUnknownStrategy, got %v", err)
	}
}

func TestRegistryExecuteBeforeInitialize(t *testing.T) {
	registry := NewRegistry(nil)

	_, err := registry.Execute(context.Background(), "user-1", "signal_follow", research.Result{}, testBook())
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("未初始化执行应返回 ErrNotInitialized, got %v", err)
	}
}

func TestRegistryIsolatesUsers(t *testing.T) {
	registry := NewRegistry(nil)
	cfg := Config{Symbol: "BTC/USDT", TradeSize: 0.01}

	if err := registry.Initialize("user-1", "signal_follow", cfg, nil, nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// 同名策略在另一个用户下仍需独立初始化。
	if _, err := registry.Execute(context.Background(), "user-2", "signal_follow", research.Result{}, testBook()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("user-2 未初始化应返回 ErrNotInitialized, got %v", err)
	}
}

func TestContrarianRequiresHighConfidence(t *testing.T) {
	registry := NewRegistry(nil)
	cfg := Config{Symbol: "BTC/USDT", TradeSize: 0.01}

	if err := registry.Initialize("user-1", "contrarian", cfg, nil, nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	low := research.Result{Signal: research.SignalBuy, Accuracy: 0.8}
	decision, err := registry.Execute(context.Background(), "user-1", "contrarian", low, testBook())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if decision.Actionable() {
		t.Fatalf("低置信度下反向策略应观望, got %+v", decision)
	}

	high := research.Result{Signal: research.SignalBuy, Accuracy: 0.9}
	decision, err = registry.Execute(context.Background(), "user-1", "contrarian", high, testBook())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if decision.Action != ActionSell {
		t.Fatalf("高置信度 BUY 信号应反向卖出, got %s", decision.Action)
	}
}
