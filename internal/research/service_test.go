package research

import (
	"testing"

	"autotrader/internal/indicator"
)

func TestLocalScoreBullishAlignment(t *testing.T) {
	features := indicator.Result{
		RSI:     25,
		EMAFast: 105,
		EMASlow: 100,
		MACD:    indicator.MACDResult{Histogram: 1.2, PrevHistogram: 0.8},
	}

	result := localScore("BTC/USDT", features)
	if result.Signal != SignalBuy {
		t.Fatalf("多头共振应给出 BUY, got %s", result.Signal)
	}
	if result.RecommendedAction != "OPEN_LONG" {
		t.Fatalf("建议动作应为 OPEN_LONG, got %s", result.RecommendedAction)
	}
	// score = 0.4 + 0.3 + 0.3 = 1.0 -> accuracy = 1.0
	if result.Accuracy != 1.0 {
		t.Fatalf("满分共振置信度应为 1.0, got %v", result.Accuracy)
	}
}

func TestLocalScoreBearishAlignment(t *testing.T) {
	features := indicator.Result{
		RSI:     75,
		EMAFast: 95,
		EMASlow: 100,
		MACD:    indicator.MACDResult{Histogram: -1.2, PrevHistogram: -0.8},
	}

	result := localScore("BTC/USDT", features)
	if result.Signal != SignalSell {
		t.Fatalf("空头共振应给出 SELL, got %s", result.Signal)
	}
	if result.RecommendedAction != "OPEN_SHORT" {
		t.Fatalf("建议动作应为 OPEN_SHORT, got %s", result.RecommendedAction)
	}
}

func TestLocalScoreMixedSignalsHold(t *testing.T) {
	// RSI 中性、均线多头、MACD 动量转弱：得分不足以触发信号。
	features := indicator.Result{
		RSI:     50,
		EMAFast: 101,
		EMASlow: 100,
		MACD:    indicator.MACDResult{Histogram: -0.5, PrevHistogram: -0.8},
	}

	result := localScore("BTC/USDT", features)
	if result.Signal != SignalBuy && result.Signal != SignalHold {
		t.Fatalf("混合信号不应给出 SELL, got %s", result.Signal)
	}

	neutral := indicator.Result{RSI: 50, EMAFast: 100, EMASlow: 100}
	result = localScore("BTC/USDT", neutral)
	if result.Signal != SignalHold {
		t.Fatalf("中性指标应给出 HOLD, got %s", result.Signal)
	}
	if result.Accuracy != 0.5 {
		t.Fatalf("中性指标置信度应为 0.5, got %v", result.Accuracy)
	}
}

func TestLocalScoreAccuracyBounds(t *testing.T) {
	cases := []indicator.Result{
		{RSI: 10, EMAFast: 110, EMASlow: 100, MACD: indicator.MACDResult{Histogram: 2, PrevHistogram: 1}},
		{RSI: 90, EMAFast: 90, EMASlow: 100, MACD: indicator.MACDResult{Histogram: -2, PrevHistogram: -1}},
		{RSI: 50},
	}

	for i, features := range cases {
		result := localScore("BTC/USDT", features)
		if result.Accuracy < 0 || result.Accuracy > 1 {
			t.Fatalf("case %d: 置信度越界: %v", i, result.Accuracy)
		}
	}
}
