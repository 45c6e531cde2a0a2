package indicator

import (
	"fmt"

	talib "github.com/markcheno/go-talib"

	"autotrader/internal/market"
)

// MACDResult 保存 MACD 关键值。
type MACDResult struct {
	Value         float64
	Signal        float64
	Histogram     float64
	PrevHistogram float64
}

// ATRResult 保存 ATR 指标。
type ATRResult struct {
	Absolute float64
	Relative float64
}

// Result 为一次指标计算的汇总。
type Result struct {
	EMAFast       float64
	EMASlow       float64
	MACD          MACDResult
	RSI           float64
	ATR           ATRResult
	Close         float64
	PreviousClose float64
}

// Calculator 提供技术指标计算。
type Calculator struct{}

// NewCalculator 创建 Calculator。
func NewCalculator() *Calculator {
	return &Calculator{}
}

// Compute 依据给定K线计算常用技术指标。
func (c *Calculator) Compute(candles []market.Candle) (Result, error) {
	if len(candles) < 30 {
		return Result{}, fmt.Errorf("计算指标失败: K线数量不足 (%d)", len(candles))
	}

	series := NewSeries(candles)

	closePrices := series.Close
	highs := series.High
	lows := series.Low

	emaFast := talib.Ema(closePrices, 12)
	emaSlow := talib.Ema(closePrices, 26)
	macd, macdSignal, macdHist := talib.Macd(closePrices, 12, 26, 9)
	rsi := talib.Rsi(closePrices, 14)
	atr := talib.Atr(highs, lows, closePrices, 14)

	lastClose := Last(closePrices)
	atrAbs := Last(atr)

	return Result{
		EMAFast: Last(emaFast),
		EMASlow: Last(emaSlow),
		MACD: MACDResult{
			Value:         Last(macd),
			Signal:        Last(macdSignal),
			Histogram:     Last(macdHist),
			PrevHistogram: Prev(macdHist),
		},
		RSI:           Last(rsi),
		ATR:           ATRResult{Absolute: atrAbs, Relative: SafeDivide(atrAbs, lastClose)},
		Close:         lastClose,
		PreviousClose: Prev(closePrices),
	}, nil
}
