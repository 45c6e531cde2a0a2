package market

import (
	"context"
	"time"
)

// Level 表示盘口档位。
type Level struct {
	Price  float64
	Amount float64
}

// OrderBook 为订单簿快照。
type OrderBook struct {
	Symbol    string
	Bids      []Level
	Asks      []Level
	Timestamp time.Time
}

// Empty 判断盘口是否缺少任一侧报价。
func (b OrderBook) Empty() bool {
	return len(b.Bids) == 0 || len(b.Asks) == 0
}

// BestBid 返回最优买价，空盘口返回 0。
func (b OrderBook) BestBid() float64 {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// BestAsk 返回最优卖价，空盘口返回 0。
func (b OrderBook) BestAsk() float64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// Mid 返回中间价，空盘口返回 0。
func (b OrderBook) Mid() float64 {
	if b.Empty() {
		return 0
	}
	return (b.BestBid() + b.BestAsk()) / 2
}

// Spread 返回买卖价差。
func (b OrderBook) Spread() float64 {
	if b.Empty() {
		return 0
	}
	return b.BestAsk() - b.BestBid()
}

// Candle 代表单根K线。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Source 为行情数据源。
type Source interface {
	FetchOrderBook(ctx context.Context, symbol string, depth int) (OrderBook, error)
}

// CandleSource 为K线数据源，研究服务依赖此能力。
type CandleSource interface {
	FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
}

// Subscriber 为可选的推送订阅能力，实现方在组合期显式声明。
type Subscriber interface {
	SubscribeOrderBook(ctx context.Context, symbol string) (<-chan OrderBook, error)
}
