package strategy

import (
	"context"

	"autotrader/internal/market"
	"autotrader/internal/order"
	"autotrader/internal/research"
)

// NameMarketMaking 为高频做市策略的保留名称。
// 该策略只允许运行在报价引擎内部，研究执行引擎必须拒绝它。
const NameMarketMaking = "market_making"

// ActionHold 等常量表示策略决策动作。
const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
	ActionHold = "HOLD"
)

// Decision 为策略给出的交易决策。
type Decision struct {
	Action    string
	OrderType order.Type
	Quantity  float64
	Price     float64
	Reason    string
}

// Actionable 判断决策是否需要下单。
func (d Decision) Actionable() bool {
	return d.Action == ActionBuy || d.Action == ActionSell
}

// Strategy 将研究结果转化为交易决策。
type Strategy interface {
	Name() string
	Execute(ctx context.Context, result research.Result, book market.OrderBook) (Decision, error)
}

// Config 为策略初始化参数。
type Config struct {
	Symbol    string
	TradeSize float64
	Params    map[string]interface{}
}

// Factory 构造一个策略实例，market/orders 为策略可用的适配器。
type Factory func(cfg Config, source market.Source, placer order.Placer) (Strategy, error)
