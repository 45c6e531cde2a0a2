package order

import (
	"context"
	"time"
)

// Side 表示下单方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite 返回相反方向。
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Type 表示订单类型。
type Type string

const (
	TypeMarket Type = "market"
	TypeLimit  Type = "limit"
)

// Request 描述一笔委托。
type Request struct {
	Symbol   string
	Side     Side
	Type     Type
	Quantity float64
	Price    float64
	PostOnly bool
}

// Order 为交易所返回的委托回执。
type Order struct {
	ID       string
	Symbol   string
	Side     Side
	Quantity float64
	Price    float64
	AvgPrice float64
	Status   string
}

// Position 表示一笔持仓，由订单协作方拥有，退出监控只读。
type Position struct {
	ID         string
	Symbol     string
	Side       Side
	Quantity   float64
	EntryPrice float64
	StopLoss   float64 // 0 表示未设置
	TakeProfit float64 // 0 表示未设置
	OpenedAt   time.Time
	TimeToLive time.Duration // 0 表示不过期
}

// Placer 为订单协作方的基础能力。
type Placer interface {
	PlaceOrder(ctx context.Context, userID string, req Request) (Order, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// PositionReader 为可选能力：枚举当前持仓。组合期检查，不存在时退出监控静默跳过。
type PositionReader interface {
	OpenPositions(ctx context.Context, userID, symbol string) ([]Position, error)
}

// PositionCloser 为可选能力：平掉指定持仓。
type PositionCloser interface {
	ClosePosition(ctx context.Context, userID, symbol, positionID string) error
}
