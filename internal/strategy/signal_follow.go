package strategy

import (
	"context"
	"errors"

	"autotrader/internal/market"
	"autotrader/internal/order"
	"autotrader/internal/research"
)

// signalFollow 按研究信号同向限价下单，挂在中间价上。
type signalFollow struct {
	cfg Config
}

// NewSignalFollow 创建跟随信号策略。
func NewSignalFollow(cfg Config, _ market.Source, _ order.Placer) (Strategy, error) {
	if cfg.TradeSize <= 0 {
		return nil, errors.New("signal_follow 需要正的 trade_size")
	}
	return &signalFollow{cfg: cfg}, nil
}

func (s *signalFollow) Name() string {
	return "signal_follow"
}

func (s *signalFollow) Execute(_ context.Context, result research.Result, book market.OrderBook) (Decision, error) {
	if book.Empty() {
		return Decision{Action: ActionHold, Reason: "order book empty"}, nil
	}

	switch result.Signal {
	case research.SignalBuy:
		return Decision{
			Action:    ActionBuy,
			OrderType: order.TypeLimit,
			Quantity:  s.cfg.TradeSize,
			Price:     book.Mid(),
		}, nil
	case research.SignalSell:
		return Decision{
			Action:    ActionSell,
			OrderType: order.TypeLimit,
			Quantity:  s.cfg.TradeSize,
			Price:     book.Mid(),
		}, nil
	default:
		return Decision{Action: ActionHold, Reason: "hold signal"}, nil
	}
}

// contrarian 在极端信号下反向操作：仅当置信度很高时才跟随，否则观望。
type contrarian struct {
	cfg Config
}

// NewContrarian 创建反向策略。
func NewContrarian(cfg Config, _ market.Source, _ order.Placer) (Strategy, error) {
	if cfg.TradeSize <= 0 {
		return nil, errors.New("contrarian 需要正的 trade_size")
	}
	return &contrarian{cfg: cfg}, nil
}

func (s *contrarian) Name() string {
	return "contrarian"
}

func (s *contrarian) Execute(_ context.Context, result research.Result, book market.OrderBook) (Decision, error) {
	if book.Empty() {
		return Decision{Action: ActionHold, Reason: "order book empty"}, nil
	}
	if result.Accuracy < 0.85 {
		return Decision{Action: ActionHold, Reason: "confidence too low for contrarian entry"}, nil
	}

	switch result.Signal {
	case research.SignalBuy:
		return Decision{
			Action:    ActionSell,
			OrderType: order.TypeLimit,
			Quantity:  s.cfg.TradeSize,
			Price:     book.BestAsk(),
		}, nil
	case research.SignalSell:
		return Decision{
			Action:    ActionBuy,
			OrderType: order.TypeLimit,
			Quantity:  s.cfg.TradeSize,
			Price:     book.BestBid(),
		}, nil
	default:
		return Decision{Action: ActionHold, Reason: "hold signal"}, nil
	}
}
