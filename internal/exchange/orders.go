package exchange

import (
	"context"
	"fmt"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"

	"autotrader/internal/order"
)

// PlaceOrder 提交委托，实现 order.Placer。
// 客户端与单个账户绑定，userID 不匹配属于调用方契约错误。
func (c *Client) PlaceOrder(ctx context.Context, userID string, req order.Request) (order.Order, error) {
	if userID == "" || userID != c.userID {
		return order.Order{}, fmt.Errorf("exchange: 用户上下文不匹配: %q", userID)
	}
	if req.Symbol == "" {
		return order.Order{}, fmt.Errorf("exchange: 委托缺少交易对")
	}
	if req.Quantity <= 0 {
		return order.Order{}, fmt.Errorf("exchange: 委托数量无效: %f", req.Quantity)
	}

	var raw ccxt.Order
	err := c.callWithRetry(ctx, "place_order", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		var placeErr error
		switch req.Type {
		case order.TypeLimit:
			params := map[string]interface{}{}
			if req.PostOnly {
				params["postOnly"] = true
			}
			raw, placeErr = c.exchange.CreateLimitOrder(
				req.Symbol, string(req.Side), req.Quantity, req.Price,
				ccxt.WithCreateLimitOrderParams(params),
			)
		case order.TypeMarket:
			raw, placeErr = c.exchange.CreateMarketOrder(
				req.Symbol, string(req.Side), req.Quantity,
			)
		default:
			return fmt.Errorf("exchange: 不支持的订单类型 %s", req.Type)
		}
		return placeErr
	})
	if err != nil {
		return order.Order{}, err
	}

	return convertOrder(req, raw), nil
}

// CancelOrder 撤销委托。
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if orderID == "" {
		return fmt.Errorf("exchange: 订单ID不能为空")
	}

	return c.callWithRetry(ctx, "cancel_order", func() error {
		_, err := c.exchange.CancelOrder(orderID)
		return err
	})
}

// OpenPositions 枚举指定交易对的持仓，实现 order.PositionReader。
func (c *Client) OpenPositions(ctx context.Context, userID, symbol string) ([]order.Position, error) {
	if userID != c.userID {
		return nil, fmt.Errorf("exchange: 用户上下文不匹配: %q", userID)
	}

	var raw []ccxt.Position
	err := c.callWithRetry(ctx, "fetch_positions", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := c.exchange.FetchPositions()
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	positions := make([]order.Position, 0, len(raw))
	for _, rawPos := range raw {
		posSymbol := derefString(rawPos.Symbol)
		if symbol != "" && !strings.EqualFold(posSymbol, symbol) {
			continue
		}
		size := derefFloat(rawPos.Contracts)
		if size == 0 {
			continue
		}

		side := order.SideBuy
		if strings.EqualFold(derefString(rawPos.Side), "short") {
			side = order.SideSell
		}

		var openedAt time.Time
		if rawPos.Timestamp != nil {
			openedAt = time.UnixMilli(int64(*rawPos.Timestamp)).UTC()
		}

		positions = append(positions, order.Position{
			ID:         derefString(rawPos.Id),
			Symbol:     posSymbol,
			Side:       side,
			Quantity:   size,
			EntryPrice: derefFloat(rawPos.EntryPrice),
			OpenedAt:   openedAt,
		})
	}

	return positions, nil
}

// ClosePosition 以市价反向平掉指定持仓，实现 order.PositionCloser。
func (c *Client) ClosePosition(ctx context.Context, userID, symbol, positionID string) error {
	positions, err := c.OpenPositions(ctx, userID, symbol)
	if err != nil {
		return err
	}

	for _, pos := range positions {
		if positionID != "" && pos.ID != positionID {
			continue
		}

		closeSide := pos.Side.Opposite()
		err := c.callWithRetry(ctx, "close_position", func() error {
			_, placeErr := c.exchange.CreateMarketOrder(
				symbol, string(closeSide), pos.Quantity,
				ccxt.WithCreateMarketOrderParams(map[string]interface{}{"reduceOnly": true}),
			)
			return placeErr
		})
		if err != nil {
			return err
		}
		return nil
	}

	return fmt.Errorf("exchange: 未找到持仓 %s", positionID)
}

func convertOrder(req order.Request, raw ccxt.Order) order.Order {
	placed := order.Order{
		ID:       derefString(raw.Id),
		Symbol:   req.Symbol,
		Side:     req.Side,
		Quantity: req.Quantity,
		Price:    req.Price,
		AvgPrice: derefFloat(raw.Average),
		Status:   derefString(raw.Status),
	}
	if amount := derefFloat(raw.Amount); amount > 0 {
		placed.Quantity = amount
	}
	if price := derefFloat(raw.Price); price > 0 {
		placed.Price = price
	}
	return placed
}
