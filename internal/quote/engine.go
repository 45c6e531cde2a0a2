package quote

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"autotrader/internal/broadcast"
	"autotrader/internal/market"
	"autotrader/internal/order"
	"autotrader/internal/risk"
)

var (
	// ErrAlreadyRunning 表示引擎已在运行。
	ErrAlreadyRunning = errors.New("quote: engine already running")
	// ErrMissingUser 表示缺少用户上下文。无授权挂单属于调用方契约错误。
	ErrMissingUser = errors.New("quote: missing user context")
)

type riskGate interface {
	CanTrade(ctx context.Context, req risk.CheckRequest) (risk.CheckResult, error)
}

// Config 为单次运行的引擎配置，运行期间不可变。
type Config struct {
	UserID            string
	Symbol            string
	QuoteSize         float64
	AdverseMovePct    float64
	MaxPositionSize   float64
	InsideSpreadRatio float64
	CancelInterval    time.Duration
	LoopInterval      time.Duration
	ErrorBackoff      time.Duration
}

// quoteState 为当前挂单状态：每次重报整体替换，撤单或停机时清空。
type quoteState struct {
	bidID    string
	askID    string
	placedAt time.Time
	baseMid  float64
}

func (q quoteState) active() bool {
	return q.bidID != "" || q.askID != ""
}

// Engine 为单交易对的持续做市循环。
type Engine struct {
	cfg       Config
	risk      riskGate
	feed      *market.Feed
	orders    order.Placer
	positions order.PositionReader // 可选能力
	sink      broadcast.Sink
	logger    *zap.Logger

	mu         sync.Mutex
	running    bool
	cancelRun  context.CancelFunc
	done       chan struct{}
	generation uint64
	state      quoteState
	timers     []*time.Timer
}

// NewEngine 创建报价引擎。
func NewEngine(cfg Config, gate riskGate, feed *market.Feed, placer order.Placer, sink broadcast.Sink, logger *zap.Logger) (*Engine, error) {
	if gate == nil {
		return nil, errors.New("quote: risk gate 不能为空")
	}
	if feed == nil {
		return nil, errors.New("quote: market feed 不能为空")
	}
	if placer == nil {
		return nil, errors.New("quote: order placer 不能为空")
	}
	if sink == nil {
		sink = broadcast.NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if cfg.LoopInterval <= 0 {
		cfg.LoopInterval = 100 * time.Millisecond
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	if cfg.InsideSpreadRatio <= 0 {
		cfg.InsideSpreadRatio = 0.5
	}

	return &Engine{
		cfg:    cfg,
		risk:   gate,
		feed:   feed,
		orders: placer,
		sink:   sink,
		logger: logger.With(zap.String("user", cfg.UserID), zap.String("symbol", cfg.Symbol)),
	}, nil
}

// SetPositionReader 注入持仓查询能力。
func (e *Engine) SetPositionReader(reader order.PositionReader) {
	e.positions = reader
}

// Status 返回当前运行状态与配置。
func (e *Engine) Status() (bool, Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running, e.cfg
}

// Start 启动调度循环。重复启动与缺少用户上下文均为错误。
func (e *Engine) Start(ctx context.Context) error {
	if e.cfg.UserID == "" {
		return ErrMissingUser
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.running = true
	e.cancelRun = cancel
	e.done = done
	e.mu.Unlock()

	go e.run(runCtx, done)

	e.logger.Info("报价引擎已启动",
		zap.Float64("quote_size", e.cfg.QuoteSize),
		zap.Duration("cancel_interval", e.cfg.CancelInterval),
	)
	e.sink.Broadcast(broadcast.Event{
		Type:      broadcast.EventEngine,
		UserID:    e.cfg.UserID,
		Symbol:    e.cfg.Symbol,
		Timestamp: time.Now(),
		Payload:   map[string]string{"engine": "quote", "state": "running"},
	})

	return nil
}

// Stop 停止循环并撤销所有挂单。重复调用是安全的空操作。
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancelRun
	done := e.done
	e.mu.Unlock()

	cancel()
	<-done

	ctx, cancelCleanup := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCleanup()
	e.cancelQuotes(ctx)

	e.logger.Info("报价引擎已停止")
	e.sink.Broadcast(broadcast.Event{
		Type:      broadcast.EventEngine,
		UserID:    e.cfg.UserID,
		Symbol:    e.cfg.Symbol,
		Timestamp: time.Now(),
		Payload:   map[string]string{"engine": "quote", "state": "stopped"},
	})
}

func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.cfg.LoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.cycle(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				e.logger.Warn("报价周期失败，退避后重试", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(e.cfg.ErrorBackoff):
				}
			}
		}
	}
}

// cycle 执行一个报价周期：风控放行、盘口检查、逆向波动保护、重报。
func (e *Engine) cycle(ctx context.Context) error {
	result, err := e.risk.CanTrade(ctx, risk.CheckRequest{
		UserID:    e.cfg.UserID,
		Symbol:    e.cfg.Symbol,
		TradeSize: e.cfg.QuoteSize,
	})
	if err != nil {
		return err
	}
	if !result.Allowed {
		e.logger.Debug("风控未放行，跳过本周期", zap.String("reason", result.Reason))
		return nil
	}

	book, err := e.feed.Snapshot(ctx)
	if err != nil {
		return err
	}
	if book.Empty() {
		return nil
	}

	mid := book.Mid()
	now := time.Now()

	e.mu.Lock()
	st := e.state
	e.mu.Unlock()

	// 逆向波动保护：撤单优先于重报，本周期不再挂新单。
	if st.active() && now.Sub(st.placedAt) < e.cfg.CancelInterval && st.baseMid > 0 {
		move := math.Abs(mid-st.baseMid) / st.baseMid
		if move > e.cfg.AdverseMovePct {
			e.logger.Warn("检测到逆向波动，撤销当前报价",
				zap.Float64("base_mid", st.baseMid),
				zap.Float64("mid", mid),
				zap.Float64("move", move),
			)
			e.cancelQuotes(ctx)
			return nil
		}
	}

	if !st.active() || now.Sub(st.placedAt) > 2*e.cfg.CancelInterval {
		// 先撤旧单再挂新单，同侧绝不双重暴露。
		e.cancelQuotes(ctx)
		return e.placeQuotes(ctx, book)
	}

	return nil
}

// placeQuotes 在盘口价差内侧双边挂单，并为每侧布置撤单定时器。
func (e *Engine) placeQuotes(ctx context.Context, book market.OrderBook) error {
	mid := book.Mid()
	offset := book.Spread() / 2 * e.cfg.InsideSpreadRatio
	bidPrice := mid - offset
	askPrice := mid + offset

	current, err := e.currentPosition(ctx)
	if err != nil {
		return err
	}

	// 每侧独立校验挂单成交后的持仓不越界。
	placeBid := math.Abs(current+e.cfg.QuoteSize) <= e.cfg.MaxPositionSize
	placeAsk := math.Abs(current-e.cfg.QuoteSize) <= e.cfg.MaxPositionSize
	if !placeBid && !placeAsk {
		e.logger.Debug("双边均触及持仓上限，跳过挂单", zap.Float64("position", current))
		return nil
	}

	e.mu.Lock()
	gen := e.generation
	e.mu.Unlock()

	var bidID, askID string

	if placeBid {
		placed, err := e.orders.PlaceOrder(ctx, e.cfg.UserID, order.Request{
			Symbol:   e.cfg.Symbol,
			Side:     order.SideBuy,
			Type:     order.TypeLimit,
			Quantity: e.cfg.QuoteSize,
			Price:    bidPrice,
			PostOnly: true,
		})
		if err != nil {
			return fmt.Errorf("quote: 挂买单失败: %w", err)
		}
		bidID = placed.ID
	}

	if placeAsk {
		placed, err := e.orders.PlaceOrder(ctx, e.cfg.UserID, order.Request{
			Symbol:   e.cfg.Symbol,
			Side:     order.SideSell,
			Type:     order.TypeLimit,
			Quantity: e.cfg.QuoteSize,
			Price:    askPrice,
			PostOnly: true,
		})
		if err != nil {
			e.cancelOrderQuietly(bidID)
			return fmt.Errorf("quote: 挂卖单失败: %w", err)
		}
		askID = placed.ID
	}

	now := time.Now()

	e.mu.Lock()
	if e.generation != gen {
		// Stop 或撤单在挂单期间发生，新单已经过期。
		e.mu.Unlock()
		e.cancelOrderQuietly(bidID)
		e.cancelOrderQuietly(askID)
		return nil
	}
	e.state = quoteState{
		bidID:    bidID,
		askID:    askID,
		placedAt: now,
		baseMid:  mid,
	}
	if bidID != "" {
		e.armCancelTimerLocked(gen, order.SideBuy, bidID)
	}
	if askID != "" {
		e.armCancelTimerLocked(gen, order.SideSell, askID)
	}
	e.mu.Unlock()

	e.logger.Debug("报价已更新",
		zap.String("bid_id", bidID),
		zap.Float64("bid_price", bidPrice),
		zap.String("ask_id", askID),
		zap.Float64("ask_price", askPrice),
		zap.Float64("mid", mid),
	)
	e.sink.Broadcast(broadcast.Event{
		Type:      broadcast.EventQuote,
		UserID:    e.cfg.UserID,
		Symbol:    e.cfg.Symbol,
		Timestamp: time.Now(),
		Payload: map[string]interface{}{
			"bid_price": bidPrice,
			"ask_price": askPrice,
			"mid":       mid,
			"size":      e.cfg.QuoteSize,
		},
	})

	return nil
}

// armCancelTimerLocked 布置单侧撤单定时器，代数不匹配的定时器触发后不做任何事。
// 调用方必须已持有 e.mu。
func (e *Engine) armCancelTimerLocked(gen uint64, side order.Side, orderID string) {
	timer := time.AfterFunc(e.cfg.CancelInterval, func() {
		e.expireQuote(gen, side, orderID)
	})
	e.timers = append(e.timers, timer)
}

// expireQuote 由撤单定时器触发：仅当代数未变且订单仍挂着时撤单。
func (e *Engine) expireQuote(gen uint64, side order.Side, orderID string) {
	e.mu.Lock()
	if e.generation != gen {
		e.mu.Unlock()
		return
	}
	switch side {
	case order.SideBuy:
		if e.state.bidID != orderID {
			e.mu.Unlock()
			return
		}
		e.state.bidID = ""
	case order.SideSell:
		if e.state.askID != orderID {
			e.mu.Unlock()
			return
		}
		e.state.askID = ""
	}
	e.mu.Unlock()

	e.cancelOrderQuietly(orderID)
	e.logger.Debug("报价到期撤单", zap.String("side", string(side)), zap.String("order_id", orderID))
}

// cancelQuotes 撤销当前全部挂单并使所有定时器失效。撤单是尽力而为：
// 单侧失败不影响另一侧。
func (e *Engine) cancelQuotes(ctx context.Context) {
	e.mu.Lock()
	bidID := e.state.bidID
	askID := e.state.askID
	e.state = quoteState{}
	e.generation++
	timers := e.timers
	e.timers = nil
	e.mu.Unlock()

	for _, timer := range timers {
		timer.Stop()
	}

	for _, id := range []string{bidID, askID} {
		if id == "" {
			continue
		}
		if err := e.orders.CancelOrder(ctx, id); err != nil {
			e.logger.Warn("撤单失败", zap.String("order_id", id), zap.Error(err))
		}
	}
}

func (e *Engine) cancelOrderQuietly(orderID string) {
	if orderID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.orders.CancelOrder(ctx, orderID); err != nil {
		e.logger.Warn("撤单失败", zap.String("order_id", orderID), zap.Error(err))
	}
}

// currentPosition 汇总当前净持仓，无持仓查询能力时按 0 处理。
func (e *Engine) currentPosition(ctx context.Context) (float64, error) {
	if e.positions == nil {
		return 0, nil
	}

	positions, err := e.positions.OpenPositions(ctx, e.cfg.UserID, e.cfg.Symbol)
	if err != nil {
		return 0, fmt.Errorf("quote: 查询持仓失败: %w", err)
	}

	var net float64
	for _, pos := range positions {
		if pos.Side == order.SideSell {
			net -= pos.Quantity
		} else {
			net += pos.Quantity
		}
	}
	return net, nil
}
