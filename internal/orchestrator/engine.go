package orchestrator

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
	"autotrader/internal/metrics"
	"autotrader/internal/order"
	"autotrader/internal/research"
	"autotrader/internal/risk"
	"autotrader/internal/store"
	"autotrader/internal/strategy"
)

var (
	// ErrAlreadyRunning 表示引擎已在运行。
	ErrAlreadyRunning = errors.New("orchestrator: engine already running")
	// ErrMissingUser 表示缺少用户上下文。
	ErrMissingUser = errors.New("orchestrator: missing user context")
)

type riskGate interface {
	CanTrade(ctx context.Context, req risk.CheckRequest) (risk.CheckResult, error)
	RecordTradeResult(ctx context.Context, userID string, pnl float64, success bool) error
}

// Config 为单次运行的引擎配置。
type Config struct {
	UserID             string
	Symbol             string
	TradeSize          float64
	AssumedAdverseMove float64
	Interval           time.Duration
	ExitCheckInterval  time.Duration
}

// Engine 为研究驱动的执行引擎：周期性地研究行情、过闸门与风控、
// 执行策略并记录完整决策轨迹。单周期的任何失败都不会终止循环。
type Engine struct {
	cfg      Config
	research research.Researcher
	store    *store.Store
	risk     riskGate
	registry *strategy.Registry
	source   market.Source
	orders   order.Placer
	sink     broadcast.Sink
	metrics  metrics.Recorder
	logger   *zap.Logger

	mu        sync.Mutex
	running   bool
	cancelRun context.CancelFunc
	done      chan struct{}
}

// NewEngine 创建执行引擎。
func NewEngine(
	cfg Config,
	researcher research.Researcher,
	st *store.Store,
	gate riskGate,
	registry *strategy.Registry,
	source market.Source,
	placer order.Placer,
	sink broadcast.Sink,
	recorder metrics.Recorder,
	logger *zap.Logger,
) (*Engine, error) {
	if researcher == nil {
		return nil, errors.New("orchestrator: researcher 不能为空")
	}
	if st == nil {
		return nil, errors.New("orchestrator: store 不能为空")
	}
	if gate == nil {
		return nil, errors.New("orchestrator: risk gate 不能为空")
	}
	if registry == nil {
		return nil, errors.New("orchestrator: strategy registry 不能为空")
	}
	if source == nil {
		return nil, errors.New("orchestrator: market source 不能为空")
	}
	if placer == nil {
		return nil, errors.New("orchestrator: order placer 不能为空")
	}
	if sink == nil {
		sink = broadcast.NopSink{}
	}
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.AssumedAdverseMove <= 0 {
		cfg.AssumedAdverseMove = 0.01
	}

	return &Engine{
		cfg:      cfg,
		research: researcher,
		store:    st,
		risk:     gate,
		registry: registry,
		source:   source,
		orders:   placer,
		sink:     sink,
		metrics:  recorder,
		logger:   logger.With(zap.String("user", cfg.UserID), zap.String("symbol", cfg.Symbol)),
	}, nil
}

// Status 返回当前运行状态与配置。
func (e *Engine) Status() (bool, Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running, e.cfg
}

// Start 启动执行循环，启动后立即执行一个周期。
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

	e.logger.Info("执行引擎已启动", zap.Duration("interval", e.cfg.Interval))
	e.sink.Broadcast(broadcast.Event{
		Type:      broadcast.EventEngine,
		UserID:    e.cfg.UserID,
		Symbol:    e.cfg.Symbol,
		Timestamp: time.Now(),
		Payload:   map[string]string{"engine": "orchestrator", "state": "running"},
	})

	return nil
}

// Stop 停止执行循环。重复调用是安全的空操作。
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

	e.logger.Info("执行引擎已停止")
	e.sink.Broadcast(broadcast.Event{
		Type:      broadcast.EventEngine,
		UserID:    e.cfg.UserID,
		Symbol:    e.cfg.Symbol,
		Timestamp: time.Now(),
		Payload:   map[string]string{"engine": "orchestrator", "state": "stopped"},
	})
}

func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	exitInterval := e.cfg.ExitCheckInterval
	if exitInterval <= 0 {
		exitInterval = 2 * time.Second
	}
	exitTicker := time.NewTicker(exitInterval)
	defer exitTicker.Stop()

	e.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.cycle(ctx)
		case <-exitTicker.C:
			e.checkExits(ctx)
		}
	}
}

// cycle 执行一个研究周期。失败以日志与 SKIPPED 记录收场，循环继续。
func (e *Engine) cycle(ctx context.Context) {
	start := time.Now()

	result, err := e.research.Research(ctx, e.cfg.Symbol)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("研究失败，跳过本周期", zap.Error(err))
		}
		return
	}

	e.sink.Broadcast(broadcast.Event{
		Type:      broadcast.EventResearch,
		UserID:    e.cfg.UserID,
		Symbol:    e.cfg.Symbol,
		Timestamp: time.Now(),
		Payload:   result,
	})

	settings, err := e.store.GetSettings(ctx, e.cfg.UserID)
	if err != nil {
		e.logger.Error("读取用户设置失败", zap.Error(err))
		return
	}
	if settings == nil {
		e.logger.Error("用户设置缺失，无法执行")
		return
	}

	// 执行闸门：自动交易开关、准确率阈值、方向信号。
	if !settings.AutoTrade {
		e.skip(ctx, result, settings.Strategy, "Auto-trade disabled")
		return
	}
	if result.Accuracy < settings.MinAccuracy {
		e.skip(ctx, result, settings.Strategy,
			fmt.Sprintf("Accuracy %.2f below threshold %.2f", result.Accuracy, settings.MinAccuracy))
		return
	}
	if result.Signal == research.SignalHold {
		e.skip(ctx, result, settings.Strategy, "Hold signal")
		return
	}

	book, err := e.source.FetchOrderBook(ctx, e.cfg.Symbol, 20)
	if err != nil {
		e.logger.Warn("获取盘口失败，跳过本周期", zap.Error(err))
		return
	}
	if book.Empty() {
		e.skip(ctx, result, settings.Strategy, "Empty order book")
		return
	}

	riskResult, err := e.risk.CanTrade(ctx, risk.CheckRequest{
		UserID:      e.cfg.UserID,
		Symbol:      e.cfg.Symbol,
		TradeSize:   e.cfg.TradeSize,
		MidPrice:    book.Mid(),
		AdverseMove: e.cfg.AssumedAdverseMove,
	})
	if err != nil {
		e.logger.Error("风控检查失败", zap.Error(err))
		return
	}
	if !riskResult.Allowed {
		e.skip(ctx, result, settings.Strategy, riskResult.Reason)
		e.sink.Broadcast(broadcast.Event{
			Type:      broadcast.EventRiskAlert,
			UserID:    e.cfg.UserID,
			Symbol:    e.cfg.Symbol,
			Timestamp: time.Now(),
			Payload:   map[string]string{"reason": riskResult.Reason},
		})
		return
	}

	strategyName := settings.Strategy
	if strategyName == strategy.NameMarketMaking {
		// 做市策略只属于报价引擎，出现在这里是配置错误。
		e.logger.Error("用户配置了保留策略", zap.String("strategy", strategyName))
		e.skip(ctx, result, strategyName, "Strategy market_making is reserved for the quote engine")
		return
	}

	err = e.registry.Initialize(e.cfg.UserID, strategyName, strategy.Config{
		Symbol:    e.cfg.Symbol,
		TradeSize: e.cfg.TradeSize,
	}, e.source, e.orders)
	if err != nil && !errors.Is(err, strategy.ErrAlreadyInitialized) {
		e.logger.Error("策略初始化失败", zap.String("strategy", strategyName), zap.Error(err))
		e.skip(ctx, result, strategyName, "Strategy initialization failed: "+err.Error())
		return
	}

	decision, err := e.registry.Execute(ctx, e.cfg.UserID, strategyName, result, book)
	if err != nil {
		e.recordFailure(ctx, result, strategyName, "Strategy execution failed: "+err.Error(), start)
		return
	}
	if !decision.Actionable() {
		reason := decision.Reason
		if reason == "" {
			reason = "Strategy returned hold"
		}
		e.skip(ctx, result, strategyName, reason)
		return
	}

	e.execute(ctx, result, settings, strategyName, decision, start)
}

// execute 下单并记录成交轨迹。
func (e *Engine) execute(ctx context.Context, result research.Result, settings *store.Settings, strategyName string, decision strategy.Decision, start time.Time) {
	side := order.SideBuy
	if decision.Action == strategy.ActionSell {
		side = order.SideSell
	}
	quantity := decision.Quantity
	if quantity <= 0 {
		quantity = e.cfg.TradeSize
	}

	placed, err := e.orders.PlaceOrder(ctx, e.cfg.UserID, order.Request{
		Symbol:   e.cfg.Symbol,
		Side:     side,
		Type:     decision.OrderType,
		Quantity: quantity,
		Price:    decision.Price,
	})
	if err != nil {
		e.recordFailure(ctx, result, strategyName, "Order placement failed: "+err.Error(), start)
		return
	}

	latencyMs := float64(time.Since(start)) / float64(time.Millisecond)
	slippage := 0.0
	if decision.Price > 0 && placed.AvgPrice > 0 {
		slippage = math.Abs(placed.AvgPrice-decision.Price) / decision.Price
	}

	if err := e.risk.RecordTradeResult(ctx, e.cfg.UserID, 0, true); err != nil {
		e.logger.Warn("记录交易结果失败", zap.Error(err))
	}

	fillPrice := placed.AvgPrice
	if fillPrice == 0 {
		fillPrice = decision.Price
	}
	if _, err := e.store.SaveTrade(ctx, store.TradeRecord{
		UserID:   e.cfg.UserID,
		Symbol:   e.cfg.Symbol,
		Side:     string(side),
		Quantity: quantity,
		Price:    decision.Price,
		AvgPrice: fillPrice,
		Strategy: strategyName,
	}); err != nil {
		e.logger.Warn("保存成交记录失败", zap.Error(err))
	}
	if err := e.store.IncrementUserTrades(ctx, e.cfg.UserID); err != nil {
		e.logger.Warn("更新用户计数失败", zap.Error(err))
	}
	if err := e.store.IncrementGlobalTrades(ctx); err != nil {
		e.logger.Warn("更新全局计数失败", zap.Error(err))
	}
	if err := e.store.SaveExecutionLog(ctx, store.ExecutionLog{
		UserID:    e.cfg.UserID,
		Symbol:    e.cfg.Symbol,
		Action:    decision.Action,
		Reason:    decision.Reason,
		Accuracy:  result.Accuracy,
		LatencyMs: latencyMs,
		Slippage:  slippage,
		Strategy:  strategyName,
	}); err != nil {
		e.logger.Warn("保存执行日志失败", zap.Error(err))
	}

	e.metrics.RecordTrade(ctx, e.cfg.UserID, strategyName, true, latencyMs)
	e.sink.Broadcast(broadcast.Event{
		Type:      broadcast.EventExecution,
		UserID:    e.cfg.UserID,
		Symbol:    e.cfg.Symbol,
		Timestamp: time.Now(),
		Payload: map[string]interface{}{
			"action":     decision.Action,
			"order_id":   placed.ID,
			"quantity":   quantity,
			"price":      decision.Price,
			"avg_price":  placed.AvgPrice,
			"latency_ms": latencyMs,
			"slippage":   slippage,
			"strategy":   strategyName,
			"accuracy":   result.Accuracy,
		},
	})

	e.sink.Broadcast(broadcast.Event{
		Type:      broadcast.EventAdmin,
		UserID:    e.cfg.UserID,
		Symbol:    e.cfg.Symbol,
		Timestamp: time.Now(),
		Payload: map[string]interface{}{
			"message":  fmt.Sprintf("%s %s %.6f @ %.2f (%s)", decision.Action, e.cfg.Symbol, quantity, decision.Price, strategyName),
			"order_id": placed.ID,
		},
	})

	e.logger.Info("订单已提交",
		zap.String("order_id", placed.ID),
		zap.String("action", decision.Action),
		zap.Float64("quantity", quantity),
		zap.Float64("price", decision.Price),
		zap.Float64("latency_ms", latencyMs),
	)
}

// skip 记录一次 SKIPPED 决策并广播。
func (e *Engine) skip(ctx context.Context, result research.Result, strategyName, reason string) {
	e.logger.Debug("跳过执行", zap.String("reason", reason))

	if err := e.store.SaveExecutionLog(ctx, store.ExecutionLog{
		UserID:   e.cfg.UserID,
		Symbol:   e.cfg.Symbol,
		Action:   "SKIPPED",
		Reason:   reason,
		Accuracy: result.Accuracy,
		Strategy: strategyName,
	}); err != nil {
		e.logger.Warn("保存执行日志失败", zap.Error(err))
	}

	e.sink.Broadcast(broadcast.Event{
		Type:      broadcast.EventSkipped,
		UserID:    e.cfg.UserID,
		Symbol:    e.cfg.Symbol,
		Timestamp: time.Now(),
		Payload:   map[string]interface{}{"reason": reason, "accuracy": result.Accuracy},
	})
}

// recordFailure 在执行路径失败时记录失败结果，供连续失败熔断统计。
func (e *Engine) recordFailure(ctx context.Context, result research.Result, strategyName, reason string, start time.Time) {
	e.logger.Error("执行失败", zap.String("reason", reason))

	if err := e.risk.RecordTradeResult(ctx, e.cfg.UserID, 0, false); err != nil {
		e.logger.Warn("记录交易结果失败", zap.Error(err))
	}
	latencyMs := float64(time.Since(start)) / float64(time.Millisecond)
	e.metrics.RecordTrade(ctx, e.cfg.UserID, strategyName, false, latencyMs)
	e.skip(ctx, result, strategyName, reason)
}

// checkExits 为持仓退出监控：按止损、止盈、存活时间的优先级平仓。
// 订单协作方不具备持仓能力时静默跳过。
func (e *Engine) checkExits(ctx context.Context) {
	reader, hasReader := e.orders.(order.PositionReader)
	closer, hasCloser := e.orders.(order.PositionCloser)
	if !hasReader || !hasCloser {
		return
	}

	positions, err := reader.OpenPositions(ctx, e.cfg.UserID, e.cfg.Symbol)
	if err != nil {
		e.logger.Warn("查询持仓失败", zap.Error(err))
		return
	}
	if len(positions) == 0 {
		return
	}

	book, err := e.source.FetchOrderBook(ctx, e.cfg.Symbol, 5)
	if err != nil {
		e.logger.Warn("获取盘口失败，跳过退出检查", zap.Error(err))
		return
	}
	if book.Empty() {
		return
	}
	mid := book.Mid()
	now := time.Now()

	for _, pos := range positions {
		reason := exitReason(pos, mid, now)
		if reason == "" {
			continue
		}

		if err := closer.ClosePosition(ctx, e.cfg.UserID, e.cfg.Symbol, pos.ID); err != nil {
			e.logger.Warn("平仓失败",
				zap.String("position_id", pos.ID),
				zap.String("reason", reason),
				zap.Error(err),
			)
			continue
		}

		e.logger.Info("持仓已平仓",
			zap.String("position_id", pos.ID),
			zap.String("reason", reason),
			zap.Float64("mid", mid),
			zap.Float64("entry", pos.EntryPrice),
		)
		e.sink.Broadcast(broadcast.Event{
			Type:      broadcast.EventPositionClosed,
			UserID:    e.cfg.UserID,
			Symbol:    e.cfg.Symbol,
			Timestamp: time.Now(),
			Payload: map[string]interface{}{
				"position_id": pos.ID,
				"reason":      reason,
				"mid":         mid,
				"entry_price": pos.EntryPrice,
			},
		})
	}
}

// exitReason 按止损优先于止盈、止盈优先于存活时间的顺序判定退出原因。
func exitReason(pos order.Position, mid float64, now time.Time) string {
	long := pos.Side == order.SideBuy

	if pos.StopLoss > 0 {
		if (long && mid <= pos.StopLoss) || (!long && mid >= pos.StopLoss) {
			return "stop_loss"
		}
	}
	if pos.TakeProfit > 0 {
		if (long && mid >= pos.TakeProfit) || (!long && mid <= pos.TakeProfit) {
			return "take_profit"
		}
	}
	if pos.TimeToLive > 0 && !pos.OpenedAt.IsZero() && now.Sub(pos.OpenedAt) >= pos.TimeToLive {
		return "ttl_expired"
	}
	return ""
}
