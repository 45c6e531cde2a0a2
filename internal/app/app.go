package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"autotrader/internal/broadcast"
	"autotrader/internal/config"
	"autotrader/internal/exchange"
	"autotrader/internal/market"
	"autotrader/internal/metrics"
	"autotrader/internal/monitor"
	"autotrader/internal/orchestrator"
	"autotrader/internal/order"
	"autotrader/internal/quote"
	"autotrader/internal/research"
	"autotrader/internal/risk"
	"autotrader/internal/store"
	"autotrader/internal/strategy"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store

	hub      *broadcast.Hub
	monitor  *monitor.Service
	sink     broadcast.Sink
	riskMgr  *risk.Manager
	registry *strategy.Registry
	recorder metrics.Recorder
	scorer   *research.OpenAIScorer

	mu      sync.Mutex
	runners map[string]*userRunner
}

// userRunner 持有单个用户的全部运行时组件。
type userRunner struct {
	userID       string
	symbol       string
	client       *exchange.Client
	feed         *market.Feed
	quote        *quote.Engine
	orchestrator *orchestrator.Engine
}

// New 创建 App 实例并组装共享组件。
func New(cfg *config.Config, logger *zap.Logger, st *store.Store) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	hub := broadcast.NewHub(logger)

	monitorSvc, err := monitor.NewService(st, logger)
	if err != nil {
		return nil, err
	}

	riskMgr, err := risk.NewManager(cfg.Risk, st, logger)
	if err != nil {
		return nil, err
	}

	scorer, err := research.NewOpenAIScorer(cfg.OpenAI, logger)
	if err != nil {
		return nil, err
	}

	app := &App{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		hub:      hub,
		monitor:  monitorSvc,
		sink:     broadcast.MultiSink{hub, monitorSvc},
		riskMgr:  riskMgr,
		registry: strategy.NewRegistry(logger),
		recorder: metrics.NewStoreRecorder(st, logger),
		scorer:   scorer,
		runners:  make(map[string]*userRunner),
	}

	riskMgr.SetEngineStopper(app)
	riskMgr.SetPositionReader(app)

	return app, nil
}

// Run 启动所有用户引擎并阻塞到收到退出信号。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("exchange", a.cfg.Exchange.Name),
		zap.Int("users", len(a.cfg.Users)),
	)

	for i := range a.cfg.Users {
		if err := a.startUser(ctx, a.cfg.Users[i]); err != nil {
			a.stopAll()
			return fmt.Errorf("app: 启动用户 %s 失败: %w", a.cfg.Users[i].ID, err)
		}
	}

	if a.cfg.Monitor.Enabled {
		if err := a.startMonitorServer(ctx); err != nil {
			a.stopAll()
			return err
		}
	}

	<-ctx.Done()

	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		a.stopAll()
		return fmt.Errorf("app: 系统异常退出: %w", err)
	}

	a.logger.Info("系统收到退出信号，正在停止")
	a.stopAll()
	a.hub.Close()
	return nil
}

// startUser 组装并启动单个用户的引擎。
func (a *App) startUser(ctx context.Context, user config.UserConfig) error {
	if err := a.seedSettings(ctx, user); err != nil {
		return err
	}

	client, err := exchange.NewClient(a.cfg.Exchange, user.ID, a.logger)
	if err != nil {
		return err
	}

	feed := market.NewFeed(client, user.Symbol, 20, a.logger)
	if err := feed.Start(ctx); err != nil {
		a.logger.Warn("行情订阅启动失败，退回主动拉取",
			zap.String("user", user.ID), zap.Error(err))
	}

	runner := &userRunner{userID: user.ID, symbol: user.Symbol, client: client, feed: feed}

	if user.Quote.Enabled {
		engine, err := quote.NewEngine(quote.Config{
			UserID:            user.ID,
			Symbol:            user.Symbol,
			QuoteSize:         user.Quote.QuoteSize,
			AdverseMovePct:    user.Quote.AdverseMovePct,
			MaxPositionSize:   user.Quote.MaxPositionSize,
			InsideSpreadRatio: user.Quote.InsideSpreadRatio,
			CancelInterval:    user.Quote.CancelInterval,
			LoopInterval:      user.Quote.LoopInterval,
			ErrorBackoff:      user.Quote.ErrorBackoff,
		}, a.riskMgr, feed, client, a.sink, a.logger)
		if err != nil {
			return err
		}
		engine.SetPositionReader(client)
		runner.quote = engine
	}

	if user.Accuracy.Enabled {
		researcher, err := research.NewService(client, client, a.scorer, a.logger)
		if err != nil {
			return err
		}

		engine, err := orchestrator.NewEngine(orchestrator.Config{
			UserID:             user.ID,
			Symbol:             user.Symbol,
			TradeSize:          user.Accuracy.TradeSize,
			AssumedAdverseMove: user.Accuracy.AssumedAdverseMove,
			Interval:           user.Accuracy.Interval,
			ExitCheckInterval:  user.Accuracy.ExitCheckInterval,
		}, researcher, a.store, a.riskMgr, a.registry, client, client, a.sink, a.recorder, a.logger)
		if err != nil {
			return err
		}
		runner.orchestrator = engine
	}

	a.mu.Lock()
	a.runners[user.ID] = runner
	a.mu.Unlock()

	if runner.quote != nil {
		if err := runner.quote.Start(ctx); err != nil {
			return err
		}
	}
	if runner.orchestrator != nil {
		if err := runner.orchestrator.Start(ctx); err != nil {
			if runner.quote != nil {
				runner.quote.Stop()
			}
			return err
		}
	}

	if err := a.store.LogActivity(ctx, user.ID, "engines_started", user.Symbol); err != nil {
		a.logger.Warn("写入活动日志失败", zap.String("user", user.ID), zap.Error(err))
	}

	a.logger.Info("用户引擎已启动",
		zap.String("user", user.ID),
		zap.String("symbol", user.Symbol),
		zap.Bool("quote", runner.quote != nil),
		zap.Bool("orchestrator", runner.orchestrator != nil),
	)
	return nil
}

// seedSettings 在用户首次出现时用配置初始化其风控设置，已有设置不覆盖。
func (a *App) seedSettings(ctx context.Context, user config.UserConfig) error {
	existing, err := a.store.GetSettings(ctx, user.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	return a.store.SaveSettings(ctx, store.Settings{
		UserID:          user.ID,
		Status:          store.StatusActive,
		Balance:         user.InitialBalance,
		MaxPosition:     user.MaxPosition,
		PerTradeRiskPct: user.PerTradeRiskPct,
		MaxDailyLossPct: user.MaxDailyLossPct,
		MaxDrawdownPct:  user.MaxDrawdownPct,
		MinAccuracy:     user.MinAccuracy,
		AutoTrade:       user.AutoTrade,
		Strategy:        user.Strategy,
	})
}

// StopEngines 实现 risk.EngineStopper：停止指定用户的全部引擎。
func (a *App) StopEngines(_ context.Context, userID string) error {
	a.mu.Lock()
	runner, ok := a.runners[userID]
	a.mu.Unlock()

	if !ok {
		return fmt.Errorf("app: 未知用户 %s", userID)
	}

	if runner.quote != nil {
		runner.quote.Stop()
	}
	if runner.orchestrator != nil {
		runner.orchestrator.Stop()
	}

	a.logger.Warn("用户引擎已停止", zap.String("user", userID))
	return nil
}

// OpenPositions 实现 order.PositionReader：按用户路由到对应的交易所客户端。
func (a *App) OpenPositions(ctx context.Context, userID, symbol string) ([]order.Position, error) {
	a.mu.Lock()
	runner, ok := a.runners[userID]
	a.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("app: 未知用户 %s", userID)
	}
	return runner.client.OpenPositions(ctx, userID, symbol)
}

func (a *App) stopAll() {
	a.mu.Lock()
	runners := make([]*userRunner, 0, len(a.runners))
	for _, runner := range a.runners {
		runners = append(runners, runner)
	}
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, runner := range runners {
		if runner.quote != nil {
			runner.quote.Stop()
		}
		if runner.orchestrator != nil {
			runner.orchestrator.Stop()
		}
		if err := a.store.LogActivity(ctx, runner.userID, "engines_stopped", runner.symbol); err != nil {
			a.logger.Warn("写入活动日志失败", zap.String("user", runner.userID), zap.Error(err))
		}
	}
}
