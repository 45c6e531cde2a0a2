package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"autotrader/internal/config"
	"autotrader/internal/order"
	"autotrader/internal/store"
)

// userState 为单个用户的风控状态，仅由 Manager 持有与修改。
type userState struct {
	mu sync.Mutex

	dailyDate           string
	dailyLoss           float64
	dailyStartBalance   float64
	peakBalance         float64
	consecutiveFailures int
	lastFailureAt       time.Time
	paused              bool
	pauseReason         string
}

// Manager 持有按用户的风控状态，回答"这笔交易能否发生"并记录交易结果。
type Manager struct {
	cfg     config.RiskConfig
	store   *store.Store
	tracker *DailyTracker
	logger  *zap.Logger

	stopper   EngineStopper        // 组合期注入，可为空
	positions order.PositionReader // 可选能力，组合期注入

	mu     sync.Mutex
	states map[string]*userState

	now func() time.Time
}

// NewManager 创建风险管理器。
func NewManager(cfg config.RiskConfig, st *store.Store, logger *zap.Logger) (*Manager, error) {
	if st == nil {
		return nil, errors.New("risk: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	tracker, err := NewDailyTracker(st.DB(), logger)
	if err != nil {
		return nil, err
	}

	return &Manager{
		cfg:     cfg,
		store:   st,
		tracker: tracker,
		logger:  logger,
		states:  make(map[string]*userState),
		now:     time.Now,
	}, nil
}

// SetEngineStopper 注入引擎生命周期协作方。
func (m *Manager) SetEngineStopper(stopper EngineStopper) {
	m.stopper = stopper
}

// SetPositionReader 注入持仓查询能力，缺失时跳过仓位上限检查。
func (m *Manager) SetPositionReader(reader order.PositionReader) {
	m.positions = reader
}

func (m *Manager) state(userID string) *userState {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[userID]
	if !ok {
		st = &userState{}
		m.states[userID] = st
	}
	return st
}

// CanTrade 依次执行全部前置检查，第一条不通过的检查即为拒绝原因。
// settings 存储不可达时返回 error，调用方必须按拒绝处理。
func (m *Manager) CanTrade(ctx context.Context, req CheckRequest) (CheckResult, error) {
	if req.UserID == "" {
		return CheckResult{}, errors.New("risk: 缺少用户上下文")
	}

	settings, err := m.store.GetSettings(ctx, req.UserID)
	if err != nil {
		return CheckResult{}, err
	}
	if settings == nil {
		return CheckResult{}, fmt.Errorf("risk: 用户 %s 缺少交易设置", req.UserID)
	}

	st := m.state(req.UserID)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := m.now()
	m.rollDailyLocked(st, now, settings.Balance)

	// 1. 持久化状态为暂停。
	if settings.Status.Paused() {
		reason := settings.StatusReason
		if reason == "" {
			reason = fmt.Sprintf("Trading paused (%s)", settings.Status)
		}
		return CheckResult{Allowed: false, Reason: reason}, nil
	}

	// 2. 内存暂停标记：冷却期内直接拒绝，冷却结束自动清除。
	if st.paused {
		if now.Sub(st.lastFailureAt) < m.cfg.PauseCooldown {
			return CheckResult{Allowed: false, Reason: st.pauseReason}, nil
		}
		st.paused = false
		st.pauseReason = ""
	}

	// 3. 连续失败：冷却期内转入暂停，冷却结束清零后继续评估。
	if st.consecutiveFailures >= m.cfg.FailureThreshold {
		if now.Sub(st.lastFailureAt) < m.cfg.PauseCooldown {
			reason := fmt.Sprintf("Too many consecutive failures (%d), trading paused", st.consecutiveFailures)
			m.pauseLocked(ctx, req.UserID, st, now, reason)
			return CheckResult{Allowed: false, Reason: reason}, nil
		}
		st.consecutiveFailures = 0
	}

	// 4. 仓位上限。
	if m.positions != nil {
		current, posErr := m.currentPosition(ctx, req.UserID, req.Symbol)
		if posErr != nil {
			return CheckResult{}, posErr
		}
		if math.Abs(current+req.TradeSize) > settings.MaxPosition {
			return CheckResult{
				Allowed: false,
				Reason: fmt.Sprintf("Position limit exceeded: |%.6f + %.6f| > %.6f",
					current, req.TradeSize, settings.MaxPosition),
			}, nil
		}
	}

	// 5. 单笔风险。
	adverse := req.AdverseMove
	if adverse <= 0 {
		adverse = m.cfg.DefaultAdverseMove
	}
	var estimatedRisk float64
	if req.MidPrice > 0 {
		estimatedRisk = req.TradeSize * req.MidPrice * adverse
	} else {
		estimatedRisk = req.TradeSize * m.cfg.FlatRiskNotional
	}
	maxTradeRisk := settings.Balance * settings.PerTradeRiskPct / 100
	if estimatedRisk > maxTradeRisk {
		return CheckResult{
			Allowed: false,
			Reason: fmt.Sprintf("Trade risk %.2f exceeds per-trade limit %.2f",
				estimatedRisk, maxTradeRisk),
		}, nil
	}

	// 6. 当日亏损。
	maxDailyLoss := settings.Balance * settings.MaxDailyLossPct / 100
	if st.dailyLoss < -maxDailyLoss {
		reason := fmt.Sprintf("Daily loss limit exceeded: %.2f beyond limit %.2f",
			st.dailyLoss, maxDailyLoss)
		m.pauseLocked(ctx, req.UserID, st, now, reason)
		return CheckResult{Allowed: false, Reason: reason}, nil
	}

	// 7. 最大回撤。
	if st.peakBalance > 0 {
		drawdown := st.peakBalance - settings.Balance
		if drawdown > st.peakBalance*settings.MaxDrawdownPct/100 {
			reason := fmt.Sprintf("Max drawdown exceeded: %.2f from peak %.2f",
				drawdown, st.peakBalance)
			m.pauseLocked(ctx, req.UserID, st, now, reason)
			return CheckResult{Allowed: false, Reason: reason}, nil
		}
	}

	return CheckResult{Allowed: true}, nil
}

// RecordTradeResult 记录一笔交易的盈亏与成败，跨自然日时先结转日度状态。
func (m *Manager) RecordTradeResult(ctx context.Context, userID string, pnl float64, success bool) error {
	settings, err := m.store.GetSettings(ctx, userID)
	if err != nil {
		return err
	}
	if settings == nil {
		return fmt.Errorf("risk: 用户 %s 缺少交易设置", userID)
	}

	st := m.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := m.now()
	m.rollDailyLocked(st, now, settings.Balance)

	st.dailyLoss += pnl

	newBalance := settings.Balance + pnl
	if err := m.store.UpdateBalance(ctx, userID, newBalance); err != nil {
		m.logger.Warn("更新用户余额失败", zap.String("user", userID), zap.Error(err))
	}
	if newBalance > st.peakBalance {
		st.peakBalance = newBalance
	}

	if success {
		st.consecutiveFailures = 0
	} else {
		st.consecutiveFailures++
		st.lastFailureAt = now
	}

	m.tracker.Update(ctx, userID, st.dailyDate, st.dailyStartBalance, st.dailyLoss, st.peakBalance)

	m.logger.Info("记录交易结果",
		zap.String("user", userID),
		zap.Float64("pnl", pnl),
		zap.Bool("success", success),
		zap.Float64("daily_loss", st.dailyLoss),
		zap.Int("consecutive_failures", st.consecutiveFailures),
	)

	return nil
}

// PauseEngine 手动暂停用户交易并停止其引擎。
func (m *Manager) PauseEngine(ctx context.Context, userID, reason string) error {
	st := m.state(userID)
	st.mu.Lock()
	st.paused = true
	st.pauseReason = reason
	st.lastFailureAt = m.now()
	st.mu.Unlock()

	if err := m.store.UpdateStatus(ctx, userID, store.StatusPausedUser, reason); err != nil {
		return err
	}

	m.tracker.LogEvent(ctx, userID, "pause", reason)
	m.stopEngines(userID)

	m.logger.Warn("用户交易已暂停", zap.String("user", userID), zap.String("reason", reason))
	return nil
}

// ResumeEngine 清除暂停标记并恢复持久化状态。
func (m *Manager) ResumeEngine(ctx context.Context, userID string) error {
	st := m.state(userID)
	st.mu.Lock()
	st.paused = false
	st.pauseReason = ""
	st.consecutiveFailures = 0
	st.mu.Unlock()

	if err := m.store.UpdateStatus(ctx, userID, store.StatusActive, ""); err != nil {
		return err
	}

	m.tracker.LogEvent(ctx, userID, "resume", "")

	m.logger.Info("用户交易已恢复", zap.String("user", userID))
	return nil
}

// GetState 返回用户风控状态快照。
func (m *Manager) GetState(userID string) StateSnapshot {
	st := m.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	return StateSnapshot{
		UserID:              userID,
		DailyLoss:           st.dailyLoss,
		DailyStartBalance:   st.dailyStartBalance,
		PeakBalance:         st.peakBalance,
		ConsecutiveFailures: st.consecutiveFailures,
		LastFailureAt:       st.lastFailureAt,
		Paused:              st.paused,
		PauseReason:         st.pauseReason,
	}
}

// pauseLocked 把用户转入风控暂停：更新内存标记、持久化状态并停止引擎。
// 调用方必须已持有 st.mu。
func (m *Manager) pauseLocked(ctx context.Context, userID string, st *userState, now time.Time, reason string) {
	st.paused = true
	st.pauseReason = reason
	if st.lastFailureAt.IsZero() {
		st.lastFailureAt = now
	}

	if err := m.store.UpdateStatus(ctx, userID, store.StatusPausedRisk, reason); err != nil {
		m.logger.Error("持久化风控暂停状态失败", zap.String("user", userID), zap.Error(err))
	}
	m.tracker.LogEvent(ctx, userID, "risk_pause", reason)
	m.stopEngines(userID)

	m.logger.Warn("风控触发暂停", zap.String("user", userID), zap.String("reason", reason))
}

// stopEngines 异步停止用户引擎。引擎的调度循环可能正阻塞在 CanTrade 上，
// 同步停止会互相等待。
func (m *Manager) stopEngines(userID string) {
	if m.stopper == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.stopper.StopEngines(ctx, userID); err != nil {
			m.logger.Warn("停止用户引擎失败", zap.String("user", userID), zap.Error(err))
		}
	}()
}

// rollDailyLocked 在自然日切换时结转日度状态。调用方必须已持有 st.mu。
func (m *Manager) rollDailyLocked(st *userState, now time.Time, balance float64) {
	date := now.Format("2006-01-02")
	if st.dailyDate == date {
		return
	}

	st.dailyDate = date
	st.dailyLoss = 0
	st.dailyStartBalance = balance
	if balance > st.peakBalance {
		st.peakBalance = balance
	}
}

// currentPosition 汇总该交易对的带符号净持仓。
func (m *Manager) currentPosition(ctx context.Context, userID, symbol string) (float64, error) {
	positions, err := m.positions.OpenPositions(ctx, userID, symbol)
	if err != nil {
		return 0, fmt.Errorf("risk: 查询持仓失败: %w", err)
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
