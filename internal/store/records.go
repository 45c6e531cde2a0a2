package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetSettings 返回用户设置，不存在时返回 nil。
func (s *Store) GetSettings(ctx context.Context, userID string) (*Settings, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, status, COALESCE(status_reason, ''), balance, max_position,
		        per_trade_risk_pct, max_daily_loss_pct, max_drawdown_pct, min_accuracy,
		        auto_trade, strategy, updated_at
		 FROM user_settings WHERE user_id = ?`, userID)

	var (
		settings  Settings
		autoTrade int
		updatedAt string
	)
	err := row.Scan(&settings.UserID, &settings.Status, &settings.StatusReason,
		&settings.Balance, &settings.MaxPosition, &settings.PerTradeRiskPct,
		&settings.MaxDailyLossPct, &settings.MaxDrawdownPct, &settings.MinAccuracy,
		&autoTrade, &settings.Strategy, &updatedAt)
	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	default:
		return nil, fmt.Errorf("store: 查询用户设置失败: %w", err)
	}

	settings.AutoTrade = autoTrade == 1
	settings.UpdatedAt = parseTime(updatedAt)
	return &settings, nil
}

// SaveSettings 写入（或覆盖）用户设置。
func (s *Store) SaveSettings(ctx context.Context, settings Settings) error {
	if settings.UserID == "" {
		return errors.New("store: user_id 不能为空")
	}
	if settings.Status == "" {
		settings.Status = StatusActive
	}

	autoTrade := 0
	if settings.AutoTrade {
		autoTrade = 1
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_settings (user_id, status, status_reason, balance, max_position,
		        per_trade_risk_pct, max_daily_loss_pct, max_drawdown_pct, min_accuracy,
		        auto_trade, strategy, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		        status = excluded.status,
		        status_reason = excluded.status_reason,
		        balance = excluded.balance,
		        max_position = excluded.max_position,
		        per_trade_risk_pct = excluded.per_trade_risk_pct,
		        max_daily_loss_pct = excluded.max_daily_loss_pct,
		        max_drawdown_pct = excluded.max_drawdown_pct,
		        min_accuracy = excluded.min_accuracy,
		        auto_trade = excluded.auto_trade,
		        strategy = excluded.strategy,
		        updated_at = excluded.updated_at`,
		settings.UserID, string(settings.Status), settings.StatusReason, settings.Balance,
		settings.MaxPosition, settings.PerTradeRiskPct, settings.MaxDailyLossPct,
		settings.MaxDrawdownPct, settings.MinAccuracy, autoTrade, settings.Strategy,
		nowString())
	if err != nil {
		return fmt.Errorf("store: 保存用户设置失败: %w", err)
	}
	return nil
}

// UpdateStatus 更新用户交易状态。
func (s *Store) UpdateStatus(ctx context.Context, userID string, status Status, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_settings SET status = ?, status_reason = ?, updated_at = ? WHERE user_id = ?`,
		string(status), reason, nowString(), userID)
	if err != nil {
		return fmt.Errorf("store: 更新用户状态失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: 用户 %s 不存在", userID)
	}
	return nil
}

// UpdateBalance 更新用户余额。
func (s *Store) UpdateBalance(ctx context.Context, userID string, balance float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE user_settings SET balance = ?, updated_at = ? WHERE user_id = ?`,
		balance, nowString(), userID)
	if err != nil {
		return fmt.Errorf("store: 更新用户余额失败: %w", err)
	}
	return nil
}

// SaveTrade 持久化成交记录并返回自增ID。
func (s *Store) SaveTrade(ctx context.Context, trade TradeRecord) (int64, error) {
	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO trades (user_id, symbol, side, quantity, price, avg_price, strategy, pnl, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trade.UserID, trade.Symbol, trade.Side, trade.Quantity, trade.Price,
		trade.AvgPrice, trade.Strategy, trade.PnL, trade.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("store: 保存成交记录失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: 获取成交记录ID失败: %w", err)
	}
	return id, nil
}

// SaveExecutionLog 写入执行日志。
func (s *Store) SaveExecutionLog(ctx context.Context, entry ExecutionLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_logs (user_id, symbol, action, reason, accuracy, latency_ms, slippage, strategy, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.UserID, entry.Symbol, entry.Action, entry.Reason, entry.Accuracy,
		entry.LatencyMs, entry.Slippage, entry.Strategy, entry.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("store: 写入执行日志失败: %w", err)
	}
	return nil
}

// ListExecutionLogs 返回用户最近的执行日志。
func (s *Store) ListExecutionLogs(ctx context.Context, userID string, limit int) ([]ExecutionLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, symbol, action, COALESCE(reason, ''), COALESCE(accuracy, 0),
		        COALESCE(latency_ms, 0), COALESCE(slippage, 0), COALESCE(strategy, ''), created_at
		 FROM execution_logs WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: 查询执行日志失败: %w", err)
	}
	defer rows.Close()

	logs := make([]ExecutionLog, 0, limit)
	for rows.Next() {
		var (
			entry   ExecutionLog
			created string
		)
		if scanErr := rows.Scan(&entry.ID, &entry.UserID, &entry.Symbol, &entry.Action,
			&entry.Reason, &entry.Accuracy, &entry.LatencyMs, &entry.Slippage,
			&entry.Strategy, &created); scanErr != nil {
			return nil, fmt.Errorf("store: 解析执行日志失败: %w", scanErr)
		}
		entry.CreatedAt = parseTime(created)
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 读取执行日志失败: %w", err)
	}
	return logs, nil
}

// LogActivity 写入通用活动日志。
func (s *Store) LogActivity(ctx context.Context, userID, activityType, payload string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activity_log (user_id, activity_type, payload, created_at) VALUES (?, ?, ?, ?)`,
		userID, activityType, payload, nowString())
	if err != nil {
		return fmt.Errorf("store: 写入活动日志失败: %w", err)
	}
	return nil
}

// IncrementUserTrades 累加用户成交计数。
func (s *Store) IncrementUserTrades(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_stats (user_id, total_trades, updated_at) VALUES (?, 1, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		        total_trades = total_trades + 1,
		        updated_at = excluded.updated_at`,
		userID, nowString())
	if err != nil {
		return fmt.Errorf("store: 更新用户统计失败: %w", err)
	}
	return nil
}

// GetUserStats 返回用户统计，不存在时返回零值。
func (s *Store) GetUserStats(ctx context.Context, userID string) (UserStats, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, total_trades, updated_at FROM user_stats WHERE user_id = ?`, userID)

	var (
		stats   UserStats
		updated string
	)
	err := row.Scan(&stats.UserID, &stats.TotalTrades, &updated)
	switch {
	case err == nil:
		stats.UpdatedAt = parseTime(updated)
		return stats, nil
	case errors.Is(err, sql.ErrNoRows):
		return UserStats{UserID: userID}, nil
	default:
		return UserStats{}, fmt.Errorf("store: 查询用户统计失败: %w", err)
	}
}

// IncrementGlobalTrades 累加全局成交计数。
func (s *Store) IncrementGlobalTrades(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO global_stats (id, total_trades, updated_at) VALUES (1, 1, ?)
		 ON CONFLICT(id) DO UPDATE SET
		        total_trades = total_trades + 1,
		        updated_at = excluded.updated_at`,
		nowString())
	if err != nil {
		return fmt.Errorf("store: 更新全局统计失败: %w", err)
	}
	return nil
}

// GetGlobalStats 返回全局统计。
func (s *Store) GetGlobalStats(ctx context.Context) (GlobalStats, error) {
	row := s.db.QueryRowContext(ctx, `SELECT total_trades, updated_at FROM global_stats WHERE id = 1`)

	var (
		stats   GlobalStats
		updated string
	)
	err := row.Scan(&stats.TotalTrades, &updated)
	switch {
	case err == nil:
		stats.UpdatedAt = parseTime(updated)
		return stats, nil
	case errors.Is(err, sql.ErrNoRows):
		return GlobalStats{}, nil
	default:
		return GlobalStats{}, fmt.Errorf("store: 查询全局统计失败: %w", err)
	}
}

// SaveMetricSample 写入一条交易指标样本。
func (s *Store) SaveMetricSample(ctx context.Context, userID, strategy string, success bool, latencyMs float64) error {
	succ := 0
	if success {
		succ = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metric_samples (user_id, strategy, success, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		userID, strategy, succ, latencyMs, nowString())
	if err != nil {
		return fmt.Errorf("store: 写入指标样本失败: %w", err)
	}
	return nil
}

func nowString() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func parseTime(value string) time.Time {
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return ts
}
