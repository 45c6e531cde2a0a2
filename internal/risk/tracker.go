package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DailyTracker 把日度风控状态与风控事件落盘，供复盘与重启后审计。
type DailyTracker struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDailyTracker 创建日度追踪器并初始化表结构。
func NewDailyTracker(db *sql.DB, logger *zap.Logger) (*DailyTracker, error) {
	if db == nil {
		return nil, errors.New("risk: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	tracker := &DailyTracker{
		db:     db,
		logger: logger,
	}

	if err := tracker.initSchema(); err != nil {
		return nil, err
	}

	return tracker, nil
}

func (t *DailyTracker) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS risk_daily_metrics (
			user_id TEXT NOT NULL,
			trading_date TEXT NOT NULL,
			start_balance REAL NOT NULL,
			daily_loss REAL NOT NULL,
			peak_balance REAL NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (user_id, trading_date)
		);`,
		`CREATE TABLE IF NOT EXISTS risk_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			occurred_at TEXT NOT NULL,
			event_type TEXT NOT NULL,
			message TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_risk_events_user ON risk_events(user_id);`,
	}

	for _, stmt := range schema {
		if _, err := t.db.Exec(stmt); err != nil {
			return fmt.Errorf("risk: 初始化表结构失败: %w", err)
		}
	}

	return nil
}

// Update 落盘当日风控指标，失败只记录日志。
func (t *DailyTracker) Update(ctx context.Context, userID, tradingDate string, startBalance, dailyLoss, peakBalance float64) {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO risk_daily_metrics (user_id, trading_date, start_balance, daily_loss, peak_balance, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, trading_date) DO UPDATE SET
		        daily_loss = excluded.daily_loss,
		        peak_balance = excluded.peak_balance,
		        updated_at = excluded.updated_at`,
		userID, tradingDate, startBalance, dailyLoss, peakBalance,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		t.logger.Warn("落盘日度风控指标失败",
			zap.String("user", userID),
			zap.String("trading_date", tradingDate),
			zap.Error(err),
		)
	}
}

// LogEvent 记录风控事件，失败只记录日志。
func (t *DailyTracker) LogEvent(ctx context.Context, userID, eventType, message string) {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO risk_events (user_id, occurred_at, event_type, message) VALUES (?, ?, ?, ?)`,
		userID, time.Now().UTC().Format(time.RFC3339), eventType, message)
	if err != nil {
		t.logger.Warn("记录风控事件失败",
			zap.String("user", userID),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}
