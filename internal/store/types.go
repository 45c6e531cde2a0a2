package store

import "time"

// Status 表示用户交易状态。
type Status string

const (
	StatusActive      Status = "active"
	StatusPausedUser  Status = "paused_manual"
	StatusPausedRisk  Status = "paused_risk"
)

// Paused 判断状态是否属于暂停。
func (s Status) Paused() bool {
	return s == StatusPausedUser || s == StatusPausedRisk
}

// Settings 为单个用户的交易与风控设置。
type Settings struct {
	UserID          string
	Status          Status
	StatusReason    string
	Balance         float64
	MaxPosition     float64
	PerTradeRiskPct float64
	MaxDailyLossPct float64
	MaxDrawdownPct  float64
	MinAccuracy     float64
	AutoTrade       bool
	Strategy        string
	UpdatedAt       time.Time
}

// TradeRecord 为一笔成交的持久化记录。
type TradeRecord struct {
	ID        int64
	UserID    string
	Symbol    string
	Side      string
	Quantity  float64
	Price     float64
	AvgPrice  float64
	Strategy  string
	PnL       float64
	CreatedAt time.Time
}

// ExecutionLog 记录一次执行决策的完整轨迹。
type ExecutionLog struct {
	ID        int64
	UserID    string
	Symbol    string
	Action    string // BUY | SELL | SKIPPED
	Reason    string
	Accuracy  float64
	LatencyMs float64
	Slippage  float64
	Strategy  string
	CreatedAt time.Time
}

// UserStats 为用户维度计数。
type UserStats struct {
	UserID      string
	TotalTrades int64
	UpdatedAt   time.Time
}

// GlobalStats 为全局计数。
type GlobalStats struct {
	TotalTrades int64
	UpdatedAt   time.Time
}
