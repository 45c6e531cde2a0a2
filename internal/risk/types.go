package risk

import (
	"context"
	"time"
)

// CheckRequest 为一次交易前置检查的输入。
type CheckRequest struct {
	UserID      string
	Symbol      string
	TradeSize   float64
	MidPrice    float64 // 0 表示无可用价格，按固定名义金额估算风险
	AdverseMove float64 // 0 表示使用默认逆向波动假设
}

// CheckResult 为检查结论。业务拒绝通过 Reason 表达，不走 error。
type CheckResult struct {
	Allowed bool
	Reason  string
}

// StateSnapshot 为用户风控状态的只读副本。
type StateSnapshot struct {
	UserID              string
	DailyLoss           float64
	DailyStartBalance   float64
	PeakBalance         float64
	ConsecutiveFailures int
	LastFailureAt       time.Time
	Paused              bool
	PauseReason         string
}

// EngineStopper 为引擎生命周期协作方：风控触发暂停时停止该用户的全部引擎。
type EngineStopper interface {
	StopEngines(ctx context.Context, userID string) error
}
