package research

import (
	"context"
	"time"

	"autotrader/internal/indicator"
)

// Signal 表示研究给出的方向信号。
type Signal string

const (
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
	SignalHold Signal = "HOLD"
)

// Result 为一次研究的输出。
type Result struct {
	Symbol            string           `json:"symbol"`
	Signal            Signal           `json:"signal"`
	Accuracy          float64          `json:"accuracy"` // [0,1]
	RecommendedAction string           `json:"recommended_action"`
	Features          indicator.Result `json:"features"`
	GeneratedAt       time.Time        `json:"generated_at"`
}

// Researcher 为研究服务接口。
type Researcher interface {
	Research(ctx context.Context, symbol string) (Result, error)
}
