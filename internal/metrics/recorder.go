package metrics

import (
	"context"

	"go.uber.org/zap"

	"autotrader/internal/store"
)

// Recorder 为交易指标接收方。
type Recorder interface {
	RecordTrade(ctx context.Context, userID, strategy string, success bool, latencyMs float64)
}

// NopRecorder 丢弃所有样本。
type NopRecorder struct{}

// RecordTrade 实现 Recorder。
func (NopRecorder) RecordTrade(context.Context, string, string, bool, float64) {}

// StoreRecorder 将样本写入 SQLite 并记录结构化日志。
type StoreRecorder struct {
	store  *store.Store
	logger *zap.Logger
}

// NewStoreRecorder 创建存储型指标记录器。
func NewStoreRecorder(st *store.Store, logger *zap.Logger) *StoreRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreRecorder{store: st, logger: logger}
}

// RecordTrade 实现 Recorder，失败只记录日志。
func (r *StoreRecorder) RecordTrade(ctx context.Context, userID, strategy string, success bool, latencyMs float64) {
	if err := r.store.SaveMetricSample(ctx, userID, strategy, success, latencyMs); err != nil {
		r.logger.Warn("写入指标样本失败",
			zap.String("user", userID),
			zap.String("strategy", strategy),
			zap.Error(err),
		)
		return
	}

	r.logger.Debug("记录交易指标",
		zap.String("user", userID),
		zap.String("strategy", strategy),
		zap.Bool("success", success),
		zap.Float64("latency_ms", latencyMs),
	)
}
