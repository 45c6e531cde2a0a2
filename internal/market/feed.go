package market

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Feed 将推送行情收敛为"取最新快照"语义，报价决策只发生在调度循环内，
// 回调中不做任何交易动作。
type Feed struct {
	source Source
	symbol string
	depth  int
	logger *zap.Logger

	mu       sync.RWMutex
	latest   OrderBook
	hasPush  bool
	maxStale time.Duration
}

// NewFeed 创建行情快照源。
func NewFeed(source Source, symbol string, depth int, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	if depth <= 0 {
		depth = 5
	}
	return &Feed{
		source:   source,
		symbol:   symbol,
		depth:    depth,
		logger:   logger,
		maxStale: time.Second,
	}
}

// Start 在数据源支持推送时启动订阅消化协程，不支持时为空操作。
func (f *Feed) Start(ctx context.Context) error {
	sub, ok := f.source.(Subscriber)
	if !ok {
		return nil
	}

	ch, err := sub.SubscribeOrderBook(ctx, f.symbol)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.hasPush = true
	f.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case book, open := <-ch:
				if !open {
					f.mu.Lock()
					f.hasPush = false
					f.mu.Unlock()
					f.logger.Warn("行情订阅已关闭，退回主动拉取", zap.String("symbol", f.symbol))
					return
				}
				f.mu.Lock()
				f.latest = book
				f.mu.Unlock()
			}
		}
	}()

	return nil
}

// Snapshot 返回当前盘口：推送模式下取最近一次快照，否则主动拉取。
func (f *Feed) Snapshot(ctx context.Context) (OrderBook, error) {
	f.mu.RLock()
	latest := f.latest
	usePush := f.hasPush && !latest.Timestamp.IsZero() && time.Since(latest.Timestamp) <= f.maxStale
	f.mu.RUnlock()

	if usePush {
		return latest, nil
	}

	return f.source.FetchOrderBook(ctx, f.symbol, f.depth)
}
