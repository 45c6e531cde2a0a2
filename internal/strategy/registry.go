package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"autotrader/internal/market"
	"autotrader/internal/order"
	"autotrader/internal/research"
)

var (
	// ErrAlreadyInitialized 表示该用户的策略实例已存在，调用方可安全忽略。
	ErrAlreadyInitialized = errors.New("strategy: already initialized")
	// ErrUnknownStrategy 表示策略名称未注册。
	ErrUnknownStrategy = errors.New("strategy: unknown strategy")
	// ErrNotInitialized 表示执行前未完成初始化。
	ErrNotInitialized = errors.New("strategy: not initialized")
)

// Registry 管理策略工厂与按用户的策略实例。
type Registry struct {
	logger *zap.Logger

	mu        sync.RWMutex
	factories map[string]Factory
	instances map[string]Strategy // key: userID + "/" + name
}

// NewRegistry 创建策略注册表并注册内置策略。
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Registry{
		logger:    logger,
		factories: make(map[string]Factory),
		instances: make(map[string]Strategy),
	}

	r.Register("signal_follow", NewSignalFollow)
	r.Register("contrarian", NewContrarian)

	return r
}

// Register 注册策略工厂，重复注册以后者为准。
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Initialize 为用户创建策略实例。重复初始化返回 ErrAlreadyInitialized。
func (r *Registry) Initialize(userID, name string, cfg Config, source market.Source, placer order.Placer) error {
	if userID == "" {
		return errors.New("strategy: userID 不能为空")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := instanceKey(userID, name)
	if _, ok := r.instances[key]; ok {
		return ErrAlreadyInitialized
	}

	factory, ok := r.factories[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}

	instance, err := factory(cfg, source, placer)
	if err != nil {
		return fmt.Errorf("strategy: 初始化 %s 失败: %w", name, err)
	}

	r.instances[key] = instance
	r.logger.Info("策略已初始化", zap.String("user", userID), zap.String("strategy", name))
	return nil
}

// Execute 调用用户的策略实例产出决策。
func (r *Registry) Execute(ctx context.Context, userID, name string, result research.Result, book market.OrderBook) (Decision, error) {
	r.mu.RLock()
	instance, ok := r.instances[instanceKey(userID, name)]
	r.mu.RUnlock()

	if !ok {
		return Decision{}, fmt.Errorf("%w: %s/%s", ErrNotInitialized, userID, name)
	}

	return instance.Execute(ctx, result, book)
}

func instanceKey(userID, name string) string {
	return userID + "/" + name
}
