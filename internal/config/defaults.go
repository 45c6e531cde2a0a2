package config

import "time"

// 报价与执行引擎的策略常量，保留为可配置项而非硬编码。
const (
	defaultQuoteLoopInterval   = 100 * time.Millisecond
	defaultQuoteCancelInterval = 5 * time.Second
	defaultQuoteErrorBackoff   = time.Second
	defaultInsideSpreadRatio   = 0.5

	defaultAccuracyInterval   = time.Minute
	defaultExitCheckInterval  = 2 * time.Second
	defaultAssumedAdverseMove = 0.01
)
