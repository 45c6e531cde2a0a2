package research

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"autotrader/internal/indicator"
	"autotrader/internal/market"
)

const (
	researchTimeframe   = "1h"
	researchCandleLimit = 120
	researchBookDepth   = 20
)

// Service 驱动单标的的研究流程：拉取行情、计算指标、产出信号与置信度。
// 配置了 OpenAI 时由模型打分，否则使用本地指标打分。
type Service struct {
	candles market.CandleSource
	books   market.Source
	calc    *indicator.Calculator
	scorer  *OpenAIScorer // 可为空
	logger  *zap.Logger
}

// NewService 创建研究服务。
func NewService(candles market.CandleSource, books market.Source, scorer *OpenAIScorer, logger *zap.Logger) (*Service, error) {
	if candles == nil {
		return nil, errors.New("research: candle source 不能为空")
	}
	if books == nil {
		return nil, errors.New("research: order book source 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		candles: candles,
		books:   books,
		calc:    indicator.NewCalculator(),
		scorer:  scorer,
		logger:  logger,
	}, nil
}

// Research 执行一次研究，实现 Researcher。
func (s *Service) Research(ctx context.Context, symbol string) (Result, error) {
	var (
		candles []market.Candle
		book    market.OrderBook
	)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		data, err := s.candles.FetchCandles(groupCtx, symbol, researchTimeframe, researchCandleLimit)
		if err != nil {
			return err
		}
		candles = data
		return nil
	})

	group.Go(func() error {
		data, err := s.books.FetchOrderBook(groupCtx, symbol, researchBookDepth)
		if err != nil {
			return err
		}
		book = data
		return nil
	})

	if err := group.Wait(); err != nil {
		return Result{}, err
	}

	features, err := s.calc.Compute(candles)
	if err != nil {
		return Result{}, err
	}

	if s.scorer != nil {
		result, err := s.scorer.Score(ctx, symbol, features, book)
		if err == nil {
			result.Features = features
			result.GeneratedAt = time.Now().UTC()
			return result, nil
		}
		s.logger.Warn("模型打分失败，退回本地指标打分", zap.String("symbol", symbol), zap.Error(err))
	}

	result := localScore(symbol, features)
	result.GeneratedAt = time.Now().UTC()
	return result, nil
}

// localScore 以指标组合给出信号与置信度，特征与原 ML 服务一致：
// RSI 超买超卖、EMA 快慢线关系、MACD 柱状图动量。
func localScore(symbol string, f indicator.Result) Result {
	score := 0.0

	switch {
	case f.RSI < 30:
		score += 0.4
	case f.RSI > 70:
		score -= 0.4
	}

	if f.EMAFast > f.EMASlow {
		score += 0.3
	} else if f.EMAFast < f.EMASlow {
		score -= 0.3
	}

	if f.MACD.Histogram > 0 && f.MACD.Histogram > f.MACD.PrevHistogram {
		score += 0.3
	} else if f.MACD.Histogram < 0 && f.MACD.Histogram < f.MACD.PrevHistogram {
		score -= 0.3
	}

	signal := SignalHold
	if score >= 0.3 {
		signal = SignalBuy
	} else if score <= -0.3 {
		signal = SignalSell
	}

	accuracy := math.Min(1, 0.5+math.Abs(score)/2)

	action := "WAIT"
	switch signal {
	case SignalBuy:
		action = "OPEN_LONG"
	case SignalSell:
		action = "OPEN_SHORT"
	}

	return Result{
		Symbol:            symbol,
		Signal:            signal,
		Accuracy:          accuracy,
		RecommendedAction: action,
	}
}
