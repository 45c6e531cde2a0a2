package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"autotrader/internal/config"
	"autotrader/internal/indicator"
	"autotrader/internal/market"
)

// OpenAIScorer 调用大模型对指标特征打分。
type OpenAIScorer struct {
	cfg    config.OpenAIConfig
	logger *zap.Logger
	sdk    *openai.Client
}

// NewOpenAIScorer 使用给定配置创建打分器，api_key 为空时返回 nil。
func NewOpenAIScorer(cfg config.OpenAIConfig, logger *zap.Logger) (*OpenAIScorer, error) {
	if cfg.APIKey == "" {
		return nil, nil
	}
	if cfg.Model == "" {
		return nil, errors.New("openai model 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{
		Timeout: cfg.Timeout + 5*time.Second,
	}

	return &OpenAIScorer{
		cfg:    cfg,
		logger: logger,
		sdk:    openai.NewClientWithConfig(clientCfg),
	}, nil
}

type scorerReply struct {
	Signal            string  `json:"signal"`
	Accuracy          float64 `json:"accuracy"`
	RecommendedAction string  `json:"recommended_action"`
}

// Score 请求模型给出信号与置信度。
func (s *OpenAIScorer) Score(ctx context.Context, symbol string, features indicator.Result, book market.OrderBook) (Result, error) {
	prompt := buildPrompt(symbol, features, book)

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	response, err := s.sdk.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model: s.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Temperature: 0,
	})
	if err != nil {
		return Result{}, fmt.Errorf("调用OpenAI失败: %w", err)
	}
	if len(response.Choices) == 0 {
		return Result{}, errors.New("OpenAI 响应为空")
	}

	content := strings.TrimSpace(response.Choices[0].Message.Content)
	payload := extractJSON(content)

	var reply scorerReply
	if err := json.Unmarshal([]byte(payload), &reply); err != nil {
		return Result{}, fmt.Errorf("解析模型响应失败: %w", err)
	}

	signal := Signal(strings.ToUpper(strings.TrimSpace(reply.Signal)))
	switch signal {
	case SignalBuy, SignalSell, SignalHold:
	default:
		return Result{}, fmt.Errorf("模型信号取值非法: %s", reply.Signal)
	}
	if reply.Accuracy < 0 || reply.Accuracy > 1 {
		return Result{}, fmt.Errorf("模型置信度越界: %f", reply.Accuracy)
	}

	return Result{
		Symbol:            symbol,
		Signal:            signal,
		Accuracy:          reply.Accuracy,
		RecommendedAction: reply.RecommendedAction,
	}, nil
}

func buildPrompt(symbol string, f indicator.Result, book market.OrderBook) string {
	var b strings.Builder
	b.WriteString("You are a quantitative trading researcher. ")
	b.WriteString("Given the indicators below, respond with a single JSON object only:\n")
	b.WriteString(`{"signal":"BUY|SELL|HOLD","accuracy":0.0,"recommended_action":"..."}` + "\n\n")
	fmt.Fprintf(&b, "symbol: %s\n", symbol)
	fmt.Fprintf(&b, "close: %.6f (prev %.6f)\n", f.Close, f.PreviousClose)
	fmt.Fprintf(&b, "rsi14: %.2f\n", f.RSI)
	fmt.Fprintf(&b, "ema12: %.6f ema26: %.6f\n", f.EMAFast, f.EMASlow)
	fmt.Fprintf(&b, "macd_hist: %.6f (prev %.6f)\n", f.MACD.Histogram, f.MACD.PrevHistogram)
	fmt.Fprintf(&b, "atr_relative: %.6f\n", f.ATR.Relative)
	if !book.Empty() {
		fmt.Fprintf(&b, "best_bid: %.6f best_ask: %.6f mid: %.6f\n", book.BestBid(), book.BestAsk(), book.Mid())
	}
	b.WriteString("\naccuracy is the probability in [0,1] that the signal is correct.")
	return b.String()
}

// extractJSON 裁剪模型回复中可能附带的围栏或说明文字。
func extractJSON(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		return content[start : end+1]
	}
	return content
}
