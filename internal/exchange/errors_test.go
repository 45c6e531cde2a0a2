package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

func TestIsRetryableTransientErrors(t *testing.T) {
	retryable := []ccxt.ErrorType{
		ccxt.NetworkErrorErrType,
		ccxt.RequestTimeoutErrType,
		ccxt.RateLimitExceededErrType,
		ccxt.ExchangeNotAvailableErrType,
	}
	for _, errType := range retryable {
		err := fmt.Errorf("exchange: 调用失败: %w", &ccxt.Error{Type: errType, Message: "boom"})
		if !IsRetryable(err) {
			t.Errorf("%s 应可重试", errType)
		}
	}

	if !IsRetryable(&net.DNSError{IsTimeout: true}) {
		t.Error("网络层错误应可重试")
	}
}

func TestIsRetryableRejectsBusinessErrors(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("nil 不应可重试")
	}
	if IsRetryable(context.Canceled) {
		t.Error("上下文取消不应重试")
	}
	if IsRetryable(context.DeadlineExceeded) {
		t.Error("上下文超时不应重试")
	}
	if IsRetryable(&ccxt.Error{Type: ccxt.InsufficientFundsErrType, Message: "balance too low"}) {
		t.Error("资金不足不应重试")
	}
	if IsRetryable(fmt.Errorf("%w: scheduled", ErrMaintenance)) {
		t.Error("维护状态不应重试")
	}
}

func TestNormalizeMaintenance(t *testing.T) {
	raw := fmt.Errorf("exchange: 调用失败: %w",
		&ccxt.Error{Type: ccxt.OnMaintenanceErrType, Message: "scheduled upgrade"})

	normalized, hit := normalizeMaintenance(raw)
	if !hit {
		t.Fatal("维护错误应被归一化")
	}
	if !errors.Is(normalized, ErrMaintenance) {
		t.Fatalf("归一化结果应匹配 ErrMaintenance 哨兵, got %v", normalized)
	}

	other := &ccxt.Error{Type: ccxt.NetworkErrorErrType, Message: "reset"}
	if passthrough, hit := normalizeMaintenance(other); hit || passthrough != error(other) {
		t.Fatalf("非维护错误应原样返回, got %v (hit=%v)", passthrough, hit)
	}
}
