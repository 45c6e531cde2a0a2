package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

// ErrMaintenance 表示交易所处于维护状态。报价与编排引擎收到该哨兵后
// 跳过当前周期，不计入重试预算。
var ErrMaintenance = errors.New("exchange on maintenance")

// IsRetryable 判断错误是否值得重试。瞬时网络故障、限流与坏响应可重试；
// 上下文取消、维护状态与业务性拒绝不可重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrMaintenance) {
		return false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// normalizeMaintenance 将 ccxt 的维护错误归一化为 ErrMaintenance 哨兵，
// 便于上层用 errors.Is 统一识别。第二个返回值表示是否命中。
func normalizeMaintenance(err error) (error, bool) {
	var ccxtErr *ccxt.Error
	if !errors.As(err, &ccxtErr) || ccxtErr.Type != ccxt.OnMaintenanceErrType {
		return err, false
	}

	message := strings.TrimSpace(ccxtErr.Message)
	if message == "" {
		message = "exchange under maintenance"
	}
	return fmt.Errorf("%w: %s", ErrMaintenance, message), true
}
