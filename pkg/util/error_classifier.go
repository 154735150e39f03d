package util

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"projectplanner/internal/remote"
	"projectplanner/pkg/circuitbreaker"
)

// IsRetryableError determines if an error is retryable
// Returns: (isRetryable, errorType)
//
// 只用于事件处理器决定 ack/nack 以及熔断器计数，同步流程本身从不自动重试
func IsRetryableError(err error) (bool, string) {
	if err == nil {
		return false, ""
	}

	// JSON decode errors - 不可重试（数据格式错误）
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return false, "json_decode_error"
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return false, "json_decode_error"
	}

	// 调用方显式标记为可重试
	var marked *RetryableError
	if errors.As(err, &marked) {
		return true, "retryable"
	}

	// 本地已取消 - 不可重试
	if errors.Is(err, context.Canceled) {
		return false, "context_canceled"
	}

	// 过期引用 - 不可重试（需要重新加载基线）
	var stale *remote.StaleReferenceError
	if errors.As(err, &stale) {
		return false, "stale_reference"
	}

	// 远程存储应答
	var reqErr *remote.RequestError
	if errors.As(err, &reqErr) && reqErr.Status != 0 {
		switch {
		case reqErr.Status == http.StatusNotFound:
			return false, "not_found"
		case reqErr.Status == http.StatusConflict:
			return false, "conflict"
		case reqErr.Status == http.StatusTooManyRequests:
			return true, "rate_limited"
		case reqErr.Status >= 500:
			return true, "remote_server_error"
		default:
			return false, "remote_client_error"
		}
	}
	if errors.Is(err, remote.ErrNotFound) {
		return false, "not_found"
	}
	if errors.Is(err, remote.ErrConflict) {
		return false, "conflict"
	}

	// 熔断器打开 - 可重试（稍后）
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
		return true, "circuit_open"
	}

	// Database errors
	if errors.Is(err, pgx.ErrNoRows) {
		return false, "not_found"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation - 不可重试（幂等性）
			return false, "duplicate_key"
		case "23503": // foreign_key_violation
			return false, "conflict"
		}
		if strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "40001" || pgErr.Code == "40P01" {
			// 连接异常、序列化失败、死锁 - 可重试
			return true, "db_transient_error"
		}
		return false, "db_error"
	}

	// Network errors - 可重试
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}

	// Context timeout - 可重试
	if errors.Is(err, context.DeadlineExceeded) {
		return true, "timeout"
	}

	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "connection reset") {
		return true, "connection_error"
	}

	// 默认：未知错误，保守处理 - 不重试
	return false, "unknown_error"
}

// RetryableError 标记一个应当稍后重试的错误（例如同一项目的保存正在进行）
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err so that IsRetryableError reports it as retryable
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// ShouldRetry checks if an error should be retried based on retry count
func ShouldRetry(retryCount int64, maxRetries int64, isRetryable bool) bool {
	if !isRetryable {
		return false
	}
	return retryCount <= maxRetries
}
