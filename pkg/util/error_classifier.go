package util

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
)

// 错误类型
const (
	KindTransientIO           = "transient_io"
	KindParseFailure          = "parse_failure"
	KindClassificationFailure = "classification_failure"
	KindDuplicate             = "duplicate"
	KindDispatchFailure       = "dispatch_failure"
	KindConfigurationMissing  = "configuration_missing"
	KindNotFound              = "not_found"
	KindCanceled              = "context_canceled"
	KindUnknown               = "unknown"
)

var (
	ErrTransientIO          = errors.New("transient io failure")
	ErrParseFailure         = errors.New("message parse failure")
	ErrClassification       = errors.New("classification failure")
	ErrDuplicate            = errors.New("duplicate message")
	ErrDispatch             = errors.New("dispatch failure")
	ErrConfigurationMissing = errors.New("configuration missing")
)

// ClassifyError determines the error kind and whether the next cycle should retry it
// Returns: (errorKind, isRetryable)
func ClassifyError(err error) (string, bool) {
	if err == nil {
		return "", false
	}

	switch {
	case errors.Is(err, ErrDuplicate):
		return KindDuplicate, false
	case errors.Is(err, ErrConfigurationMissing):
		// 需要人工补齐配置，重试无意义
		return KindConfigurationMissing, false
	case errors.Is(err, ErrParseFailure):
		return KindParseFailure, false
	case errors.Is(err, ErrClassification):
		return KindClassificationFailure, false
	case errors.Is(err, ErrTransientIO):
		return KindTransientIO, true
	case errors.Is(err, ErrDispatch):
		return KindDispatchFailure, true
	}

	// JSON decode errors - 不可重试（数据格式错误）
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return KindParseFailure, false
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return KindNotFound, false
	}

	if errors.Is(err, context.Canceled) {
		return KindCanceled, false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransientIO, true
	}

	// Network errors - 可重试
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransientIO, true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return KindTransientIO, true
	}

	errStr := err.Error()
	if strings.Contains(errStr, "duplicate key") {
		return KindDuplicate, false
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "timeout") {
		return KindTransientIO, true
	}

	// 默认：未知错误，保守处理 - 不重试
	return KindUnknown, false
}
