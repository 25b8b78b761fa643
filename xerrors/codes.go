package xerrors

import "net/http"

// 通用哨兵错误，组件错误应通过 %w 包装它们以便分类。
var (
	ErrNotFound     = New("not found")
	ErrInvalidInput = New("invalid input")
	ErrUnavailable  = New("unavailable")
	ErrTimeout      = New("timeout")
	ErrConflict     = New("conflict")
	ErrUnauthorized = New("unauthorized")
	ErrForbidden    = New("forbidden")
	ErrInternal     = New("internal error")
)

// 错误分类码。控制面所有 HTTP 接口的响应体都使用这些码。
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeLeaseExpired       = "LEASE_EXPIRED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeDownstreamTimeout  = "DOWNSTREAM_TIMEOUT"
	CodeDownstreamError    = "DOWNSTREAM_ERROR"
	CodeCircuitOpen        = "CIRCUIT_OPEN"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeRateLimited        = "RATE_LIMITED"
	CodeConflict           = "CONFLICT"
	CodeInternal           = "INTERNAL_ERROR"
)

var codeStatus = map[string]int{
	CodeValidation:         http.StatusBadRequest,
	CodeNotFound:           http.StatusNotFound,
	CodeLeaseExpired:       http.StatusNotFound,
	CodeServiceUnavailable: http.StatusServiceUnavailable,
	CodeDownstreamTimeout:  http.StatusGatewayTimeout,
	CodeDownstreamError:    http.StatusBadGateway,
	CodeCircuitOpen:        http.StatusServiceUnavailable,
	CodeUnauthorized:       http.StatusUnauthorized,
	CodeForbidden:          http.StatusForbidden,
	CodeRateLimited:        http.StatusTooManyRequests,
	CodeConflict:           http.StatusConflict,
	CodeInternal:           http.StatusInternalServerError,
}

// Code 返回错误链上的分类码。
// 没有显式 CodedError 时，按通用哨兵错误推断；都不匹配则为 CodeInternal。
func Code(err error) string {
	if err == nil {
		return ""
	}
	if code := GetCode(err); code != "" {
		return code
	}
	switch {
	case Is(err, ErrInvalidInput):
		return CodeValidation
	case Is(err, ErrNotFound):
		return CodeNotFound
	case Is(err, ErrUnavailable):
		return CodeServiceUnavailable
	case Is(err, ErrTimeout):
		return CodeDownstreamTimeout
	case Is(err, ErrConflict):
		return CodeConflict
	case Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case Is(err, ErrForbidden):
		return CodeForbidden
	}
	return CodeInternal
}

// HTTPStatus 返回错误对应的 HTTP 状态码，nil 对应 200。
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if status, ok := codeStatus[Code(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Response 是 HTTP 错误响应体。
type Response struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToResponse 把错误转换为响应体。
func ToResponse(err error) Response {
	return Response{Code: Code(err), Message: err.Error()}
}
