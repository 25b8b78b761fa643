// Package xerrors 提供 hms-plane 统一的错误处理工具。
//
// 约定：
//   - 组件在自己的 errors.go 中声明哨兵错误，并用 WithCode 标注错误分类码
//   - 向上传递时使用 Wrap/Wrapf 附加上下文，保留错误链
//   - HTTP 层通过 Code / HTTPStatus 把错误链映射为响应码与 {code, message} 响应体
package xerrors

import (
	"errors"
	"fmt"
)

// Wrap 用上下文信息包装错误，保留错误链。
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 用格式化的上下文信息包装错误。
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// WithCode 给错误打上分类码，组件哨兵错误都经由它声明。
func WithCode(err error, code string) error {
	if err == nil {
		return nil
	}
	return &CodedError{Code: code, Cause: err}
}

// CodedError 携带分类码的错误，Error() 形如 "[CODE] cause"。
type CodedError struct {
	Code  string
	Cause error
}

func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %v", e.Code, e.Cause)
	}
	return fmt.Sprintf("[%s]", e.Code)
}

func (e *CodedError) Unwrap() error {
	return e.Cause
}

// GetCode 返回错误链上最外层 CodedError 的码，没有时为空。分类请用 Code。
func GetCode(err error) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// 标准库函数再导出
var (
	New    = errors.New
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	Join   = errors.Join
)
