package errorx

import (
	"errors"
	"fmt"

	"ihtreg/infra/errorx/errCode"
)

// 带错误码的error, 便于上层按类别处理
type Error struct {
	Code errCode.Code
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Msg)
}

func New(code errCode.Code, msg string) error {
	return &Error{Code: code, Msg: msg}
}

func Newf(code errCode.Code, format string, args ...any) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf 取出错误码, 非errorx错误返回0
func CodeOf(err error) errCode.Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}
