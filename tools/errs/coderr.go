package errs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// CodeError 带稳定错误码的错误；码值对客户端可见，跨版本保持不变
type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

func (e *CodeError) ECode() int { return e.Code }

func (e *CodeError) clone() *CodeError {
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: e.Detail}
}

// WithDetail 追加细节，返回新实例（原值可全局复用）
func (e *CodeError) WithDetail(detail string) *CodeError {
	n := e.clone()
	if n.Detail == "" {
		n.Detail = detail
	} else {
		n.Detail += ", " + detail
	}
	return n
}

// WrapMsg 追加 kv 细节并带调用栈
func (e *CodeError) WrapMsg(msg string, kv ...any) error {
	n := e.clone()
	if msg != "" || len(kv) > 0 {
		d := toString(msg, kv)
		if n.Detail == "" {
			n.Detail = d
		} else {
			n.Detail += ", " + d
		}
	}
	return pkgerrors.WithStack(n)
}

// Is 按错误码判等，支持 errors.Is(err, ErrXxx)
func (e *CodeError) Is(err error) bool {
	var ce *CodeError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == e.Code
}

// Code 提取任意 error 里的错误码；非 CodeError 返回 0
func Code(err error) int {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

func toString(msg string, kv []any) string {
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if sb.Len() > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(fmt.Sprint(kv[i]))
		sb.WriteString("=")
		if i+1 < len(kv) {
			sb.WriteString(fmt.Sprint(kv[i+1]))
		}
	}
	return sb.String()
}

// ---------------- 栈包装（github.com/pkg/errors）----------------

func Wrap(err error) error {
	return pkgerrors.WithStack(err)
}

func WrapMsg(err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	return pkgerrors.WithMessage(pkgerrors.WithStack(err), toString(msg, kv))
}

func New(msg string, kv ...any) error {
	return pkgerrors.New(toString(msg, kv))
}
