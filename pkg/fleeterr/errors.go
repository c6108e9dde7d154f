package fleeterr

import (
	"errors"
	"fmt"
)

// Kind 错误分类，调用方按分类决定重试、降级还是直接失败
type Kind int

const (
	KindUnknown   Kind = iota
	KindTransient      // 对端不可达、共享存储超时：有限重试后走下一条解析路径
	KindNotFound       // 未知 worker id、服务无覆盖
	KindConflict       // 引导声明已存在等预期冲突
	KindFatal          // 持久化目录不可写、overlay 二进制缺失：组件自行降级
	KindInvariant      // 重复 overlay 地址、tier 不匹配：拒绝操作
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindFatal:
		return "fatal"
	case KindInvariant:
		return "invariant_violation"
	default:
		return "unknown"
	}
}

// 分类哨兵，配合 errors.Is 使用
var (
	ErrTransient = &Error{Kind: KindTransient}
	ErrNotFound  = &Error{Kind: KindNotFound}
	ErrConflict  = &Error{Kind: KindConflict}
	ErrFatal     = &Error{Kind: KindFatal}
	ErrInvariant = &Error{Kind: KindInvariant}
)

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Op != "":
		return e.Op + ": " + e.Kind.String()
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is 只比较分类，这样 errors.Is(err, ErrNotFound) 对任何 NotFound 都成立
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func NotFound(op, format string, args ...any) error {
	return New(KindNotFound, op, fmt.Errorf(format, args...))
}

func Conflict(op, format string, args ...any) error {
	return New(KindConflict, op, fmt.Errorf(format, args...))
}

func Invariant(op, format string, args ...any) error {
	return New(KindInvariant, op, fmt.Errorf(format, args...))
}

func Transient(op string, err error) error {
	return New(KindTransient, op, err)
}

func Fatal(op string, err error) error {
	return New(KindFatal, op, err)
}

// KindOf 返回错误链上第一个 *Error 的分类
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}
