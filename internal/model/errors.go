package model

import (
	"errors"
	"fmt"
)

// 票据错误
var (
	ErrInvalidTicket   = errors.New("票据无效")
	ErrTicketNotFound  = errors.New("票据不存在")
	ErrTicketWrongType = errors.New("票据类型不匹配")
	ErrTicketExpired   = errors.New("票据已过期")
)

// Reason 票据无效原因
type Reason int

const (
	ReasonNotFound Reason = iota + 1
	ReasonWrongType
	ReasonExpired
)

func (r Reason) String() string {
	switch r {
	case ReasonNotFound:
		return "not_found"
	case ReasonWrongType:
		return "wrong_type"
	case ReasonExpired:
		return "expired"
	default:
		return "unknown"
	}
}

func (r Reason) sentinel() error {
	switch r {
	case ReasonNotFound:
		return ErrTicketNotFound
	case ReasonWrongType:
		return ErrTicketWrongType
	case ReasonExpired:
		return ErrTicketExpired
	default:
		return ErrInvalidTicket
	}
}

// InvalidTicketError 票据无效错误
// errors.Is 同时匹配 ErrInvalidTicket 和原因对应的哨兵错误
type InvalidTicketError struct {
	TicketID string
	Reason   Reason
}

// NewInvalidTicketError 创建票据无效错误
func NewInvalidTicketError(id string, reason Reason) *InvalidTicketError {
	return &InvalidTicketError{TicketID: id, Reason: reason}
}

func (e *InvalidTicketError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason.sentinel().Error(), e.TicketID)
}

// Is 支持 errors.Is 匹配
func (e *InvalidTicketError) Is(target error) bool {
	return target == ErrInvalidTicket || target == e.Reason.sentinel()
}

// ReasonOf 提取票据无效原因，非票据错误返回 0
func ReasonOf(err error) Reason {
	var ite *InvalidTicketError
	if errors.As(err, &ite) {
		return ite.Reason
	}
	return 0
}
