package rtp

import (
	"errors"
	"fmt"
	"net"
)

// ErrorCategory классифицирует ошибки медиа слоя для выбора реакции:
// сетевые ошибки транспорта обычно фатальны для сокета, ошибки валидации —
// повод отбросить пакет и продолжить.
type ErrorCategory int

const (
	ErrorCategoryNone ErrorCategory = iota
	// ErrorCategoryNetwork ошибки сокета и доставки.
	ErrorCategoryNetwork
	// ErrorCategoryValidation невалидные пакеты и параметры.
	ErrorCategoryValidation
	// ErrorCategorySession ошибки жизненного цикла сессий.
	ErrorCategorySession
)

func (c ErrorCategory) String() string {
	switch c {
	case ErrorCategoryNetwork:
		return "network"
	case ErrorCategoryValidation:
		return "validation"
	case ErrorCategorySession:
		return "session"
	default:
		return "none"
	}
}

// ClassifiedError ошибка с категорией и операцией, на которой она возникла.
type ClassifiedError struct {
	Category ErrorCategory
	Op       string
	Err      error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("rtp %s [%s]: %v", e.Op, e.Category, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// IsTemporary сообщает, можно ли продолжать работу после этой ошибки.
func (e *ClassifiedError) IsTemporary() bool {
	if e.Category == ErrorCategoryValidation {
		return true
	}
	var netErr net.Error
	if errors.As(e.Err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func newValidationError(op string, format string, args ...interface{}) *ClassifiedError {
	return &ClassifiedError{
		Category: ErrorCategoryValidation,
		Op:       op,
		Err:      fmt.Errorf(format, args...),
	}
}

func newSessionError(op string, format string, args ...interface{}) *ClassifiedError {
	return &ClassifiedError{
		Category: ErrorCategorySession,
		Op:       op,
		Err:      fmt.Errorf(format, args...),
	}
}

func classifyNetworkError(op string, err error) *ClassifiedError {
	return &ClassifiedError{
		Category: ErrorCategoryNetwork,
		Op:       op,
		Err:      err,
	}
}
