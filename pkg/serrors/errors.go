// Package serrors defines the coded error type shared by all governance
// services. Every caller-visible failure carries a stable machine-readable
// code and an HTTP-like status classification; the cause chain is preserved
// through Unwrap.
package serrors

import (
	"errors"
	"fmt"
)

type ServiceError struct {
	Status  int
	Code    string
	Message string
	Cause   error
}

func (e *ServiceError) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *ServiceError) Unwrap() error { return e.Cause }

func New(status int, code, message string) *ServiceError {
	return &ServiceError{Status: status, Code: code, Message: message}
}

func Wrap(status int, code, message string, cause error) *ServiceError {
	return &ServiceError{Status: status, Code: code, Message: message, Cause: cause}
}

// CodeOf returns the stable code of err, or "" when err is not a ServiceError.
func CodeOf(err error) string {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Code
	}
	return ""
}
