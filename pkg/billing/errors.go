package billing

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the billing service.
var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrDuplicateExternalRef  = errors.New("duplicate external ref")
	ErrUnknownToken          = errors.New("unknown authorization token")
	ErrStaleToken            = errors.New("authorization token expired")
	ErrTokenAlreadySettled   = errors.New("authorization token already settled")
	ErrPricingRuleNotFound   = errors.New("pricing rule not found")
	ErrPricingRuleConflict   = errors.New("conflicting pricing rules")
	ErrInvalidAccountID      = errors.New("invalid account id")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInvalidPool           = errors.New("invalid pool")
	ErrInvalidEventKind      = errors.New("invalid event kind")
	ErrInvalidChannel        = errors.New("invalid channel")
	ErrInvalidExternalRef    = errors.New("invalid external ref")
	ErrInvalidMetadataJSON   = errors.New("invalid metadata json")
	ErrInvalidRecipientCount = errors.New("invalid recipient count")
	ErrInvalidServiceConfig  = errors.New("invalid service config")
)

// InsufficientBalanceError carries the structured detail a caller needs to
// render an actionable message. It matches ErrInsufficientBalance under
// errors.Is.
type InsufficientBalanceError struct {
	Pool      Pool
	Requested Amount
	Available Amount
}

// Error returns the formatted message.
func (balanceError *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance in %s pool: requested %d, available %d",
		balanceError.Pool, balanceError.Requested, balanceError.Available)
}

// Is reports whether target is the insufficient-balance sentinel.
func (balanceError *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// Shortfall returns how much the request exceeded the available balance.
func (balanceError *InsufficientBalanceError) Shortfall() Amount {
	return balanceError.Requested - balanceError.Available
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
