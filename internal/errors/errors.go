// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrNotAuthenticated    = errors.New("not authenticated")
	ErrSessionExpired      = errors.New("session expired")
	ErrOrderRejected       = errors.New("order rejected")
	ErrSymbolNotFound      = errors.New("symbol not found")
	ErrRateLimited         = errors.New("rate limited")
	ErrTimeout             = errors.New("operation timed out")
	ErrConfirmationTimeout = errors.New("confirmation not observed within attempt budget")
	ErrConfigInvalid       = errors.New("invalid configuration")
	ErrInvalidSignal       = errors.New("invalid signal")
	ErrNoHedgeCandidate    = errors.New("no hedge candidate")
)

// Kind classifies a broker capability failure.
type Kind string

const (
	KindUnknown   Kind = "unknown"
	KindSession   Kind = "session"
	KindTransport Kind = "transport"
	KindRejected  Kind = "rejected"
	KindNotFound  Kind = "not_found"
	KindTimeout   Kind = "timeout"
)

// BrokerError represents a failed broker capability call.
type BrokerError struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker error [%s] %s: %v", e.Kind, e.Op, e.Err)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// NewBrokerError creates a new BrokerError. The kind is inferred from err
// when kind is empty.
func NewBrokerError(op string, kind Kind, err error) *BrokerError {
	if kind == "" {
		kind = classify(err)
	}
	return &BrokerError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// KindOf returns the failure kind carried by err.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Kind
	}
	return classify(err)
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, ErrNotAuthenticated), errors.Is(err, ErrSessionExpired):
		return KindSession
	case errors.Is(err, ErrOrderRejected):
		return KindRejected
	case errors.Is(err, ErrSymbolNotFound):
		return KindNotFound
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrConfirmationTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindTransport
}

// OrderError represents an error related to order operations.
type OrderError struct {
	OrderID string
	Symbol  string
	Action  string
	Reason  string
	Err     error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error [%s] %s %s: %s: %v", e.OrderID, e.Action, e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("order error [%s] %s %s: %s", e.OrderID, e.Action, e.Symbol, e.Reason)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// NewOrderError creates a new OrderError.
func NewOrderError(orderID, symbol, action, reason string, err error) *OrderError {
	return &OrderError{
		OrderID: orderID,
		Symbol:  symbol,
		Action:  action,
		Reason:  reason,
		Err:     err,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidSignal
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
