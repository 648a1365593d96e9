package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"explicit kind", NewBrokerError("place_order", KindRejected, errors.New("margin")), KindRejected},
		{"inferred session", NewBrokerError("positions", "", ErrNotAuthenticated), KindSession},
		{"wrapped sentinel", fmt.Errorf("exit: %w", ErrConfirmationTimeout), KindTimeout},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"plain", errors.New("connection reset"), KindTransport},
		{"not found", fmt.Errorf("lookup: %w", ErrSymbolNotFound), KindNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBrokerErrorUnwrap(t *testing.T) {
	err := NewBrokerError("ltp", KindSession, ErrSessionExpired)
	if !Is(err, ErrSessionExpired) {
		t.Error("BrokerError should unwrap to its cause")
	}

	var be *BrokerError
	if !As(fmt.Errorf("quote: %w", err), &be) || be.Op != "ltp" {
		t.Errorf("As() should find the BrokerError, got %+v", be)
	}
}

func TestValidationErrorIsInvalidSignal(t *testing.T) {
	err := NewValidationError("symbol", "", "required")
	if !Is(err, ErrInvalidSignal) {
		t.Error("ValidationError should match ErrInvalidSignal")
	}
}
