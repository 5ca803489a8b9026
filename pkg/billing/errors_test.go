package billing

import (
	"errors"
	"testing"
)

func TestOperationErrorFormatting(test *testing.T) {
	test.Parallel()
	baseError := errors.New("base error")
	wrappedError := WrapError("store", "event", "insert", baseError)
	if wrappedError == nil {
		test.Fatalf("expected wrapped error")
	}
	if wrappedError.Error() != "store.event.insert: base error" {
		test.Fatalf("unexpected message: %q", wrappedError.Error())
	}
	if !errors.Is(wrappedError, baseError) {
		test.Fatalf("expected wrapped error to match base")
	}
}

func TestWrapErrorNil(test *testing.T) {
	test.Parallel()
	if WrapError("store", "event", "insert", nil) != nil {
		test.Fatalf("expected nil wrapped error")
	}
}

func TestInsufficientBalanceErrorDetail(test *testing.T) {
	test.Parallel()
	balanceError := &InsufficientBalanceError{Pool: PoolAdvertising, Requested: 1000, Available: 940}
	if !errors.Is(balanceError, ErrInsufficientBalance) {
		test.Fatalf("expected sentinel match")
	}
	if balanceError.Shortfall() != 60 {
		test.Fatalf("expected shortfall 60, got %d", balanceError.Shortfall())
	}
}
