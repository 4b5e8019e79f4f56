package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindAndCodeSurviveWrapping(t *testing.T) {
	err := fmt.Errorf("adjust balance: %w", Validation(CodeInvalidReason, "reason is required"))
	if KindOf(err) != KindValidation {
		t.Fatalf("expected validation kind, got %q", KindOf(err))
	}
	if !Is(err, CodeInvalidReason) {
		t.Fatalf("expected invalid_reason code")
	}
	if Retryable(err) {
		t.Fatalf("validation errors must not be retryable")
	}
}

func TestUnavailableUnwrapsCause(t *testing.T) {
	err := Unavailable(context.DeadlineExceeded)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected cause to be reachable")
	}
	if !Retryable(err) {
		t.Fatalf("expected store_unavailable to be retryable")
	}
}

func TestKindOfPlainError(t *testing.T) {
	if KindOf(errors.New("x")) != "" {
		t.Fatalf("expected empty kind for plain error")
	}
}

func TestOutcome(t *testing.T) {
	if got := Outcome(nil); got != "ok" {
		t.Fatalf("expected ok, got %q", got)
	}
	if got := Outcome(fmt.Errorf("process: %w", InvalidTransition("done"))); got != "invalid_transition" {
		t.Fatalf("expected wrapped code, got %q", got)
	}
	if got := Outcome(errors.New("x")); got != "error" {
		t.Fatalf("expected error, got %q", got)
	}
}
