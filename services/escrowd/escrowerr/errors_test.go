package escrowerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestPhaseErrorUnwraps(t *testing.T) {
	err := fmt.Errorf("submit made: %w", Phase("session", "preparing", "making"))
	if !errors.Is(err, ErrPhaseMismatch) {
		t.Fatalf("expected phase mismatch, got %v", err)
	}
	if got := CurrentState(err); got != "preparing" {
		t.Fatalf("unexpected current state %q", got)
	}
	if Retryable(err) {
		t.Fatalf("phase mismatch must not be retryable")
	}
}

func TestCapabilityErrorKeepsCause(t *testing.T) {
	err := Capability("make_multisig", "s-1", "preparing", context.DeadlineExceeded)
	if !errors.Is(err, ErrCapability) {
		t.Fatalf("expected capability error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline cause to be preserved")
	}
	if !Retryable(err) {
		t.Fatalf("capability failures are retryable")
	}
	again := Capability("outer", "", "", err)
	var capErr *CapabilityError
	if !errors.As(again, &capErr) || capErr.Op != "make_multisig" {
		t.Fatalf("expected original capability error to be kept, got %v", again)
	}
	if Capability("noop", "", "", nil) != nil {
		t.Fatalf("nil error must stay nil")
	}
}

func TestInvalidWrapsSentinel(t *testing.T) {
	err := Invalid("destination %s", "required")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
