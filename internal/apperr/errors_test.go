package apperr

import (
	"context"
	"errors"
	"testing"
)

func TestExternalKeepsBothCauses(t *testing.T) {
	err := External("embedding", context.DeadlineExceeded)
	if !errors.Is(err, ErrExternalService) {
		t.Fatalf("errors.Is(err, ErrExternalService) = false")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("errors.Is(err, context.DeadlineExceeded) = false")
	}
	if !IsExternal(err) {
		t.Fatalf("IsExternal() = false, want true")
	}
	if External("embedding", nil) != nil {
		t.Fatalf("External(nil) should be nil")
	}
}

func TestValidationAndNotFound(t *testing.T) {
	if !errors.Is(Validation("message is empty"), ErrValidation) {
		t.Fatalf("Validation() does not match ErrValidation")
	}
	if !errors.Is(NotFound("ticket", "t1"), ErrNotFound) {
		t.Fatalf("NotFound() does not match ErrNotFound")
	}
}
