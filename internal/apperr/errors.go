// Package apperr holds the error taxonomy shared by the assistant pipeline.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed caller input. It is the only kind that is
	// rejected before entering the pipeline.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a referenced session, ticket or product that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrExternalService marks an unreachable or timed out embedding, search,
	// generation or persistence dependency.
	ErrExternalService = errors.New("external service unavailable")
	// ErrAuthRequired marks an order-level intent on an unauthenticated session.
	ErrAuthRequired = errors.New("authentication required")
	// ErrEscalationPersistence marks a ticket write that failed after retry.
	ErrEscalationPersistence = errors.New("escalation ticket not persisted")
)

// Validation wraps ErrValidation with a formatted detail.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFound wraps ErrNotFound for the given kind and id.
func NotFound(kind, id string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, kind, id)
}

// External wraps err as an ErrExternalService failure of the named service.
// Both sentinels stay reachable through errors.Is.
func External(service string, err error) error {
	if err == nil {
		return nil
	}
	return &ServiceError{Service: service, Err: err}
}

// ServiceError reports a failure of an external capability.
type ServiceError struct {
	Service string
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrExternalService, e.Service, e.Err)
}

func (e *ServiceError) Unwrap() []error {
	return []error{ErrExternalService, e.Err}
}

// IsExternal reports whether err originated from an external capability.
func IsExternal(err error) bool {
	return errors.Is(err, ErrExternalService)
}
