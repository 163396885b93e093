package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for simple conditions without extra context.
var (
	ErrTenantNotFound = errors.New("tenant not found")
	ErrJobNotFound    = errors.New("provisioning job not found")
)

// TenantConflictError is returned when a tenant id is already taken,
// either by an existing tenant record or by a job still provisioning it.
type TenantConflictError struct {
	TenantID string
}

func (e *TenantConflictError) Error() string {
	return fmt.Sprintf("tenant %q already exists", e.TenantID)
}

// TransitionError is returned when a state transition is not allowed.
type TransitionError struct {
	Event   string
	Current string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("event %q is not valid from state %q", e.Event, e.Current)
}
