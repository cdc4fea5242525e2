// Package escrowerr defines the error vocabulary shared by the escrow
// coordinators and mapped onto HTTP responses by the server.
package escrowerr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPhaseMismatch indicates the operation is not valid in the entity's current state.
	ErrPhaseMismatch = errors.New("escrow: phase mismatch")
	// ErrRoleViolation indicates the caller may not act in the requested role.
	ErrRoleViolation = errors.New("escrow: role violation")
	// ErrCapability indicates the wallet capability failed or timed out. Retryable.
	ErrCapability = errors.New("escrow: wallet capability failure")
	// ErrNotFound indicates the referenced entity does not exist.
	ErrNotFound = errors.New("escrow: not found")
	// ErrInsufficientFunds indicates the escrow wallet cannot cover the release.
	ErrInsufficientFunds = errors.New("escrow: insufficient funds")
	// ErrSessionNotReady indicates the trade has no session or the session is not ready.
	ErrSessionNotReady = errors.New("escrow: session not ready")
	// ErrInvalidInput indicates malformed or missing request fields.
	ErrInvalidInput = errors.New("escrow: invalid input")
)

// PhaseError carries the current state of the entity that rejected an operation.
type PhaseError struct {
	Entity  string
	Current string
	Allowed []string
}

func (e *PhaseError) Error() string {
	if len(e.Allowed) == 0 {
		return fmt.Sprintf("%s is %s", e.Entity, e.Current)
	}
	return fmt.Sprintf("%s is %s, expected %s", e.Entity, e.Current, strings.Join(e.Allowed, " or "))
}

func (e *PhaseError) Unwrap() error { return ErrPhaseMismatch }

// Phase builds a PhaseError for entity in state current.
func Phase(entity, current string, allowed ...string) error {
	return &PhaseError{Entity: entity, Current: current, Allowed: allowed}
}

// CapabilityError records which wallet operation failed and in which session phase.
type CapabilityError struct {
	Op        string
	SessionID string
	Phase     string
	Err       error
}

func (e *CapabilityError) Error() string {
	var b strings.Builder
	b.WriteString("wallet ")
	b.WriteString(e.Op)
	if e.SessionID != "" {
		b.WriteString(" session=")
		b.WriteString(e.SessionID)
	}
	if e.Phase != "" {
		b.WriteString(" phase=")
		b.WriteString(e.Phase)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *CapabilityError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrCapability}
	}
	return []error{ErrCapability, e.Err}
}

// Capability wraps err as a CapabilityError. A nil err returns nil.
func Capability(op, sessionID, phase string, err error) error {
	if err == nil {
		return nil
	}
	var existing *CapabilityError
	if errors.As(err, &existing) {
		return err
	}
	return &CapabilityError{Op: op, SessionID: sessionID, Phase: phase, Err: err}
}

// Invalid wraps a validation message with ErrInvalidInput.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Retryable reports whether the caller may retry the same request unchanged.
func Retryable(err error) bool {
	return errors.Is(err, ErrCapability)
}

// CurrentState extracts the entity state echoed by a PhaseError, if any.
func CurrentState(err error) string {
	var phaseErr *PhaseError
	if errors.As(err, &phaseErr) {
		return phaseErr.Current
	}
	return ""
}
