package model

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrNotFound is returned by stores and registries for unknown identifiers.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned by stores when an optimistic update lost a race.
var ErrVersionConflict = errors.New("version conflict")

// ValidationError marks malformed input rejected before any gate runs.
// It is never recorded as a security decision.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Msg
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

// CheckUTF8 rejects text that would not survive a JSON round trip unchanged.
func CheckUTF8(field, v string) error {
	if !utf8.ValidString(v) {
		return &ValidationError{Field: field, Msg: "invalid UTF-8"}
	}
	return nil
}

// CheckUTF8Map applies CheckUTF8 to every key and value of m.
func CheckUTF8Map(field string, m map[string]string) error {
	for k, v := range m {
		if !utf8.ValidString(k) {
			return &ValidationError{Field: field, Msg: "invalid UTF-8 key"}
		}
		if err := CheckUTF8(field+"."+k, v); err != nil {
			return err
		}
	}
	return nil
}

// AuthorizationError marks an actor lacking the role an operation requires,
// including separation-of-duties violations.
type AuthorizationError struct {
	ActorID string
	Reason  string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorization: actor %q: %s", e.ActorID, e.Reason)
}

// TransitionError marks an operation invalid for the entity's current state.
type TransitionError struct {
	Entity string
	From   string
	Op     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: cannot %s from status %s", e.Entity, e.Op, e.From)
}

// DenyKind distinguishes why a gate refused an action.
type DenyKind string

const (
	DenyKillSwitch      DenyKind = "blocked_by_kill_switch"
	DenyPolicy          DenyKind = "blocked_by_policy"
	DenyPendingApproval DenyKind = "pending_approval"
	DenyRateLimited     DenyKind = "rate_limited"
	DenyCapability      DenyKind = "capability_not_permitted"
	DenyLedgerWrite     DenyKind = "ledger_write_failure"
	DenyInternal        DenyKind = "internal_error"
	DenyValidation      DenyKind = "validation"
)

// IsInfrastructure reports whether the denial means "the system is broken"
// rather than "the system refused".
func (k DenyKind) IsInfrastructure() bool {
	return k == DenyLedgerWrite || k == DenyInternal
}

// LedgerWriteError wraps a durable-store rejection of a ledger append.
type LedgerWriteError struct {
	Err error
}

func (e *LedgerWriteError) Error() string {
	return "ledger write failure: " + e.Err.Error()
}

func (e *LedgerWriteError) Unwrap() error { return e.Err }

// ExecutorError reports that an approved change ran but the underlying
// action failed. It is not retried automatically.
type ExecutorError struct {
	ChangeID string
	Err      error
}

func (e *ExecutorError) Error() string {
	return fmt.Sprintf("executor failure for change %s: %v", e.ChangeID, e.Err)
}

func (e *ExecutorError) Unwrap() error { return e.Err }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsAuthorization reports whether err is (or wraps) an AuthorizationError.
func IsAuthorization(err error) bool {
	var ae *AuthorizationError
	return errors.As(err, &ae)
}
