package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by adapters.
var (
	// ErrUnmappableID is returned when an identifier carries no ledger mapping.
	ErrUnmappableID = errors.New("identifier has no ledger mapping")
	// ErrDuplicateID is returned by RequestStore.CreatePending on a primary key collision.
	ErrDuplicateID = errors.New("request id already exists")
	// ErrLockHeld is returned by a Locker when another caller holds the key.
	ErrLockHeld = errors.New("request lock held")
)

// ForbiddenError indicates the actor's role may not perform the action. Reason
// never names other actors.
type ForbiddenError struct {
	RequestID string
	Role      Role
	Action    Action
	Reason    string
}

func (e ForbiddenError) Error() string {
	msg := fmt.Sprintf("role %q may not %s", e.Role, e.Action)
	if e.RequestID != "" {
		msg += " request " + e.RequestID
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// IllegalTransitionError indicates the action is not valid from the current status.
type IllegalTransitionError struct {
	RequestID string
	Current   Status
	Action    Action
}

func (e IllegalTransitionError) Error() string {
	return fmt.Sprintf("request %s: cannot %s from status %s", e.RequestID, e.Action, e.Current)
}

// NotFoundError indicates the request does not exist or was never confirmed.
type NotFoundError struct {
	RequestID string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("request %s not found", e.RequestID)
}

// ConflictError indicates a concurrent change won. Receipt is set when the
// ledger confirmed a write that could not be recorded locally.
type ConflictError struct {
	RequestID string
	Reason    string
	Receipt   *TxReceipt
}

func (e ConflictError) Error() string {
	if e.RequestID == "" {
		return "conflict: " + e.Reason
	}
	return fmt.Sprintf("conflict on request %s: %s", e.RequestID, e.Reason)
}

// LedgerWriteError indicates the ledger rejected or failed a write. No local
// state was changed.
type LedgerWriteError struct {
	RequestID string
	Action    Action
	Err       error
}

func (e LedgerWriteError) Error() string {
	return fmt.Sprintf("ledger %s for request %s: %v", e.Action, e.RequestID, e.Err)
}

func (e LedgerWriteError) Unwrap() error { return e.Err }

// ReconciliationError indicates the ledger confirmed a write but the local
// store could not record it. The two systems diverge until an operator acts.
type ReconciliationError struct {
	RequestID string
	LedgerID  LedgerID
	Action    Action
	Receipt   TxReceipt
	Err       error
}

func (e ReconciliationError) Error() string {
	return fmt.Sprintf("reconcile %s for request %s (ledger %s, tx %s): %v", e.Action, e.RequestID, e.LedgerID, e.Receipt.TxHash, e.Err)
}

func (e ReconciliationError) Unwrap() error { return e.Err }

// ValidationError reports malformed input before any side effect.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var target NotFoundError
	return errors.As(err, &target)
}

// IsConflict reports whether err wraps a ConflictError.
func IsConflict(err error) bool {
	var target ConflictError
	return errors.As(err, &target)
}

// IsForbidden reports whether err wraps a ForbiddenError.
func IsForbidden(err error) bool {
	var target ForbiddenError
	return errors.As(err, &target)
}

// IsIllegalTransition reports whether err wraps an IllegalTransitionError.
func IsIllegalTransition(err error) bool {
	var target IllegalTransitionError
	return errors.As(err, &target)
}

// IsLedgerWrite reports whether err wraps a LedgerWriteError.
func IsLedgerWrite(err error) bool {
	var target LedgerWriteError
	return errors.As(err, &target)
}

// IsReconciliation reports whether err wraps a ReconciliationError.
func IsReconciliation(err error) bool {
	var target ReconciliationError
	return errors.As(err, &target)
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var target ValidationError
	return errors.As(err, &target)
}
